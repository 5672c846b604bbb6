package iflytek

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/url"
	"time"
)

// buildAuthURL constructs the signed WebSocket URL for the iFlytek streaming
// API. The service authenticates via an HMAC-SHA256 signature over a
// canonical request string (host, RFC 1123 date, request line) passed as
// query parameters rather than headers.
func buildAuthURL(host, path, apiKey, apiSecret string, now time.Time) string {
	date := now.UTC().Format(http1123)

	origin := fmt.Sprintf("host: %s\ndate: %s\nGET %s HTTP/1.1", host, date, path)
	mac := hmac.New(sha256.New, []byte(apiSecret))
	mac.Write([]byte(origin))
	signature := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	authOrigin := fmt.Sprintf(
		`api_key="%s", algorithm="hmac-sha256", headers="host date request-line", signature="%s"`,
		apiKey, signature,
	)
	authorization := base64.StdEncoding.EncodeToString([]byte(authOrigin))

	q := url.Values{}
	q.Set("authorization", authorization)
	q.Set("date", date)
	q.Set("host", host)

	return "wss://" + host + path + "?" + q.Encode()
}

// http1123 is the RFC 1123 date layout with a fixed GMT zone, as required by
// the iFlytek signature scheme.
const http1123 = "Mon, 02 Jan 2006 15:04:05 GMT"
