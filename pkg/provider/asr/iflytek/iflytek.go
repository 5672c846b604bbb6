// Package iflytek provides an iFlytek-backed ASR provider using the iFlytek
// real-time speech transcription WebSocket API. It implements the
// asr.Provider interface.
//
// The wire protocol is JSON text frames with base64-encoded PCM payloads and
// a three-state status field: 0 opens the session (carrying the common and
// business parameter blocks plus any pre-roll audio), 1 streams audio, and 2
// asks the service to finalize. Recognition results arrive incrementally as
// word groups; the session concatenates them and resolves its result slot
// when the server reports its own terminal status.
package iflytek

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/earshot-audio/earshot/pkg/provider/asr"
)

const (
	defaultHost = "iat-api.xfyun.cn"
	defaultPath = "/v2/iat"

	defaultLanguage = "zh_cn"
	defaultDomain   = "iat"
	defaultAccent   = "mandarin"

	// defaultVadEOS is the server-side trailing-silence window in ms. The
	// local gate decides utterance boundaries; this only bounds how long the
	// server waits after the end frame.
	defaultVadEOS = 3000

	// closeWait bounds how long Close waits for the receiver goroutine.
	closeWait = 2 * time.Second
)

// Frame status values of the iFlytek streaming protocol.
const (
	statusFirst    = 0
	statusContinue = 1
	statusLast     = 2
)

// Option is a functional option for configuring the iFlytek Provider.
type Option func(*Provider)

// WithEndpoint overrides the API host and path (e.g. for regional endpoints
// or a local test server).
func WithEndpoint(host, path string) Option {
	return func(p *Provider) {
		p.host = host
		p.path = path
	}
}

// WithLanguage sets the recognition language (e.g. "zh_cn", "en_us").
func WithLanguage(language string) Option {
	return func(p *Provider) {
		p.language = language
	}
}

// WithAccent sets the accent parameter for Chinese recognition.
func WithAccent(accent string) Option {
	return func(p *Provider) {
		p.accent = accent
	}
}

// WithVadEOS sets the server-side end-of-speech silence window in
// milliseconds.
func WithVadEOS(ms int) Option {
	return func(p *Provider) {
		p.vadEOS = ms
	}
}

// Provider implements asr.Provider backed by the iFlytek streaming API.
type Provider struct {
	appID     string
	apiKey    string
	apiSecret string

	host     string
	path     string
	language string
	domain   string
	accent   string
	vadEOS   int
}

// New creates a new iFlytek Provider. All three credentials must be
// non-empty.
func New(appID, apiKey, apiSecret string, opts ...Option) (*Provider, error) {
	if appID == "" || apiKey == "" || apiSecret == "" {
		return nil, errors.New("iflytek: appID, apiKey and apiSecret must not be empty")
	}
	p := &Provider{
		appID:     appID,
		apiKey:    apiKey,
		apiSecret: apiSecret,
		host:      defaultHost,
		path:      defaultPath,
		language:  defaultLanguage,
		domain:    defaultDomain,
		accent:    defaultAccent,
		vadEOS:    defaultVadEOS,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Open dials the signed endpoint and starts the receiver goroutine. The
// returned session is bound to a single utterance.
func (p *Provider) Open(ctx context.Context, cfg asr.StreamConfig) (asr.SessionHandle, error) {
	wsURL := buildAuthURL(p.host, p.path, p.apiKey, p.apiSecret, time.Now())

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: iflytek: dial %s: %v", asr.ErrConnect, p.host, err)
	}

	readCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sess := &session{
		conn:     conn,
		provider: p,
		cfg:      cfg,
		slot:     asr.NewResultSlot(),
		cancel:   cancel,
	}

	sess.wg.Add(1)
	go sess.readLoop(readCtx)

	return sess, nil
}

// Ensure Provider implements asr.Provider at compile time.
var _ asr.Provider = (*Provider)(nil)

// ---- wire frames ----

type commonParams struct {
	AppID string `json:"app_id"`
}

type businessParams struct {
	Language string `json:"language"`
	Domain   string `json:"domain"`
	Accent   string `json:"accent"`
	VadEOS   int    `json:"vad_eos"`
}

type dataParams struct {
	Status   int    `json:"status"`
	Format   string `json:"format"`
	Encoding string `json:"encoding"`
	Audio    string `json:"audio"`
}

// startFrame is the full first-frame envelope; later frames carry only the
// data block.
type startFrame struct {
	Common   commonParams   `json:"common"`
	Business businessParams `json:"business"`
	Data     dataParams     `json:"data"`
}

type dataFrame struct {
	Data dataParams `json:"data"`
}

// serverResponse is the JSON structure of iFlytek result messages.
type serverResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    struct {
		Status int `json:"status"`
		Result struct {
			Ws []struct {
				Cw []struct {
					W string `json:"w"`
				} `json:"cw"`
			} `json:"ws"`
		} `json:"result"`
	} `json:"data"`
}

// ---- session ----

// session is a live iFlytek streaming session. It implements
// asr.SessionHandle.
type session struct {
	conn     *websocket.Conn
	provider *Provider
	cfg      asr.StreamConfig
	slot     *asr.ResultSlot
	cancel   context.CancelFunc

	once sync.Once
	wg   sync.WaitGroup

	sendMu  sync.Mutex
	started bool
	ended   bool
	closed  bool
}

func (s *session) audioFormat() string {
	rate := s.cfg.SampleRate
	if rate == 0 {
		rate = 16000
	}
	return fmt.Sprintf("audio/L16;rate=%d", rate)
}

func (s *session) buildStartFrame(preroll []byte) ([]byte, error) {
	lang := s.cfg.Language
	if lang == "" {
		lang = s.provider.language
	}
	frame := startFrame{
		Common: commonParams{AppID: s.provider.appID},
		Business: businessParams{
			Language: lang,
			Domain:   s.provider.domain,
			Accent:   s.provider.accent,
			VadEOS:   s.provider.vadEOS,
		},
		Data: dataParams{
			Status:   statusFirst,
			Format:   s.audioFormat(),
			Encoding: "raw",
			Audio:    base64.StdEncoding.EncodeToString(preroll),
		},
	}
	return json.Marshal(frame)
}

func (s *session) buildDataFrame(status int, chunk []byte) ([]byte, error) {
	frame := dataFrame{
		Data: dataParams{
			Status:   status,
			Format:   s.audioFormat(),
			Encoding: "raw",
			Audio:    base64.StdEncoding.EncodeToString(chunk),
		},
	}
	return json.Marshal(frame)
}

// SendStart sends the first frame with session parameters and the pre-roll
// audio.
func (s *session) SendStart(preroll []byte) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.closed || s.ended {
		return asr.ErrSessionClosed
	}
	if s.started {
		return errors.New("iflytek: SendStart called twice")
	}
	payload, err := s.buildStartFrame(preroll)
	if err != nil {
		return fmt.Errorf("iflytek: marshal start frame: %w", err)
	}
	if err := s.conn.Write(context.Background(), websocket.MessageText, payload); err != nil {
		return fmt.Errorf("iflytek: write start frame: %w", err)
	}
	s.started = true
	return nil
}

// SendAudio sends one continue frame.
func (s *session) SendAudio(chunk []byte) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.closed || s.ended {
		return asr.ErrSessionClosed
	}
	if !s.started {
		return errors.New("iflytek: SendAudio before SendStart")
	}
	payload, err := s.buildDataFrame(statusContinue, chunk)
	if err != nil {
		return fmt.Errorf("iflytek: marshal audio frame: %w", err)
	}
	if err := s.conn.Write(context.Background(), websocket.MessageText, payload); err != nil {
		return fmt.Errorf("iflytek: write audio frame: %w", err)
	}
	return nil
}

// SendEnd sends the last frame, asking the service to finalize.
func (s *session) SendEnd() error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.closed || s.ended {
		return asr.ErrSessionClosed
	}
	payload, err := s.buildDataFrame(statusLast, nil)
	if err != nil {
		return fmt.Errorf("iflytek: marshal end frame: %w", err)
	}
	if err := s.conn.Write(context.Background(), websocket.MessageText, payload); err != nil {
		return fmt.Errorf("iflytek: write end frame: %w", err)
	}
	s.ended = true
	return nil
}

// AwaitResult blocks until the server finalizes, the connection drops, or
// timeout elapses.
func (s *session) AwaitResult(ctx context.Context, timeout time.Duration) (asr.Transcript, error) {
	return s.slot.Await(ctx, timeout)
}

// Close cancels the receiver, waits briefly for it to drain, then releases
// the connection. Safe to call multiple times.
func (s *session) Close() error {
	s.once.Do(func() {
		s.sendMu.Lock()
		s.closed = true
		s.sendMu.Unlock()

		s.cancel()
		waited := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(waited)
		}()
		select {
		case <-waited:
		case <-time.After(closeWait):
			slog.Warn("iflytek: receiver did not exit within close wait")
		}
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
	return nil
}

// readLoop receives result messages, accumulates the recognized text, and
// resolves the result slot exactly once.
func (s *session) readLoop(ctx context.Context) {
	defer s.wg.Done()

	var text strings.Builder
	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			// Connection closed before the terminal status: resolve with
			// whatever partial text accumulated so far.
			s.slot.Resolve(asr.Transcript{Text: text.String(), Final: false}, nil)
			return
		}

		fragment, status, perr := parseResponse(msg)
		if perr != nil {
			s.slot.Resolve(asr.Transcript{}, perr)
			return
		}
		text.WriteString(fragment)

		if status == statusLast {
			s.slot.Resolve(asr.Transcript{Text: text.String(), Final: true}, nil)
			return
		}
	}
}

// parseResponse extracts the text fragment and server status from a raw
// result message. A non-zero server code or malformed JSON yields an error
// wrapping asr.ErrProtocol.
func parseResponse(data []byte) (fragment string, status int, err error) {
	var resp serverResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", 0, fmt.Errorf("%w: iflytek: malformed message: %v", asr.ErrProtocol, err)
	}
	if resp.Code != 0 {
		return "", 0, fmt.Errorf("%w: iflytek: server code %d: %s", asr.ErrProtocol, resp.Code, resp.Message)
	}
	var b strings.Builder
	for _, ws := range resp.Data.Result.Ws {
		for _, cw := range ws.Cw {
			b.WriteString(cw.W)
		}
	}
	return b.String(), resp.Data.Status, nil
}
