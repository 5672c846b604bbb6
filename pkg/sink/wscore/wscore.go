// Package wscore forwards terminal utterance events to a downstream
// conversational core over a persistent WebSocket connection.
//
// The forwarder is deliberately dumb: one JSON envelope per event, a lazy
// dial on first publish, and a single redial attempt when a write fails on a
// stale connection. Anything smarter (queuing, exponential backoff) belongs
// to the consumer side.
package wscore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/earshot-audio/earshot/pkg/sink"
)

const defaultSource = "earshot"

// envelope is the wire format sent to the core.
type envelope struct {
	Type      string `json:"type"`
	Source    string `json:"source"`
	Text      string `json:"text,omitempty"`
	Reason    string `json:"reason"`
	Error     string `json:"error,omitempty"`
	Final     bool   `json:"final"`
	Timestamp int64  `json:"timestamp"`
}

// Option is a functional option for configuring the Forwarder.
type Option func(*Forwarder)

// WithSource overrides the source tag in outgoing envelopes.
func WithSource(source string) Option {
	return func(f *Forwarder) {
		f.source = source
	}
}

// WithErrorEvents controls whether failed utterances are forwarded too.
// Default is text-only, matching what a conversational core can act on.
func WithErrorEvents(enabled bool) Option {
	return func(f *Forwarder) {
		f.sendErrors = enabled
	}
}

// Forwarder implements sink.Sink against a core WebSocket endpoint.
type Forwarder struct {
	endpoint   string
	source     string
	sendErrors bool
	logger     *slog.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

// New creates a Forwarder for the given WebSocket endpoint. No connection is
// made until the first Publish.
func New(endpoint string, logger *slog.Logger, opts ...Option) (*Forwarder, error) {
	if endpoint == "" {
		return nil, errors.New("wscore: endpoint must not be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	f := &Forwarder{
		endpoint: endpoint,
		source:   defaultSource,
		logger:   logger,
	}
	for _, o := range opts {
		o(f)
	}
	return f, nil
}

// Publish forwards one terminal event. Recognized text that is empty or
// contains the literal "none" (some recognizers emit it for non-speech
// audio) is dropped without a send.
func (f *Forwarder) Publish(ctx context.Context, ev sink.Event) error {
	if ev.Err == sink.ErrorNone {
		if skipText(ev.Text) {
			f.logger.Debug("wscore: skipping empty or none result")
			return nil
		}
	} else if !f.sendErrors {
		return nil
	}

	payload, err := json.Marshal(envelope{
		Type:      "utterance",
		Source:    f.source,
		Text:      ev.Text,
		Reason:    string(ev.Reason),
		Error:     string(ev.Err),
		Final:     ev.Final,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("wscore: marshal envelope: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("wscore: forwarder is closed")
	}

	if err := f.write(ctx, payload); err != nil {
		// The connection may have gone stale between utterances; redial
		// once before giving up on this event.
		f.drop()
		if err := f.write(ctx, payload); err != nil {
			return fmt.Errorf("wscore: publish: %w", err)
		}
	}
	return nil
}

// write sends payload over the current connection, dialing first if needed.
// Caller holds f.mu.
func (f *Forwarder) write(ctx context.Context, payload []byte) error {
	if f.conn == nil {
		conn, _, err := websocket.Dial(ctx, f.endpoint, nil)
		if err != nil {
			return fmt.Errorf("dial %s: %w", f.endpoint, err)
		}
		f.conn = conn
		f.logger.Info("wscore: connected", "endpoint", f.endpoint)
	}
	return f.conn.Write(ctx, websocket.MessageText, payload)
}

// drop discards the current connection. Caller holds f.mu.
func (f *Forwarder) drop() {
	if f.conn != nil {
		_ = f.conn.Close(websocket.StatusGoingAway, "reconnecting")
		f.conn = nil
	}
}

// Close releases the connection. Subsequent publishes fail.
func (f *Forwarder) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	if f.conn != nil {
		err := f.conn.Close(websocket.StatusNormalClosure, "shutting down")
		f.conn = nil
		if err != nil {
			f.logger.Warn("wscore: close", "error", err)
		}
	}
	return nil
}

// skipText reports whether recognized text should not be forwarded.
func skipText(text string) bool {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return true
	}
	return strings.Contains(strings.ToLower(trimmed), "none")
}

var _ sink.Sink = (*Forwarder)(nil)
