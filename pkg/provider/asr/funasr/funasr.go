// Package funasr provides an ASR provider backed by a self-hosted FunASR
// runtime server over WebSocket. It implements the asr.Provider interface.
//
// Unlike the iFlytek protocol, FunASR takes a JSON handshake followed by raw
// binary PCM frames; finalization is requested with an is_speaking:false
// message and confirmed by a result in "2pass-offline" mode.
package funasr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/earshot-audio/earshot/pkg/provider/asr"
)

const (
	defaultMode = "2pass"

	// closeWait bounds how long Close waits for the receiver goroutine.
	closeWait = 2 * time.Second
)

// Option is a functional option for configuring the FunASR Provider.
type Option func(*Provider)

// WithMode sets the recognition mode ("2pass", "online", "offline").
func WithMode(mode string) Option {
	return func(p *Provider) {
		p.mode = mode
	}
}

// WithITN toggles inverse text normalization in the handshake.
func WithITN(enabled bool) Option {
	return func(p *Provider) {
		p.itn = enabled
	}
}

// Provider implements asr.Provider against a FunASR runtime endpoint.
type Provider struct {
	endpoint string
	mode     string
	itn      bool
}

// New creates a FunASR Provider. endpoint is the full WebSocket URL of the
// runtime server (e.g. "ws://localhost:10095").
func New(endpoint string, opts ...Option) (*Provider, error) {
	if endpoint == "" {
		return nil, errors.New("funasr: endpoint must not be empty")
	}
	p := &Provider{
		endpoint: endpoint,
		mode:     defaultMode,
		itn:      true,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Open dials the runtime server and starts the receiver goroutine.
func (p *Provider) Open(ctx context.Context, cfg asr.StreamConfig) (asr.SessionHandle, error) {
	conn, _, err := websocket.Dial(ctx, p.endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: funasr: dial %s: %v", asr.ErrConnect, p.endpoint, err)
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

// ---- wire messages ----

// handshake opens a FunASR streaming session.
type handshake struct {
	Mode       string `json:"mode"`
	WavName    string `json:"wav_name"`
	WavFormat  string `json:"wav_format"`
	IsSpeaking bool   `json:"is_speaking"`
	ChunkSize  [3]int `json:"chunk_size"`
	AudioFS    int    `json:"audio_fs"`
	ITN        bool   `json:"itn"`
}

// endSignal asks the server to finalize.
type endSignal struct {
	IsSpeaking bool `json:"is_speaking"`
}

// serverResponse is the JSON structure of FunASR result messages.
type serverResponse struct {
	Mode    string `json:"mode"`
	Text    string `json:"text"`
	IsFinal bool   `json:"is_final"`
}

// ---- session ----

// session is a live FunASR streaming session. It implements
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

func (s *session) buildHandshake() ([]byte, error) {
	rate := s.cfg.SampleRate
	if rate == 0 {
		rate = 16000
	}
	hs := handshake{
		Mode:       s.provider.mode,
		WavName:    fmt.Sprintf("utterance_%d", time.Now().UnixMilli()),
		WavFormat:  "pcm",
		IsSpeaking: true,
		ChunkSize:  [3]int{5, 10, 5},
		AudioFS:    rate,
		ITN:        s.provider.itn,
	}
	return json.Marshal(hs)
}

// SendStart sends the JSON handshake, then the pre-roll audio as the first
// binary frame.
func (s *session) SendStart(preroll []byte) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.closed || s.ended {
		return asr.ErrSessionClosed
	}
	if s.started {
		return errors.New("funasr: SendStart called twice")
	}
	payload, err := s.buildHandshake()
	if err != nil {
		return fmt.Errorf("funasr: marshal handshake: %w", err)
	}
	if err := s.conn.Write(context.Background(), websocket.MessageText, payload); err != nil {
		return fmt.Errorf("funasr: write handshake: %w", err)
	}
	if len(preroll) > 0 {
		if err := s.conn.Write(context.Background(), websocket.MessageBinary, preroll); err != nil {
			return fmt.Errorf("funasr: write pre-roll: %w", err)
		}
	}
	s.started = true
	return nil
}

// SendAudio sends one binary PCM frame.
func (s *session) SendAudio(chunk []byte) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.closed || s.ended {
		return asr.ErrSessionClosed
	}
	if !s.started {
		return errors.New("funasr: SendAudio before SendStart")
	}
	if err := s.conn.Write(context.Background(), websocket.MessageBinary, chunk); err != nil {
		return fmt.Errorf("funasr: write audio frame: %w", err)
	}
	return nil
}

// SendEnd signals end of speech.
func (s *session) SendEnd() error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.closed || s.ended {
		return asr.ErrSessionClosed
	}
	payload, err := json.Marshal(endSignal{IsSpeaking: false})
	if err != nil {
		return fmt.Errorf("funasr: marshal end signal: %w", err)
	}
	if err := s.conn.Write(context.Background(), websocket.MessageText, payload); err != nil {
		return fmt.Errorf("funasr: write end signal: %w", err)
	}
	s.ended = true
	return nil
}

// AwaitResult blocks until the offline pass finalizes, the connection drops,
// or timeout elapses.
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
			slog.Warn("funasr: receiver did not exit within close wait")
		}
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
	return nil
}

// readLoop receives result messages and resolves the result slot exactly
// once. Online-pass partials are kept so an early disconnect still yields
// the best available text.
func (s *session) readLoop(ctx context.Context) {
	defer s.wg.Done()

	var partial string
	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			s.slot.Resolve(asr.Transcript{Text: partial, Final: false}, nil)
			return
		}

		text, final, perr := parseResponse(msg, s.provider.mode)
		if perr != nil {
			s.slot.Resolve(asr.Transcript{}, perr)
			return
		}
		if final {
			s.slot.Resolve(asr.Transcript{Text: text, Final: true}, nil)
			return
		}
		if text != "" {
			partial = text
		}
	}
}

// parseResponse extracts the text and finality of a FunASR result message.
// In 2pass mode only the offline-pass result is final; the streaming pass
// produces revisable partials.
func parseResponse(data []byte, mode string) (text string, final bool, err error) {
	var resp serverResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", false, fmt.Errorf("%w: funasr: malformed message: %v", asr.ErrProtocol, err)
	}
	if mode == "2pass" {
		return resp.Text, resp.Mode == "2pass-offline", nil
	}
	return resp.Text, resp.IsFinal, nil
}
