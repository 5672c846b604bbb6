// Package energy provides a pure-Go VAD engine based on smoothed RMS energy.
// It implements the vad.Engine interface.
//
// The detector normalises the RMS level of each frame against a reference
// full-scale amplitude and applies light exponential smoothing so single-frame
// spikes do not flicker the score. It is cheap enough to run on every frame
// in the pipeline loop.
package energy

import (
	"fmt"
	"math"

	"github.com/earshot-audio/earshot/pkg/provider/vad"
)

const (
	// refAmplitude is the int16 level treated as probability 1.0. Speech at
	// normal microphone gain peaks well below full scale, so the reference is
	// deliberately conservative.
	refAmplitude = 10000.0

	// defaultSmoothing is the exponential smoothing factor applied to the
	// raw per-frame score.
	defaultSmoothing = 0.3
)

// Option is a functional option for configuring the Engine.
type Option func(*Engine)

// WithSmoothing sets the exponential smoothing factor in (0.0, 1.0]. Higher
// values react faster; 1.0 disables smoothing entirely.
func WithSmoothing(alpha float64) Option {
	return func(e *Engine) {
		e.smoothing = alpha
	}
}

// Engine is an RMS-energy VAD backend.
type Engine struct {
	smoothing float64
}

// New creates an energy VAD engine.
func New(opts ...Option) *Engine {
	e := &Engine{smoothing: defaultSmoothing}
	for _, o := range opts {
		o(e)
	}
	return e
}

// NewSession creates a session for one audio stream.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("energy: sample rate must be positive, got %d", cfg.SampleRate)
	}
	if cfg.FrameSizeMs <= 0 {
		return nil, fmt.Errorf("energy: frame size must be positive, got %dms", cfg.FrameSizeMs)
	}
	frameBytes := cfg.SampleRate * cfg.FrameSizeMs / 1000 * 2
	return &session{
		frameBytes: frameBytes,
		smoothing:  e.smoothing,
	}, nil
}

type session struct {
	frameBytes int
	smoothing  float64

	last   float64
	scored bool
	closed bool
}

// Probability returns the smoothed, normalised RMS level of the frame.
func (s *session) Probability(frame []byte) (float64, error) {
	if s.closed {
		return 0, fmt.Errorf("energy: session is closed")
	}
	if len(frame) != s.frameBytes {
		return 0, fmt.Errorf("energy: expected %d-byte frame, got %d", s.frameBytes, len(frame))
	}

	var sum float64
	n := len(frame) / 2
	for i := 0; i < n; i++ {
		v := float64(int16(frame[2*i]) | int16(frame[2*i+1])<<8)
		sum += v * v
	}
	rms := math.Sqrt(sum / float64(n))

	p := min(rms/refAmplitude, 1.0)
	if s.scored {
		p = s.smoothing*p + (1-s.smoothing)*s.last
	}
	s.last = p
	s.scored = true
	return p, nil
}

// Reset clears the smoothing history.
func (s *session) Reset() {
	s.last = 0
	s.scored = false
}

// Close marks the session closed. Subsequent Probability calls error.
func (s *session) Close() error {
	s.closed = true
	return nil
}

// Ensure Engine implements vad.Engine at compile time.
var _ vad.Engine = (*Engine)(nil)
