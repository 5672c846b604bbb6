// Package vad defines the Engine interface for Voice Activity Detection
// backends.
//
// A VAD engine wraps a frame-level speech detector (e.g., an energy detector
// or a model-based classifier) and surfaces it as a stateful, per-stream
// session. Each session maintains its own internal state (smoothing history)
// so multiple concurrent audio streams can be scored independently.
//
// VAD is synchronous by design: Probability returns immediately with a score
// in [0.0, 1.0]; the utterance gate applies thresholds and hysteresis on top.
//
// Implementations must be safe for concurrent use across different sessions.
// A single SessionHandle should not be shared across goroutines unless the
// implementation explicitly documents thread safety for that type.
package vad

// Config holds the parameters for a VAD session.
type Config struct {
	// SampleRate is the audio sample rate in Hz. Must match the rate of the
	// PCM frames passed to Probability. Common values: 8000, 16000.
	SampleRate int

	// FrameSizeMs is the duration of each audio frame in milliseconds.
	// Probability returns an error if the supplied frame does not match this
	// size.
	FrameSizeMs int
}

// SessionHandle represents an active VAD session for a single audio stream.
// It is an interface so test code can supply mock implementations without a
// live engine. Each session maintains its own scoring state; Reset clears
// this state without closing the session.
type SessionHandle interface {
	// Probability scores a single audio frame and returns the speech
	// probability in [0.0, 1.0]. The frame must be raw little-endian PCM at
	// the SampleRate and FrameSizeMs configured when the session was created.
	//
	// This method is called synchronously in the pipeline loop; it must not
	// block.
	Probability(frame []byte) (float64, error)

	// Reset clears accumulated scoring state without closing the session.
	// Use this when the audio stream is interrupted or restarted so stale
	// state from the previous segment does not affect subsequent frames.
	Reset()

	// Close releases all resources associated with the session. Calling
	// Close more than once is safe and returns nil.
	Close() error
}

// Engine is the factory for VAD sessions. It is the top-level interface
// implemented by each VAD backend.
//
// Implementations must be safe for concurrent use: multiple goroutines may
// call NewSession simultaneously to create independent sessions.
type Engine interface {
	// NewSession creates a new VAD session with the given configuration. The
	// session is immediately ready to accept audio frames.
	//
	// Returns an error if the configuration is invalid (e.g., unsupported
	// sample rate or frame size).
	NewSession(cfg Config) (SessionHandle, error)
}
