// Package asr defines the Provider interface for streaming
// automatic-speech-recognition backends.
//
// An ASR provider wraps an external recognition service and exposes a uniform
// three-phase streaming session: a start frame carrying session metadata and
// any pre-roll audio, continue frames carrying one audio frame each in strict
// arrival order, and an end frame that asks the service to finalize. The
// result is awaited through a single-assignment [ResultSlot]: a dedicated
// receiver goroutine owns the only write end and resolves it exactly once —
// on the provider's finalize signal, on a transport error, or with the
// accumulated partial text when the connection closes early.
//
// A session is bound to exactly one utterance. Failures are scoped to that
// utterance: the caller opens a fresh session for the next one. No retries
// happen inside the provider.
package asr

import (
	"context"
	"time"
)

// StreamConfig describes the audio format and recognition settings for a new
// ASR session.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz. Common values: 8000, 16000.
	SampleRate int

	// Channels is the number of audio channels. 1 = mono (required by most
	// providers).
	Channels int

	// Language is the recognition language tag (provider-specific, e.g.
	// "zh_cn", "en"). Empty uses the provider default.
	Language string
}

// SessionHandle represents one open ASR streaming session bound to a single
// utterance.
//
// The send methods (SendStart, SendAudio, SendEnd) are called from the
// pipeline loop only and need not be safe for concurrent use with each other.
// AwaitResult and Close may be called from the same goroutine after the send
// phase. Callers must call Close when the session is no longer needed;
// failing to do so leaks the receiver goroutine and the network connection.
type SessionHandle interface {
	// SendStart sends the protocol start frame. preroll optionally carries
	// PCM audio captured before the speech trigger so the first recognized
	// word is not lost to connection latency; it is embedded in the start
	// frame in original byte order. Must be called exactly once, before any
	// SendAudio.
	SendStart(preroll []byte) error

	// SendAudio sends one frame of PCM audio as a continue frame. Frames are
	// delivered in strict call order. Calling SendAudio after SendEnd or
	// Close returns ErrSessionClosed.
	SendAudio(chunk []byte) error

	// SendEnd sends the protocol end frame, signalling the service to
	// finalize. No audio may be sent afterwards.
	SendEnd() error

	// AwaitResult blocks until the session's result slot resolves or timeout
	// elapses, whichever comes first. The timeout is a fixed bound
	// independent of utterance length. Returns ErrResultTimeout when the
	// slot is still unresolved at the deadline.
	AwaitResult(ctx context.Context, timeout time.Duration) (Transcript, error)

	// Close tears the session down: the receiver goroutine is cancelled and
	// joined with a short bound, then the connection is released. Calling
	// Close more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any streaming ASR backend.
//
// Implementations must be safe for concurrent use; each Open returns an
// independent session.
type Provider interface {
	// Open establishes a new recognition session. Returns an error wrapping
	// ErrConnect if the transport cannot be established; the caller treats
	// that as aborting the current utterance only.
	Open(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
