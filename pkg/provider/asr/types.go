package asr

import "errors"

// Transcript is the recognition outcome of one session.
type Transcript struct {
	// Text is the recognized speech content, accumulated across incremental
	// provider results.
	Text string

	// Final reports whether the provider confirmed the text with a finalize
	// signal. False means the connection closed before finalize and Text is
	// the partial accumulation.
	Final bool
}

// Error taxonomy. Session-level errors are scoped to one utterance; the
// pipeline continues listening for the next trigger.
var (
	// ErrConnect indicates the transport to the ASR service could not be
	// established. The utterance is aborted; no retry within it.
	ErrConnect = errors.New("asr: connect failed")

	// ErrProtocol indicates a malformed or unexpected provider message.
	ErrProtocol = errors.New("asr: protocol error")

	// ErrResultTimeout indicates no finalize arrived within the configured
	// result-await bound.
	ErrResultTimeout = errors.New("asr: result await timed out")

	// ErrSessionClosed indicates an operation on a session that has already
	// been ended or closed.
	ErrSessionClosed = errors.New("asr: session is closed")
)
