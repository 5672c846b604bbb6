// Package sink defines where recognized utterances go once the pipeline has
// a terminal outcome for them.
//
// The pipeline publishes exactly one event per non-discarded utterance:
// either the recognized text or an error tagged with what went wrong. No
// partial results ever leave the pipeline.
package sink

import (
	"context"
	"time"
)

// Reason tags how the utterance terminated.
type Reason string

const (
	// ReasonSilenceEnd: the speaker stopped and the silence window elapsed.
	ReasonSilenceEnd Reason = "silence_end"

	// ReasonMaxDuration: the utterance hit the maximum-duration bound.
	ReasonMaxDuration Reason = "max_duration"

	// ReasonCancelled: the pipeline was stopped mid-utterance.
	ReasonCancelled Reason = "cancelled"

	// ReasonError: the utterance failed before producing text.
	ReasonError Reason = "error"
)

// ErrorKind classifies utterance failures for the sink consumer.
type ErrorKind string

const (
	// ErrorNone: the event carries text, not an error.
	ErrorNone ErrorKind = ""

	// ErrorConnect: the ASR service was unreachable for this utterance.
	ErrorConnect ErrorKind = "connect"

	// ErrorProtocol: the ASR service sent a malformed or unexpected message.
	ErrorProtocol ErrorKind = "protocol"

	// ErrorTimeout: no final transcript arrived within the await bound.
	ErrorTimeout ErrorKind = "timeout"

	// ErrorSend: streaming audio to the service failed mid-utterance.
	ErrorSend ErrorKind = "send"
)

// Event is the terminal outcome of one utterance.
type Event struct {
	// Text is the recognized speech. Empty when Err is set.
	Text string

	// Final reports whether the provider confirmed the text; false means the
	// connection dropped early and Text is a partial accumulation.
	Final bool

	// Reason tags the utterance boundary that produced this event.
	Reason Reason

	// Err classifies the failure, ErrorNone on success.
	Err ErrorKind

	// StartedAt is the utterance start timestamp; Duration its audio length.
	StartedAt time.Time
	Duration  time.Duration
}

// Sink receives terminal utterance events.
//
// Publish must be safe to call from the pipeline loop; implementations that
// do network I/O should bound it with the passed context.
type Sink interface {
	Publish(ctx context.Context, ev Event) error
}
