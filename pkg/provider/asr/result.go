package asr

import (
	"context"
	"sync"
	"time"
)

// ResultSlot is a single-assignment future holding the outcome of one ASR
// session. The receiver goroutine owns the only write end and calls Resolve;
// the pipeline owns the only read end and calls Await with a timeout.
//
// Exactly-once resolution is a hard invariant: the first Resolve wins and
// every later attempt is a no-op.
type ResultSlot struct {
	once sync.Once
	done chan struct{}

	transcript Transcript
	err        error
}

// NewResultSlot creates an unresolved slot.
func NewResultSlot() *ResultSlot {
	return &ResultSlot{done: make(chan struct{})}
}

// Resolve assigns the outcome. Returns true if this call performed the
// assignment, false if the slot was already resolved.
func (s *ResultSlot) Resolve(t Transcript, err error) bool {
	won := false
	s.once.Do(func() {
		s.transcript = t
		s.err = err
		won = true
		close(s.done)
	})
	return won
}

// Resolved reports whether the slot has been assigned.
func (s *ResultSlot) Resolved() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Await blocks until the slot resolves, ctx is cancelled, or timeout
// elapses. Returns ErrResultTimeout on deadline expiry and ctx.Err() on
// cancellation.
func (s *ResultSlot) Await(ctx context.Context, timeout time.Duration) (Transcript, error) {
	select {
	case <-s.done:
		return s.transcript, s.err
	default:
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-s.done:
		return s.transcript, s.err
	case <-ctx.Done():
		return Transcript{}, ctx.Err()
	case <-t.C:
		return Transcript{}, ErrResultTimeout
	}
}
