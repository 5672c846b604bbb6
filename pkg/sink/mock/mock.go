// Package mock provides a test double for the sink package.
package mock

import (
	"context"
	"sync"

	"github.com/earshot-audio/earshot/pkg/sink"
)

// Sink records every published event.
type Sink struct {
	mu sync.Mutex

	// PublishErr, if non-nil, is returned by every Publish call.
	PublishErr error

	events []sink.Event
}

// Publish records the event.
func (s *Sink) Publish(_ context.Context, ev sink.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return s.PublishErr
}

// Events returns a copy of everything published so far.
func (s *Sink) Events() []sink.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sink.Event(nil), s.events...)
}

// Ensure Sink implements sink.Sink at compile time.
var _ sink.Sink = (*Sink)(nil)
