// Package mock provides test doubles for the asr package interfaces.
//
// Session exposes its ResultSlot so tests control exactly when and how a
// session resolves; the convenience fields Result and ResultErr resolve the
// slot automatically on SendEnd. A Session with neither set never finalizes,
// which is the shape needed to exercise result-await timeouts.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/earshot-audio/earshot/pkg/provider/asr"
)

// Provider is a mock implementation of asr.Provider.
type Provider struct {
	mu sync.Mutex

	// OpenErr, if non-nil, is returned by every Open call.
	OpenErr error

	// OpenErrs scripts per-call failures: the n-th Open call returns the
	// n-th entry when non-nil. Calls beyond the list succeed.
	OpenErrs []error

	// Sessions are handed out in order, one per Open call. When the list is
	// exhausted (or empty) Open returns a fresh default Session, which is
	// also appended to Sessions for later inspection.
	Sessions []*Session

	// OpenCalls records the StreamConfig of every Open call in order.
	OpenCalls []asr.StreamConfig

	next int
}

// Open records the call and hands out the next scripted session.
func (p *Provider) Open(_ context.Context, cfg asr.StreamConfig) (asr.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.OpenCalls = append(p.OpenCalls, cfg)
	if p.OpenErr != nil {
		return nil, p.OpenErr
	}
	if idx := len(p.OpenCalls) - 1; idx < len(p.OpenErrs) && p.OpenErrs[idx] != nil {
		return nil, p.OpenErrs[idx]
	}
	if p.next >= len(p.Sessions) {
		p.Sessions = append(p.Sessions, &Session{})
	}
	sess := p.Sessions[p.next]
	p.next++
	sess.init()
	return sess, nil
}

// Ensure Provider implements asr.Provider at compile time.
var _ asr.Provider = (*Provider)(nil)

// Session is a mock implementation of asr.SessionHandle.
type Session struct {
	mu sync.Mutex

	// Result and ResultErr, when either is set, resolve the slot as soon as
	// SendEnd is called.
	Result    *asr.Transcript
	ResultErr error

	// SendStartErr, SendAudioErr and SendEndErr script send failures.
	SendStartErr error
	SendAudioErr error
	SendEndErr   error

	// StartCalled reports whether SendStart ran; Preroll is a copy of its
	// argument.
	StartCalled bool
	Preroll     []byte

	// Audio records a copy of every SendAudio chunk in order.
	Audio [][]byte

	// EndCalled reports whether SendEnd ran.
	EndCalled bool

	// CloseCallCount counts Close invocations.
	CloseCallCount int

	slot     *asr.ResultSlot
	slotOnce sync.Once
}

func (s *Session) init() {
	s.slotOnce.Do(func() {
		s.slot = asr.NewResultSlot()
	})
}

// Slot returns the session's result slot so tests can resolve it directly.
func (s *Session) Slot() *asr.ResultSlot {
	s.init()
	return s.slot
}

// SendStart records the preroll.
func (s *Session) SendStart(preroll []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.StartCalled = true
	s.Preroll = append([]byte(nil), preroll...)
	return s.SendStartErr
}

// SendAudio records the chunk.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SendAudioErr != nil {
		return s.SendAudioErr
	}
	s.Audio = append(s.Audio, append([]byte(nil), chunk...))
	return nil
}

// SendEnd records the call and resolves the slot when Result or ResultErr is
// scripted.
func (s *Session) SendEnd() error {
	s.mu.Lock()
	s.EndCalled = true
	err := s.SendEndErr
	result := s.Result
	resultErr := s.ResultErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if result != nil {
		s.Slot().Resolve(*result, nil)
	} else if resultErr != nil {
		s.Slot().Resolve(asr.Transcript{}, resultErr)
	}
	return nil
}

// AwaitResult delegates to the session's slot.
func (s *Session) AwaitResult(ctx context.Context, timeout time.Duration) (asr.Transcript, error) {
	return s.Slot().Await(ctx, timeout)
}

// Close records the call.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	return nil
}

// Ensure Session implements asr.SessionHandle at compile time.
var _ asr.SessionHandle = (*Session)(nil)
