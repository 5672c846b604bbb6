// Package mock provides test doubles for the audio package interfaces.
//
// Use Source to verify capture configuration and to push frames into the
// pipeline from test code via Push.
package mock

import (
	"sync"

	"github.com/earshot-audio/earshot/pkg/audio"
)

// Source is a mock implementation of audio.Source.
type Source struct {
	mu sync.Mutex

	// StartErr, if non-nil, is returned by Start.
	StartErr error

	// StopErr, if non-nil, is returned by Stop.
	StopErr error

	// StartCfg records the config passed to the most recent Start.
	StartCfg audio.CaptureConfig

	// StartCallCount and StopCallCount count invocations.
	StartCallCount int
	StopCallCount  int

	emit audio.EmitFunc
}

// Start records cfg and retains emit for later Push calls.
func (s *Source) Start(cfg audio.CaptureConfig, emit audio.EmitFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.StartCallCount++
	s.StartCfg = cfg
	if s.StartErr != nil {
		return s.StartErr
	}
	s.emit = emit
	return nil
}

// Stop records the call.
func (s *Source) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.StopCallCount++
	s.emit = nil
	return s.StopErr
}

// Push delivers f through the emit callback captured at Start. Returns false
// if the source is not started or the frame was dropped downstream.
func (s *Source) Push(f audio.Frame) bool {
	s.mu.Lock()
	emit := s.emit
	s.mu.Unlock()
	if emit == nil {
		return false
	}
	return emit(f)
}

// Ensure Source implements audio.Source at compile time.
var _ audio.Source = (*Source)(nil)
