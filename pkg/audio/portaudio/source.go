// Package portaudio provides an audio.Source backed by the PortAudio
// library. It owns the global PortAudio initialisation for the lifetime of a
// capture stream and selects the input device by case-insensitive substring
// match with a fallback to the platform default.
package portaudio

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/earshot-audio/earshot/pkg/audio"
)

// Source captures microphone audio through PortAudio. The zero value is
// ready to use.
type Source struct {
	mu      sync.Mutex
	stream  *portaudio.Stream
	started bool
}

// New creates a PortAudio capture source.
func New() *Source { return &Source{} }

// Start opens the selected input device and begins delivering frames.
// The PortAudio callback copies samples into a fresh frame and hands it to
// emit; it performs no other work.
func (s *Source) Start(cfg audio.CaptureConfig, emit audio.EmitFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("portaudio: source already started")
	}

	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("portaudio: initialize: %w", err)
	}

	dev, err := selectDevice(cfg.DeviceFilter)
	if err != nil {
		portaudio.Terminate()
		return err
	}

	params := portaudio.LowLatencyParameters(dev, nil)
	params.Input.Channels = cfg.Channels
	params.SampleRate = float64(cfg.SampleRate)
	params.FramesPerBuffer = cfg.FrameSamples

	var seq uint64
	stream, err := portaudio.OpenStream(params, func(in []int16) {
		// Device callback context: copy + enqueue only.
		data := make([]byte, len(in)*2)
		for i, v := range in {
			data[2*i] = byte(v)
			data[2*i+1] = byte(v >> 8)
		}
		f := audio.Frame{Data: data, Seq: seq, Timestamp: time.Now()}
		seq++
		emit(f)
	})
	if err != nil {
		portaudio.Terminate()
		return fmt.Errorf("portaudio: open stream: %w", err)
	}

	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return fmt.Errorf("portaudio: start stream: %w", err)
	}

	slog.Info("audio capture started",
		"device", dev.Name,
		"sample_rate", cfg.SampleRate,
		"frame_samples", cfg.FrameSamples,
	)

	s.stream = stream
	s.started = true
	return nil
}

// Stop halts capture and releases the device. Safe to call more than once.
func (s *Source) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return nil
	}
	s.started = false

	var firstErr error
	if err := s.stream.Stop(); err != nil {
		firstErr = fmt.Errorf("portaudio: stop stream: %w", err)
	}
	if err := s.stream.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("portaudio: close stream: %w", err)
	}
	s.stream = nil
	if err := portaudio.Terminate(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("portaudio: terminate: %w", err)
	}
	return firstErr
}

// selectDevice returns the first input-capable device whose name contains
// filter (case-insensitive), or the default input device when filter is
// empty or unmatched. Returns audio.ErrDeviceNotFound when no default
// exists either.
func selectDevice(filter string) (*portaudio.DeviceInfo, error) {
	if filter != "" {
		devices, err := portaudio.Devices()
		if err != nil {
			return nil, fmt.Errorf("portaudio: enumerate devices: %w", err)
		}
		needle := strings.ToLower(filter)
		for _, d := range devices {
			if d.MaxInputChannels > 0 && strings.Contains(strings.ToLower(d.Name), needle) {
				return d, nil
			}
		}
		slog.Warn("no capture device matched filter, using default", "filter", filter)
	}

	dev, err := portaudio.DefaultInputDevice()
	if err != nil || dev == nil {
		return nil, audio.ErrDeviceNotFound
	}
	return dev, nil
}

// Ensure Source implements audio.Source at compile time.
var _ audio.Source = (*Source)(nil)
