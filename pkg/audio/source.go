// Package audio defines the types and interfaces for audio capture and
// frame transport within Earshot.
//
// The two primary abstractions are:
//
//   - [Source] — wraps a continuous audio input device and produces [Frame]
//     values through a non-blocking emit callback.
//   - [FrameQueue] — the bounded, thread-safe hand-off between the capture
//     domain and the pipeline domain.
//
// Implementations of [Source] are provided by device-specific adapter
// packages (e.g., audio/portaudio). The interface is intentionally narrow to
// keep the pipeline decoupled from device details.
package audio

import "errors"

// ErrDeviceNotFound is returned by [Source.Start] when no capture device
// matches the configured filter and no platform default exists either.
var ErrDeviceNotFound = errors.New("audio: no matching capture device and no default device")

// EmitFunc delivers one captured frame downstream. It reports whether the
// frame was accepted; false means it was dropped (queue full).
//
// EmitFunc is invoked from the device's own callback context and therefore
// must never block and must not perform I/O.
type EmitFunc func(Frame) bool

// Source represents a restartable continuous audio capture device.
//
// A Source owns the underlying device handle for the duration of a
// Start/Stop cycle and must release it deterministically on Stop, on every
// exit path. The produced frame sequence is infinite until Stop is called.
//
// Implementations need not be safe for concurrent Start/Stop from multiple
// goroutines; the pipeline is the sole caller.
type Source interface {
	// Start opens the capture device selected by cfg.DeviceFilter (falling
	// back to the platform default) and begins delivering frames of exactly
	// cfg.FrameSamples samples through emit. The capture callback does
	// minimal work: copy and emit only. On queue backpressure emit returns
	// false and the frame is lost; capture never stalls.
	//
	// Returns ErrDeviceNotFound if no device matches and no default exists,
	// or a device error if the stream cannot be opened.
	Start(cfg CaptureConfig, emit EmitFunc) error

	// Stop halts capture and releases the device. It is safe to call Stop
	// more than once; subsequent calls are no-ops and return nil. After Stop
	// the Source may be started again.
	Stop() error
}
