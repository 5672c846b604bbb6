package audio

import "time"

// Frame is a single fixed-size chunk of PCM audio flowing through the
// pipeline. Frames are the atomic unit of audio transport — produced by a
// capture [Source], queued, classified by VAD, and streamed to an ASR session.
//
// A Frame is immutable once produced: the capture side hands ownership of
// Data to the queue and never touches it again.
type Frame struct {
	// Data is raw little-endian 16-bit PCM. Sample rate and channel count are
	// fixed by the CaptureConfig the stream was started with.
	Data []byte

	// Seq is the monotonically increasing capture sequence number. Dropped
	// frames leave gaps, so consumers can detect loss.
	Seq uint64

	// Timestamp marks when the frame was captured.
	Timestamp time.Time
}

// Samples returns the frame payload reinterpreted as int16 samples.
// The returned slice is freshly allocated; the frame is not mutated.
func (f Frame) Samples() []int16 {
	out := make([]int16, len(f.Data)/2)
	for i := range out {
		out[i] = int16(f.Data[2*i]) | int16(f.Data[2*i+1])<<8
	}
	return out
}

// CaptureConfig describes the audio format a [Source] must produce.
type CaptureConfig struct {
	// SampleRate in Hz. Common values: 8000, 16000.
	SampleRate int

	// Channels is the channel count. ASR providers want mono, so this is
	// almost always 1.
	Channels int

	// FrameSamples is the number of samples per frame per channel. With the
	// default 16 kHz / 32 ms configuration this is 512.
	FrameSamples int

	// DeviceFilter selects the capture device by case-insensitive substring
	// match against the device name. Empty selects the platform default.
	DeviceFilter string
}

// FrameBytes returns the payload size in bytes of one frame.
func (c CaptureConfig) FrameBytes() int {
	return c.FrameSamples * c.Channels * 2
}

// FrameDuration returns the wall-clock duration of one frame.
func (c CaptureConfig) FrameDuration() time.Duration {
	if c.SampleRate == 0 {
		return 0
	}
	return time.Duration(c.FrameSamples) * time.Second / time.Duration(c.SampleRate)
}
