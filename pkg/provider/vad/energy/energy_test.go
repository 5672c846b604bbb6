package energy

import (
	"math"
	"testing"

	"github.com/earshot-audio/earshot/pkg/provider/vad"
)

// pcmFrame builds a frame of sampleCount int16 samples at the given amplitude
// as a square wave, encoded little-endian.
func pcmFrame(sampleCount int, amplitude int16) []byte {
	out := make([]byte, sampleCount*2)
	for i := 0; i < sampleCount; i++ {
		v := amplitude
		if i%2 == 1 {
			v = -amplitude
		}
		out[2*i] = byte(v)
		out[2*i+1] = byte(v >> 8)
	}
	return out
}

func newTestSession(t *testing.T, opts ...Option) vad.SessionHandle {
	t.Helper()
	sess, err := New(opts...).NewSession(vad.Config{SampleRate: 16000, FrameSizeMs: 32})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	return sess
}

func TestProbability_SilenceScoresLow(t *testing.T) {
	sess := newTestSession(t)

	p, err := sess.Probability(pcmFrame(512, 0))
	if err != nil {
		t.Fatalf("Probability: %v", err)
	}
	if p != 0 {
		t.Errorf("silent frame: want 0, got %f", p)
	}
}

func TestProbability_LoudSpeechScoresHigh(t *testing.T) {
	// Disable smoothing so a single frame reaches its raw score.
	sess := newTestSession(t, WithSmoothing(1.0))

	p, err := sess.Probability(pcmFrame(512, 12000))
	if err != nil {
		t.Fatalf("Probability: %v", err)
	}
	if p != 1.0 {
		t.Errorf("loud frame should clamp to 1.0, got %f", p)
	}
}

func TestProbability_ScalesWithAmplitude(t *testing.T) {
	sess := newTestSession(t, WithSmoothing(1.0))

	p, err := sess.Probability(pcmFrame(512, 5000))
	if err != nil {
		t.Fatalf("Probability: %v", err)
	}
	// Square wave RMS equals its amplitude; reference is 10000.
	if math.Abs(p-0.5) > 0.01 {
		t.Errorf("want ~0.5, got %f", p)
	}
}

func TestProbability_SmoothingDampsSpikes(t *testing.T) {
	sess := newTestSession(t)

	for i := 0; i < 5; i++ {
		if _, err := sess.Probability(pcmFrame(512, 0)); err != nil {
			t.Fatalf("Probability: %v", err)
		}
	}
	p, err := sess.Probability(pcmFrame(512, 12000))
	if err != nil {
		t.Fatalf("Probability: %v", err)
	}
	if p >= 1.0 {
		t.Errorf("smoothed spike should stay below raw score, got %f", p)
	}
	if p <= 0 {
		t.Errorf("spike should still raise the score, got %f", p)
	}
}

func TestProbability_ResetClearsHistory(t *testing.T) {
	sess := newTestSession(t)

	for i := 0; i < 5; i++ {
		sess.Probability(pcmFrame(512, 12000))
	}
	sess.Reset()

	p, err := sess.Probability(pcmFrame(512, 0))
	if err != nil {
		t.Fatalf("Probability: %v", err)
	}
	if p != 0 {
		t.Errorf("after reset, silent frame should score 0, got %f", p)
	}
}

func TestProbability_WrongFrameSize(t *testing.T) {
	sess := newTestSession(t)
	if _, err := sess.Probability(pcmFrame(100, 0)); err == nil {
		t.Error("expected error for wrong frame size")
	}
}

func TestProbability_ClosedSession(t *testing.T) {
	sess := newTestSession(t)
	if err := sess.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := sess.Probability(pcmFrame(512, 0)); err == nil {
		t.Error("expected error after Close")
	}
}

func TestNewSession_InvalidConfig(t *testing.T) {
	eng := New()
	if _, err := eng.NewSession(vad.Config{SampleRate: 0, FrameSizeMs: 32}); err == nil {
		t.Error("expected error for zero sample rate")
	}
	if _, err := eng.NewSession(vad.Config{SampleRate: 16000, FrameSizeMs: 0}); err == nil {
		t.Error("expected error for zero frame size")
	}
}
