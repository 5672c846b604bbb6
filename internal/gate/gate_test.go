package gate

import (
	"bytes"
	"testing"
	"time"

	"github.com/earshot-audio/earshot/pkg/audio"
	"github.com/earshot-audio/earshot/pkg/provider/vad/mock"
)

func testConfig() Config {
	return Config{
		Threshold:                0.5,
		MinSpeechFrames:          3,
		SilenceFrames:            5,
		MinUtteranceSpeechFrames: 10,
		MaxUtteranceFrames:       200,
		PrerollFrames:            8,
	}
}

// frame builds a 4-byte frame whose content encodes its sequence number so
// pre-roll ordering is verifiable.
func frame(seq int) audio.Frame {
	return audio.Frame{
		Data:      []byte{byte(seq), byte(seq >> 8), 0xFE, 0xFF},
		Seq:       uint64(seq),
		Timestamp: time.Unix(0, int64(seq)*int64(time.Millisecond)),
	}
}

// feedRun feeds count frames through the gate, all scored with the session's
// current script position, and returns every non-None event.
func feedRun(t *testing.T, g *Gate, startSeq, count int) []Event {
	t.Helper()
	var events []Event
	for i := 0; i < count; i++ {
		ev, err := g.Feed(frame(startSeq + i))
		if err != nil {
			t.Fatalf("Feed frame %d: %v", startSeq+i, err)
		}
		if ev.Type != EventNone {
			events = append(events, ev)
		}
	}
	return events
}

func newGate(t *testing.T, cfg Config, probabilities []float64) (*Gate, *mock.Session) {
	t.Helper()
	sess := &mock.Session{Probabilities: probabilities}
	g, err := New(cfg, sess)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return g, sess
}

func TestGate_SilenceSpeechSilenceCycle(t *testing.T) {
	// 5 silent, 20 speech, 40 silent: exactly one start and one silence end.
	probs := make([]float64, 0, 65)
	for i := 0; i < 5; i++ {
		probs = append(probs, 0.1)
	}
	for i := 0; i < 20; i++ {
		probs = append(probs, 0.9)
	}
	for i := 0; i < 40; i++ {
		probs = append(probs, 0.1)
	}
	g, _ := newGate(t, testConfig(), probs)

	events := feedRun(t, g, 0, 65)

	if len(events) != 2 {
		t.Fatalf("want 2 events (start, end), got %d: %+v", len(events), events)
	}
	if events[0].Type != EventStart {
		t.Errorf("first event: want start, got %+v", events[0])
	}
	if events[1].Type != EventEnd || events[1].Reason != ReasonSilenceEnd {
		t.Errorf("second event: want silence_end, got %+v", events[1])
	}
	if events[1].Discard {
		t.Error("silence_end must not discard")
	}
	if g.State() != Closing {
		t.Errorf("gate should be closing after end, got %v", g.State())
	}
	// The boundary frame closed the utterance; it must not also be marked for
	// streaming.
	if events[1].Forward {
		t.Error("end event must not set Forward")
	}
}

func TestGate_ShortSpeechDiscard(t *testing.T) {
	cfg := testConfig()
	cfg.MinUtteranceSpeechFrames = 30

	probs := make([]float64, 0, 40)
	for i := 0; i < 20; i++ {
		probs = append(probs, 0.9)
	}
	for i := 0; i < 20; i++ {
		probs = append(probs, 0.1)
	}
	g, _ := newGate(t, cfg, probs)

	events := feedRun(t, g, 0, 40)

	if len(events) != 2 {
		t.Fatalf("want 2 events, got %d: %+v", len(events), events)
	}
	end := events[1]
	if end.Type != EventEnd || end.Reason != ReasonShortSpeech {
		t.Errorf("want short_speech end, got %+v", end)
	}
	if !end.Discard {
		t.Error("short_speech must set Discard")
	}
}

func TestGate_MaxDurationForcesEnd(t *testing.T) {
	cfg := testConfig()
	cfg.MaxUtteranceFrames = 10
	cfg.MinUtteranceSpeechFrames = 1

	// Continuous speech: max duration must end the utterance without any
	// silence ever occurring.
	g, _ := newGate(t, cfg, []float64{0.9})

	events := feedRun(t, g, 0, 50)

	if len(events) != 2 {
		t.Fatalf("want 2 events, got %d: %+v", len(events), events)
	}
	end := events[1]
	if end.Reason != ReasonMaxDuration {
		t.Errorf("want max_duration, got %q", end.Reason)
	}
	if got := g.UtteranceFrames(); got < cfg.MaxUtteranceFrames-1 || got > cfg.MaxUtteranceFrames+1 {
		t.Errorf("utterance frames at end: want %d±1, got %d", cfg.MaxUtteranceFrames, got)
	}
}

func TestGate_MaxDurationBeatsSilence(t *testing.T) {
	cfg := testConfig()
	cfg.MinUtteranceSpeechFrames = 1
	// Arrange for both bounds to be crossed on the same frame: trigger run
	// of 3 speech frames, then exactly SilenceFrames of silence, with the
	// max bound landing on that same frame.
	cfg.SilenceFrames = 5
	cfg.MaxUtteranceFrames = 3 + 5

	probs := []float64{0.9, 0.9, 0.9, 0.1}
	g, _ := newGate(t, cfg, probs)

	events := feedRun(t, g, 0, 8)

	if len(events) != 2 {
		t.Fatalf("want 2 events, got %d: %+v", len(events), events)
	}
	if events[1].Reason != ReasonMaxDuration {
		t.Errorf("max_duration must take precedence, got %q", events[1].Reason)
	}
}

func TestGate_PrerollRoundTrip(t *testing.T) {
	cfg := testConfig()
	g, _ := newGate(t, cfg, []float64{0.1, 0.1, 0.1, 0.1, 0.1, 0.1, 0.1, 0.1, 0.1, 0.1, 0.9})

	// 10 silent frames overflow the 8-slot ring, then a 3-frame speech run
	// triggers. The preroll must be the last 8 frames before the trigger
	// completes, in order, byte for byte.
	var fed []audio.Frame
	for i := 0; i < 13; i++ {
		f := frame(i)
		fed = append(fed, f)
		ev, err := g.Feed(f)
		if err != nil {
			t.Fatalf("Feed: %v", err)
		}
		if ev.Type == EventStart {
			want := make([]byte, 0)
			for _, pf := range fed[len(fed)-8:] {
				want = append(want, pf.Data...)
			}
			if !bytes.Equal(ev.Preroll, want) {
				t.Errorf("preroll mismatch:\nwant %v\ngot  %v", want, ev.Preroll)
			}
			return
		}
	}
	t.Fatal("gate never triggered")
}

func TestGate_SingleStartPerSpeechRun(t *testing.T) {
	g, _ := newGate(t, testConfig(), []float64{0.9})

	starts := 0
	forwards := 0
	for i := 0; i < 100; i++ {
		ev, err := g.Feed(frame(i))
		if err != nil {
			t.Fatalf("Feed: %v", err)
		}
		switch {
		case ev.Type == EventStart:
			starts++
		case ev.Forward:
			forwards++
		}
	}
	if starts != 1 {
		t.Errorf("want exactly 1 start for a continuous run, got %d", starts)
	}
	if forwards == 0 {
		t.Error("frames after trigger must be forwarded")
	}
}

func TestGate_InterruptedRunDoesNotTrigger(t *testing.T) {
	// Speech runs of 2 frames broken by silence never reach the 3-frame
	// minimum.
	probs := []float64{0.9, 0.9, 0.1, 0.9, 0.9, 0.1, 0.9, 0.9, 0.1}
	g, _ := newGate(t, testConfig(), probs)

	events := feedRun(t, g, 0, 9)
	if len(events) != 0 {
		t.Errorf("broken runs must not trigger, got %+v", events)
	}
	if g.State() != Idle {
		t.Errorf("gate should stay idle, got %v", g.State())
	}
}

func TestGate_ClosingIgnoresFrames(t *testing.T) {
	cfg := testConfig()
	cfg.MaxUtteranceFrames = 5
	cfg.MinUtteranceSpeechFrames = 1
	g, _ := newGate(t, cfg, []float64{0.9})

	feedRun(t, g, 0, 10)
	if g.State() != Closing {
		t.Fatalf("expected closing state, got %v", g.State())
	}

	ev, err := g.Feed(frame(100))
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if ev.Type != EventNone || ev.Forward {
		t.Errorf("closing gate must ignore frames, got %+v", ev)
	}
}

func TestGate_ResetReturnsToIdle(t *testing.T) {
	cfg := testConfig()
	cfg.MaxUtteranceFrames = 5
	cfg.MinUtteranceSpeechFrames = 1
	g, sess := newGate(t, cfg, []float64{0.9})

	feedRun(t, g, 0, 10)
	g.Reset()

	if g.State() != Idle {
		t.Errorf("want idle after reset, got %v", g.State())
	}
	if g.UtteranceFrames() != 0 {
		t.Errorf("utterance frame count should clear, got %d", g.UtteranceFrames())
	}
	if sess.ResetCallCount == 0 {
		t.Error("reset must propagate to the VAD session")
	}

	// A fresh speech run must trigger again after reset.
	var triggered bool
	for i := 0; i < 10; i++ {
		ev, err := g.Feed(frame(200 + i))
		if err != nil {
			t.Fatalf("Feed: %v", err)
		}
		if ev.Type == EventStart {
			triggered = true
			break
		}
	}
	if !triggered {
		t.Error("gate must re-trigger after reset")
	}
}

func TestGate_VADErrorPropagates(t *testing.T) {
	sess := &mock.Session{ProbabilityErr: errBoom}
	g, err := New(testConfig(), sess)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := g.Feed(frame(0)); err == nil {
		t.Error("expected classify error to propagate")
	}
}

var errBoom = mockErr("boom")

type mockErr string

func (e mockErr) Error() string { return string(e) }

func TestNew_InvalidConfig(t *testing.T) {
	sess := &mock.Session{}
	bad := []Config{
		{},
		{Threshold: 1.5, MinSpeechFrames: 1, SilenceFrames: 1, MaxUtteranceFrames: 1, PrerollFrames: 1},
		{Threshold: 0.5, MinSpeechFrames: 0, SilenceFrames: 1, MaxUtteranceFrames: 1, PrerollFrames: 1},
	}
	for i, cfg := range bad {
		if _, err := New(cfg, sess); err == nil {
			t.Errorf("config %d: expected validation error", i)
		}
	}
	if _, err := New(testConfig(), nil); err == nil {
		t.Error("expected error for nil session")
	}
}
