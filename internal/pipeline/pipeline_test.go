package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/earshot-audio/earshot/internal/gate"
	"github.com/earshot-audio/earshot/internal/observe"
	"github.com/earshot-audio/earshot/pkg/audio"
	"github.com/earshot-audio/earshot/pkg/provider/asr"
	asrmock "github.com/earshot-audio/earshot/pkg/provider/asr/mock"
	vadmock "github.com/earshot-audio/earshot/pkg/provider/vad/mock"
	"github.com/earshot-audio/earshot/pkg/sink"
	sinkmock "github.com/earshot-audio/earshot/pkg/sink/mock"
)

const testFrameDuration = 32 * time.Millisecond

func testGateConfig() gate.Config {
	return gate.Config{
		Threshold:                0.5,
		MinSpeechFrames:          3,
		SilenceFrames:            5,
		MinUtteranceSpeechFrames: 5,
		MaxUtteranceFrames:       200,
		PrerollFrames:            8,
	}
}

// harness wires a pipeline against fully scripted collaborators.
type harness struct {
	queue    *audio.FrameQueue
	provider *asrmock.Provider
	sink     *sinkmock.Sink
	pipeline *Pipeline

	cancel context.CancelFunc
	done   chan error
}

func newHarness(t *testing.T, gateCfg gate.Config, probabilities []float64, provider *asrmock.Provider) *harness {
	t.Helper()

	queue := audio.NewFrameQueue(256)
	vadSess := &vadmock.Session{Probabilities: probabilities}
	g, err := gate.New(gateCfg, vadSess)
	if err != nil {
		t.Fatalf("gate.New: %v", err)
	}

	snk := &sinkmock.Sink{}
	metrics, err := observe.NewMetrics(sdkmetric.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	p, err := New(Config{
		Stream:        asr.StreamConfig{SampleRate: 16000, Channels: 1},
		ResultTimeout: 500 * time.Millisecond,
		PollInterval:  10 * time.Millisecond,
		FrameDuration: testFrameDuration,
		ProviderName:  "mock",
	}, queue, g, provider, snk, WithMetrics(metrics))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	return &harness{
		queue:    queue,
		provider: provider,
		sink:     snk,
		pipeline: p,
		done:     make(chan error, 1),
	}
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() {
		h.done <- h.pipeline.Run(ctx)
	}()
	t.Cleanup(func() {
		h.stop(t)
	})
}

func (h *harness) stop(t *testing.T) {
	t.Helper()
	if h.cancel == nil {
		return
	}
	h.cancel()
	h.cancel = nil
	select {
	case err := <-h.done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Error("pipeline did not stop in time")
	}
}

// feed enqueues count frames with distinguishable payloads.
func (h *harness) feed(startSeq, count int) {
	for i := 0; i < count; i++ {
		seq := startSeq + i
		h.queue.TryEnqueue(audio.Frame{
			Data:      []byte{byte(seq), byte(seq >> 8), 0xAB, 0xCD},
			Seq:       uint64(seq),
			Timestamp: time.Now(),
		})
	}
}

// waitEvents polls the sink until n events arrived or the deadline passes.
func (h *harness) waitEvents(t *testing.T, n int) []sink.Event {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		evs := h.sink.Events()
		if len(evs) >= n {
			return evs
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d sink events, have %d", n, len(h.sink.Events()))
	return nil
}

// probs builds a probability script: speech frames then silence repeating.
func probs(speech, silence int) []float64 {
	out := make([]float64, 0, speech+silence)
	for i := 0; i < speech; i++ {
		out = append(out, 0.9)
	}
	for i := 0; i < silence; i++ {
		out = append(out, 0.1)
	}
	return out
}

func TestPipeline_RecognizesUtterance(t *testing.T) {
	provider := &asrmock.Provider{
		Sessions: []*asrmock.Session{
			{Result: &asr.Transcript{Text: "turn on the lights", Final: true}},
		},
	}
	h := newHarness(t, testGateConfig(), probs(13, 10), provider)
	h.start(t)

	// 3 frames trigger, 10 more stream, then silence closes the gate.
	h.feed(0, 19)

	evs := h.waitEvents(t, 1)
	if len(evs) != 1 {
		t.Fatalf("want exactly one terminal event, got %d", len(evs))
	}
	ev := evs[0]
	if ev.Text != "turn on the lights" {
		t.Errorf("text: got %q", ev.Text)
	}
	if ev.Reason != sink.ReasonSilenceEnd {
		t.Errorf("reason: want silence_end, got %q", ev.Reason)
	}
	if !ev.Final {
		t.Error("final flag lost")
	}
	if ev.Err != sink.ErrorNone {
		t.Errorf("unexpected error kind %q", ev.Err)
	}

	sess := provider.Sessions[0]
	if !sess.StartCalled {
		t.Error("SendStart never called")
	}
	if !sess.EndCalled {
		t.Error("SendEnd never called")
	}
	if sess.CloseCallCount == 0 {
		t.Error("session never closed")
	}
}

func TestPipeline_PrerollReachesSession(t *testing.T) {
	provider := &asrmock.Provider{
		Sessions: []*asrmock.Session{
			{Result: &asr.Transcript{Text: "ok", Final: true}},
		},
	}
	h := newHarness(t, testGateConfig(), probs(13, 10), provider)
	h.start(t)
	h.feed(0, 19)
	h.waitEvents(t, 1)

	// The trigger run is frames 0..2; they travel inside the preroll.
	var want []byte
	for seq := 0; seq < 3; seq++ {
		want = append(want, byte(seq), byte(seq>>8), 0xAB, 0xCD)
	}
	if !bytes.Equal(provider.Sessions[0].Preroll, want) {
		t.Errorf("preroll mismatch:\nwant %v\ngot  %v", want, provider.Sessions[0].Preroll)
	}
}

func TestPipeline_ShortSpeechDiscardsWithoutFinalize(t *testing.T) {
	cfg := testGateConfig()
	cfg.MinUtteranceSpeechFrames = 50

	provider := &asrmock.Provider{}
	h := newHarness(t, cfg, probs(10, 10), provider)
	h.start(t)
	h.feed(0, 20)

	// Wait until the session is closed, then check nothing was published.
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if len(provider.Sessions) > 0 && provider.Sessions[0].CloseCallCount > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	sess := provider.Sessions[0]
	if sess.CloseCallCount == 0 {
		t.Fatal("discarded session never closed")
	}
	if sess.EndCalled {
		t.Error("discard must not send the end frame")
	}
	if evs := h.sink.Events(); len(evs) != 0 {
		t.Errorf("discarded utterance must not be published, got %+v", evs)
	}
}

func TestPipeline_ConnectErrorAbortsUtteranceOnly(t *testing.T) {
	provider := &asrmock.Provider{
		OpenErrs: []error{fmt.Errorf("%w: dial refused", asr.ErrConnect)},
		Sessions: []*asrmock.Session{
			{Result: &asr.Transcript{Text: "second try", Final: true}},
		},
	}

	h := newHarness(t, testGateConfig(), probs(13, 10), provider)
	h.start(t)

	// The first trigger fails to connect and aborts the utterance; the gate
	// returns to idle, so the continuing speech burst re-triggers and the
	// second attempt gets a fresh session.
	h.feed(0, 19)

	evs := h.waitEvents(t, 2)
	if evs[0].Err != sink.ErrorConnect || evs[0].Reason != sink.ReasonError {
		t.Fatalf("want connect error event first, got %+v", evs[0])
	}
	if evs[1].Text != "second try" {
		t.Errorf("second utterance: got %+v", evs[1])
	}
	if len(provider.OpenCalls) != 2 {
		t.Errorf("want 2 open attempts, got %d", len(provider.OpenCalls))
	}
}

func TestPipeline_ResultTimeout(t *testing.T) {
	// A session with neither Result nor ResultErr never finalizes.
	provider := &asrmock.Provider{Sessions: []*asrmock.Session{{}}}
	h := newHarness(t, testGateConfig(), probs(13, 10), provider)
	h.start(t)
	h.feed(0, 19)

	evs := h.waitEvents(t, 1)
	if evs[0].Err != sink.ErrorTimeout {
		t.Errorf("want timeout error kind, got %+v", evs[0])
	}
	if evs[0].Reason != sink.ReasonSilenceEnd {
		t.Errorf("terminal reason should keep the gate boundary, got %q", evs[0].Reason)
	}
	if provider.Sessions[0].CloseCallCount == 0 {
		t.Error("timed-out session must still be closed")
	}
}

func TestPipeline_CancelPublishesCancelled(t *testing.T) {
	provider := &asrmock.Provider{Sessions: []*asrmock.Session{{}}}
	h := newHarness(t, testGateConfig(), probs(100, 0), provider)
	h.start(t)

	// Open a session and keep the utterance running.
	h.feed(0, 20)
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if len(provider.Sessions) > 0 && provider.Sessions[0].StartCalled {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	h.stop(t)

	evs := h.sink.Events()
	if len(evs) != 1 {
		t.Fatalf("want one cancelled event, got %d", len(evs))
	}
	if evs[0].Reason != sink.ReasonCancelled {
		t.Errorf("reason: want cancelled, got %q", evs[0].Reason)
	}
	if provider.Sessions[0].CloseCallCount == 0 {
		t.Error("in-flight session must be closed on cancel")
	}
}

func TestPipeline_CancelDuringResultWaitPublishesCancelled(t *testing.T) {
	// A session that never resolves its result, with a timeout long enough
	// that cancellation is what ends the wait.
	provider := &asrmock.Provider{Sessions: []*asrmock.Session{{}}}
	h := newHarness(t, testGateConfig(), probs(13, 10), provider)
	h.pipeline.cfg.ResultTimeout = 10 * time.Second
	h.start(t)

	// Run a full utterance so the loop is parked in the result wait.
	h.feed(0, 19)
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if len(provider.Sessions) > 0 && provider.Sessions[0].EndCalled {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !provider.Sessions[0].EndCalled {
		t.Fatal("utterance never reached the result wait")
	}

	h.stop(t)

	evs := h.sink.Events()
	if len(evs) != 1 {
		t.Fatalf("want exactly one event, got %d: %+v", len(evs), evs)
	}
	if evs[0].Reason != sink.ReasonCancelled {
		t.Errorf("reason: want cancelled, got %q", evs[0].Reason)
	}
	if evs[0].Err != sink.ErrorNone {
		t.Errorf("shutdown must not be reported as a provider error, got %q", evs[0].Err)
	}
	if provider.Sessions[0].CloseCallCount == 0 {
		t.Error("session must be closed after the cancelled wait")
	}
}

func TestPipeline_MaxDurationReason(t *testing.T) {
	cfg := testGateConfig()
	cfg.MaxUtteranceFrames = 20
	cfg.MinUtteranceSpeechFrames = 1

	provider := &asrmock.Provider{
		Sessions: []*asrmock.Session{
			{Result: &asr.Transcript{Text: "long monologue", Final: true}},
		},
	}
	h := newHarness(t, cfg, probs(100, 0), provider)
	h.start(t)
	h.feed(0, 40)

	evs := h.waitEvents(t, 1)
	if evs[0].Reason != sink.ReasonMaxDuration {
		t.Errorf("reason: want max_duration, got %q", evs[0].Reason)
	}
}

func TestNew_Validation(t *testing.T) {
	queue := audio.NewFrameQueue(1)
	g, err := gate.New(testGateConfig(), &vadmock.Session{})
	if err != nil {
		t.Fatalf("gate.New: %v", err)
	}
	provider := &asrmock.Provider{}
	snk := &sinkmock.Sink{}

	good := Config{
		ResultTimeout: time.Second,
		PollInterval:  time.Millisecond,
		FrameDuration: testFrameDuration,
	}

	if _, err := New(Config{}, queue, g, provider, snk); err == nil {
		t.Error("expected error for zero config")
	}
	if _, err := New(good, nil, g, provider, snk); err == nil {
		t.Error("expected error for nil queue")
	}
	if _, err := New(good, queue, g, nil, snk); err == nil {
		t.Error("expected error for nil provider")
	}
}
