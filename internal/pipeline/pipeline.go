// Package pipeline contains the single coordinating loop that turns queued
// audio frames into recognized utterances.
//
// The loop drains the frame queue with a bounded poll, feeds each frame to
// the gate, and acts on gate transitions: a start opens exactly one ASR
// session and ships the pre-roll, ordinary frames stream to the open
// session, and an end finalizes (or discards) the session and publishes one
// terminal event to the sink. The orchestrator is the sole owner of the gate
// and the at-most-one live session, so no locking is needed around either.
//
// Failure scoping follows the utterance: a connect, send, protocol, or
// timeout failure aborts only the current utterance and the loop keeps
// listening for the next trigger. Only device loss (an empty queue is not
// that) or context cancellation stops the loop.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/earshot-audio/earshot/internal/gate"
	"github.com/earshot-audio/earshot/internal/observe"
	"github.com/earshot-audio/earshot/pkg/audio"
	"github.com/earshot-audio/earshot/pkg/provider/asr"
	"github.com/earshot-audio/earshot/pkg/sink"
)

// Config holds orchestrator tuning.
type Config struct {
	// Stream is the audio format handed to each new ASR session.
	Stream asr.StreamConfig

	// ResultTimeout bounds the wait for a final transcript after the end
	// frame.
	ResultTimeout time.Duration

	// PollInterval bounds each dequeue wait so cancellation is observed
	// promptly when no audio flows.
	PollInterval time.Duration

	// FrameDuration is the audio length of one frame, used for utterance
	// duration accounting.
	FrameDuration time.Duration

	// ProviderName tags provider metrics and logs.
	ProviderName string
}

func (c Config) validate() error {
	var errs []error
	if c.ResultTimeout <= 0 {
		errs = append(errs, fmt.Errorf("result timeout must be positive, got %v", c.ResultTimeout))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("poll interval must be positive, got %v", c.PollInterval))
	}
	if c.FrameDuration <= 0 {
		errs = append(errs, fmt.Errorf("frame duration must be positive, got %v", c.FrameDuration))
	}
	return errors.Join(errs...)
}

// Option is a functional option for configuring the Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger. Default: slog.Default.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

// WithMetrics sets the metrics instance. Default: observe.DefaultMetrics.
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) {
		p.metrics = m
	}
}

// Pipeline is the orchestrator. Create with New, drive with Run.
type Pipeline struct {
	cfg      Config
	queue    *audio.FrameQueue
	gate     *gate.Gate
	provider asr.Provider
	sink     sink.Sink
	logger   *slog.Logger
	metrics  *observe.Metrics

	// at most one live session, owned exclusively by the Run loop
	session   asr.SessionHandle
	sessionAt time.Time
	endedAt   time.Time
}

// New creates a Pipeline. All collaborators are required.
func New(cfg Config, queue *audio.FrameQueue, g *gate.Gate, provider asr.Provider, snk sink.Sink, opts ...Option) (*Pipeline, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("pipeline: invalid config: %w", err)
	}
	if queue == nil || g == nil || provider == nil || snk == nil {
		return nil, errors.New("pipeline: queue, gate, provider and sink are all required")
	}
	p := &Pipeline{
		cfg:      cfg,
		queue:    queue,
		gate:     g,
		provider: provider,
		sink:     snk,
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	return p, nil
}

// Run executes the control loop until ctx is cancelled. Any utterance in
// flight at cancellation is closed with a bounded teardown and published
// with the cancelled reason. Run returns nil on clean cancellation.
func (p *Pipeline) Run(ctx context.Context) error {
	p.logger.Info("pipeline started",
		"provider", p.cfg.ProviderName,
		"result_timeout", p.cfg.ResultTimeout,
	)
	defer p.logger.Info("pipeline stopped")

	for {
		select {
		case <-ctx.Done():
			p.shutdown()
			return nil
		default:
		}

		frame, ok := p.queue.Dequeue(p.cfg.PollInterval)
		if !ok {
			continue
		}

		ev, err := p.gate.Feed(frame)
		if err != nil {
			p.logger.Warn("gate classify failed", "seq", frame.Seq, "error", err)
			continue
		}

		switch {
		case ev.Type == gate.EventStart:
			p.startUtterance(ctx, ev.Preroll)
		case ev.Type == gate.EventEnd:
			p.finishUtterance(ctx, ev)
		case ev.Forward:
			p.forwardFrame(ctx, frame)
		}
	}
}

// startUtterance opens one ASR session and ships the pre-roll. A connect
// failure aborts the utterance only; the gate returns to idle and the next
// trigger gets a fresh attempt.
func (p *Pipeline) startUtterance(ctx context.Context, preroll []byte) {
	startedAt := p.gate.StartedAt()

	sess, err := p.provider.Open(ctx, p.cfg.Stream)
	if err != nil {
		p.logger.Error("asr session open failed", "provider", p.cfg.ProviderName, "error", err)
		p.metrics.RecordProviderError(ctx, p.cfg.ProviderName, "connect")
		p.publish(ctx, sink.Event{
			Reason:    sink.ReasonError,
			Err:       sink.ErrorConnect,
			StartedAt: startedAt,
		})
		p.metrics.RecordUtterance(ctx, string(sink.ReasonError), "error")
		p.gate.Reset()
		return
	}

	p.session = sess
	p.sessionAt = time.Now()
	p.metrics.ActiveSessions.Add(ctx, 1)
	p.logger.Debug("utterance started", "preroll_bytes", len(preroll))

	if err := sess.SendStart(preroll); err != nil {
		p.logger.Error("send start frame failed", "error", err)
		p.abortUtterance(ctx, sink.ErrorSend, startedAt)
	}
}

// forwardFrame streams one frame to the open session. A mid-stream send
// failure aborts the session immediately without retry.
func (p *Pipeline) forwardFrame(ctx context.Context, frame audio.Frame) {
	if p.session == nil {
		return
	}
	if err := p.session.SendAudio(frame.Data); err != nil {
		p.logger.Error("send audio frame failed", "seq", frame.Seq, "error", err)
		p.abortUtterance(ctx, sink.ErrorSend, p.gate.StartedAt())
	}
}

// finishUtterance finalizes or discards the session and publishes exactly
// one terminal event for every non-discarded utterance.
func (p *Pipeline) finishUtterance(ctx context.Context, ev gate.Event) {
	if p.session == nil {
		p.gate.Reset()
		return
	}

	startedAt := p.gate.StartedAt()
	duration := time.Duration(p.gate.UtteranceFrames()) * p.cfg.FrameDuration

	if ev.Discard {
		// Below the speech floor: close without finalizing, publish nothing.
		p.logger.Debug("utterance discarded", "reason", ev.Reason, "duration", duration)
		p.metrics.RecordUtterance(ctx, string(ev.Reason), "discarded")
		p.closeSession(ctx)
		p.gate.Reset()
		return
	}

	reason := terminalReason(ev.Reason)

	if err := p.session.SendEnd(); err != nil {
		p.logger.Error("send end frame failed", "error", err)
		p.abortUtterance(ctx, sink.ErrorSend, startedAt)
		return
	}

	p.endedAt = time.Now()
	transcript, err := p.session.AwaitResult(ctx, p.cfg.ResultTimeout)
	p.metrics.ResultLatency.Record(ctx, time.Since(p.endedAt).Seconds())

	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			// The run context went away while waiting for the result. That
			// is a shutdown, not a provider fault: publish the cancelled
			// event here, since by the time the loop reaches its own
			// shutdown path this session is already gone. Teardown runs on
			// a fresh context, same as shutdown.
			p.logger.Info("result wait cancelled by shutdown")
			bg := context.Background()
			p.publish(bg, sink.Event{
				Reason:    sink.ReasonCancelled,
				StartedAt: startedAt,
				Duration:  duration,
			})
			p.metrics.RecordUtterance(bg, string(sink.ReasonCancelled), "cancelled")
			p.closeSession(bg)
			p.gate.Reset()
			return
		}

		kind := classifyError(err)
		p.logger.Warn("utterance failed",
			"reason", reason,
			"error", err,
			"kind", kind,
		)
		p.metrics.RecordProviderError(ctx, p.cfg.ProviderName, string(kind))
		p.publish(ctx, sink.Event{
			Reason:    reason,
			Err:       kind,
			StartedAt: startedAt,
			Duration:  duration,
		})
		p.metrics.RecordUtterance(ctx, string(reason), "error")
		p.closeSession(ctx)
		p.gate.Reset()
		return
	}

	p.publish(ctx, sink.Event{
		Text:      transcript.Text,
		Final:     transcript.Final,
		Reason:    reason,
		StartedAt: startedAt,
		Duration:  duration,
	})
	p.metrics.RecordUtterance(ctx, string(reason), "ok")
	p.metrics.UtteranceDuration.Record(ctx, duration.Seconds())
	p.closeSession(ctx)
	p.gate.Reset()
}

// abortUtterance publishes an error event, tears the session down without
// finalizing, and returns the gate to idle.
func (p *Pipeline) abortUtterance(ctx context.Context, kind sink.ErrorKind, startedAt time.Time) {
	p.metrics.RecordProviderError(ctx, p.cfg.ProviderName, string(kind))
	p.publish(ctx, sink.Event{
		Reason:    sink.ReasonError,
		Err:       kind,
		StartedAt: startedAt,
	})
	p.metrics.RecordUtterance(ctx, string(sink.ReasonError), "error")
	p.closeSession(ctx)
	p.gate.Reset()
}

// closeSession closes the live session if any. Close errors are logged, not
// propagated; teardown is best effort even after failures.
func (p *Pipeline) closeSession(ctx context.Context) {
	if p.session == nil {
		return
	}
	if err := p.session.Close(); err != nil {
		p.logger.Warn("session close failed", "error", err)
	}
	p.metrics.SessionDuration.Record(ctx, time.Since(p.sessionAt).Seconds())
	p.metrics.ActiveSessions.Add(ctx, -1)
	p.session = nil
}

// shutdown handles cancellation with an utterance in flight: the session is
// force-closed with its bounded teardown and the utterance is published as
// cancelled so the sink never sees a silent drop.
func (p *Pipeline) shutdown() {
	if p.session == nil {
		return
	}
	ctx := context.Background()
	p.logger.Info("cancelling in-flight utterance")
	p.publish(ctx, sink.Event{
		Reason:    sink.ReasonCancelled,
		StartedAt: p.gate.StartedAt(),
		Duration:  time.Duration(p.gate.UtteranceFrames()) * p.cfg.FrameDuration,
	})
	p.metrics.RecordUtterance(ctx, string(sink.ReasonCancelled), "cancelled")
	p.closeSession(ctx)
	p.gate.Reset()
}

func (p *Pipeline) publish(ctx context.Context, ev sink.Event) {
	if err := p.sink.Publish(ctx, ev); err != nil {
		p.logger.Warn("sink publish failed", "reason", ev.Reason, "error", err)
	}
}

// terminalReason maps a gate end reason onto the sink vocabulary.
func terminalReason(r gate.EndReason) sink.Reason {
	switch r {
	case gate.ReasonMaxDuration:
		return sink.ReasonMaxDuration
	default:
		return sink.ReasonSilenceEnd
	}
}

// classifyError maps session errors onto sink error kinds.
func classifyError(err error) sink.ErrorKind {
	switch {
	case errors.Is(err, asr.ErrResultTimeout):
		return sink.ErrorTimeout
	case errors.Is(err, asr.ErrConnect):
		return sink.ErrorConnect
	case errors.Is(err, asr.ErrProtocol):
		return sink.ErrorProtocol
	default:
		return sink.ErrorProtocol
	}
}
