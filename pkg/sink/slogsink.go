package sink

import (
	"context"
	"log/slog"
)

// SlogSink writes terminal events to a structured logger. It is the default
// sink when no downstream consumer is configured and a useful secondary sink
// in front of any other.
type SlogSink struct {
	logger *slog.Logger
}

// NewSlogSink creates a sink logging through logger; nil uses slog.Default.
func NewSlogSink(logger *slog.Logger) *SlogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogSink{logger: logger}
}

// Publish logs the event at info level for text, warn level for errors.
func (s *SlogSink) Publish(ctx context.Context, ev Event) error {
	attrs := []any{
		slog.String("reason", string(ev.Reason)),
		slog.Duration("duration", ev.Duration),
	}
	if ev.Err != ErrorNone {
		attrs = append(attrs, slog.String("error", string(ev.Err)))
		s.logger.WarnContext(ctx, "utterance failed", attrs...)
		return nil
	}
	attrs = append(attrs,
		slog.String("text", ev.Text),
		slog.Bool("final", ev.Final),
	)
	s.logger.InfoContext(ctx, "utterance recognized", attrs...)
	return nil
}

var _ Sink = (*SlogSink)(nil)
