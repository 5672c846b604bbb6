package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/earshot-audio/earshot/pkg/provider/asr"
)

// ErrNoBackend is returned by [Failover.Open] when every backend either
// refused the session or is cooling off behind its breaker.
var ErrNoBackend = errors.New("resilience: no recognition backend available")

// backend pairs a named asr.Provider with its breaker.
type backend struct {
	name     string
	provider asr.Provider
	breaker  *Breaker
}

// Failover implements [asr.Provider] across an ordered list of recognition
// backends. Each utterance's session is opened on the first backend whose
// breaker admits the dial; a backend whose endpoint keeps refusing sessions
// trips its breaker and is skipped until its cooldown elapses, so a dead
// primary costs nothing once tripped.
//
// Only Open is mediated. The returned session handle belongs entirely to the
// backend that produced it; mid-utterance failures stay scoped to that
// utterance and never migrate the stream.
type Failover struct {
	breakerCfg BreakerConfig
	backends   []backend
}

var _ asr.Provider = (*Failover)(nil)

// NewFailover creates a [Failover] with primary as the preferred backend.
// cfg seeds the per-backend breakers; its Name field is ignored in favour of
// each backend's own name.
func NewFailover(name string, primary asr.Provider, cfg BreakerConfig) *Failover {
	f := &Failover{breakerCfg: cfg}
	f.Add(name, primary)
	return f
}

// Add appends a fallback backend. Backends are tried in registration order.
func (f *Failover) Add(name string, provider asr.Provider) {
	cfg := f.breakerCfg
	cfg.Name = name
	f.backends = append(f.backends, backend{
		name:     name,
		provider: provider,
		breaker:  NewBreaker(cfg),
	})
}

// Open starts a recognition session on the first healthy backend. A dial
// failure during shutdown (ctx already cancelled) is returned as-is without
// counting against the backend's breaker, since it says nothing about the
// backend's health.
func (f *Failover) Open(ctx context.Context, cfg asr.StreamConfig) (asr.SessionHandle, error) {
	var lastErr error
	for i := range f.backends {
		b := &f.backends[i]
		if err := b.breaker.Allow(); err != nil {
			slog.Debug("skipping asr backend, breaker open", "backend", b.name)
			continue
		}

		sess, err := b.provider.Open(ctx, cfg)
		if err != nil && ctx.Err() != nil {
			return nil, err
		}
		b.breaker.Record(err)
		if err == nil {
			if i > 0 {
				slog.Warn("asr session opened on fallback backend", "backend", b.name)
			}
			return sess, nil
		}

		lastErr = err
		slog.Warn("asr backend refused session, trying next",
			"backend", b.name, "err", err)
	}

	if lastErr == nil {
		return nil, ErrNoBackend
	}
	// Keep lastErr in the chain so callers can still classify it (a connect
	// refusal stays errors.Is(err, asr.ErrConnect)).
	return nil, fmt.Errorf("%w: %w", ErrNoBackend, lastErr)
}
