// Package resilience keeps a flaky recognition backend from stalling the
// capture loop. A [Breaker] counts consecutive failed session opens against
// one backend and refuses further dials while that backend cools off, so an
// unreachable endpoint costs at most a handful of utterances instead of a
// connect timeout on every one. [Failover] strings several backends behind a
// single [asr.Provider] so recognition keeps flowing while the primary is
// down.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrBreakerOpen is returned by [Breaker.Allow] while the backend is cooling
// off after tripping.
var ErrBreakerOpen = errors.New("resilience: breaker open")

// BreakerState is the operating mode of a [Breaker].
type BreakerState int

const (
	// BreakerClosed: the backend is considered healthy, dials go through.
	BreakerClosed BreakerState = iota

	// BreakerOpen: the backend tripped on consecutive failed opens. Dials
	// are refused until the cooldown elapses.
	BreakerOpen

	// BreakerHalfOpen: the cooldown elapsed and trial dials are allowed.
	// Enough consecutive successes close the breaker; one failure trips it
	// again.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes a [Breaker]. The zero value of each field selects the
// default.
type BreakerConfig struct {
	// Name labels the backend in log lines (e.g. "iflytek").
	Name string

	// TripAfter is how many consecutive failed session opens trip the
	// breaker. Default 5.
	TripAfter int

	// Cooldown is how long a tripped breaker refuses dials before allowing
	// trial opens again. Default 30s.
	Cooldown time.Duration

	// Probation is how many consecutive successful opens a half-open breaker
	// needs before it closes. Default 2.
	Probation int
}

// Breaker tracks the health of one recognition backend. Callers ask [Allow]
// before dialing and report the outcome with [Record]; the breaker never
// invokes the backend itself, which keeps the dial's context handling in the
// caller's hands.
type Breaker struct {
	name      string
	tripAfter int
	cooldown  time.Duration
	probation int

	mu        sync.Mutex
	state     BreakerState
	failures  int // consecutive failed opens while closed
	successes int // consecutive successful opens while half-open
	trippedAt time.Time
}

// NewBreaker creates a closed [Breaker] from cfg, filling in defaults for
// zero fields.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.TripAfter <= 0 {
		cfg.TripAfter = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.Probation <= 0 {
		cfg.Probation = 2
	}
	return &Breaker{
		name:      cfg.Name,
		tripAfter: cfg.TripAfter,
		cooldown:  cfg.Cooldown,
		probation: cfg.Probation,
	}
}

// Allow reports whether a dial against this backend may proceed. It returns
// [ErrBreakerOpen] while the backend is cooling off. When the cooldown has
// elapsed the breaker moves to half-open and the dial is admitted as a trial.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerOpen {
		if time.Since(b.trippedAt) < b.cooldown {
			return ErrBreakerOpen
		}
		b.state = BreakerHalfOpen
		b.successes = 0
		slog.Info("asr backend cooldown elapsed, allowing trial sessions",
			"backend", b.name)
	}
	return nil
}

// Record reports the outcome of a dial admitted by [Allow]. A failure while
// half-open trips the breaker immediately; while closed it takes TripAfter
// consecutive failures.
func (b *Breaker) Record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil {
		b.successes = 0
		if b.state == BreakerHalfOpen {
			b.trip()
			return
		}
		b.failures++
		if b.failures >= b.tripAfter {
			b.trip()
		}
		return
	}

	if b.state == BreakerHalfOpen {
		b.successes++
		if b.successes >= b.probation {
			b.state = BreakerClosed
			b.failures = 0
			slog.Info("asr backend recovered, breaker closed", "backend", b.name)
		}
		return
	}
	b.failures = 0
}

// trip moves the breaker to open. Must be called with b.mu held.
func (b *Breaker) trip() {
	b.state = BreakerOpen
	b.trippedAt = time.Now()
	b.failures = 0
	slog.Warn("asr backend breaker tripped",
		"backend", b.name,
		"cooldown", b.cooldown)
}

// State returns the breaker's current mode. An open breaker whose cooldown
// has elapsed reports half-open; the transition itself happens on the next
// [Allow].
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerOpen && time.Since(b.trippedAt) >= b.cooldown {
		return BreakerHalfOpen
	}
	return b.state
}

// Reset forces the breaker back to closed, clearing all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = BreakerClosed
	b.failures = 0
	b.successes = 0
}
