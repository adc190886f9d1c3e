// Package resilience keeps transcription flowing when a backend degrades.
//
// [Breaker] is a three-state circuit breaker (closed, open, half-open); a
// tripped backend is bypassed instead of hammered. [FallbackGroup] chains
// several backends of one provider type behind per-backend breakers, and
// [TranscriberFallback] packages that chain as a plain [stt.Provider] for
// the pipeline.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrOpen is returned without invoking the call while a breaker is open.
var ErrOpen = errors.New("resilience: breaker open")

// BreakerState is a breaker's operating mode.
type BreakerState int

const (
	// BreakerClosed forwards every call.
	BreakerClosed BreakerState = iota

	// BreakerOpen rejects calls until the cooldown elapses.
	BreakerOpen

	// BreakerHalfOpen lets probe calls through to test recovery.
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

// BreakerConfig tunes a [Breaker]. Zero fields select defaults.
type BreakerConfig struct {
	// Name labels log lines.
	Name string

	// Threshold is the consecutive-failure count that trips the breaker.
	// Default: 3.
	Threshold int

	// Cooldown is how long a tripped breaker rejects calls before probing.
	// Default: 20s.
	Cooldown time.Duration

	// ProbeQuota is the consecutive probe successes required to close again.
	// Default: 2.
	ProbeQuota int
}

// Breaker is a consecutive-failure circuit breaker.
type Breaker struct {
	name       string
	threshold  int
	cooldown   time.Duration
	probeQuota int

	mu          sync.Mutex
	state       BreakerState
	failStreak  int
	probeStreak int
	trippedAt   time.Time
}

// NewBreaker creates a closed [Breaker].
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 3
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 20 * time.Second
	}
	if cfg.ProbeQuota <= 0 {
		cfg.ProbeQuota = 2
	}
	return &Breaker{
		name:       cfg.Name,
		threshold:  cfg.Threshold,
		cooldown:   cfg.Cooldown,
		probeQuota: cfg.ProbeQuota,
	}
}

// Execute runs fn unless the breaker rejects the call. The fn error is
// returned verbatim; rejections return [ErrOpen].
func (b *Breaker) Execute(fn func() error) error {
	if err := b.admit(); err != nil {
		return err
	}
	err := fn()
	b.settle(err)
	return err
}

func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerOpen {
		if time.Since(b.trippedAt) < b.cooldown {
			return ErrOpen
		}
		b.state = BreakerHalfOpen
		b.probeStreak = 0
		slog.Info("breaker probing", "name", b.name)
	}
	return nil
}

func (b *Breaker) settle(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil {
		b.trippedAt = time.Now()
		if b.state == BreakerHalfOpen {
			// A failed probe goes straight back to open.
			b.state = BreakerOpen
			slog.Warn("breaker re-opened", "name", b.name)
			return
		}
		b.failStreak++
		if b.failStreak >= b.threshold && b.state == BreakerClosed {
			b.state = BreakerOpen
			slog.Warn("breaker opened", "name", b.name, "failures", b.failStreak)
		}
		return
	}

	switch b.state {
	case BreakerHalfOpen:
		b.probeStreak++
		if b.probeStreak >= b.probeQuota {
			b.state = BreakerClosed
			b.failStreak = 0
			slog.Info("breaker closed", "name", b.name)
		}
	case BreakerClosed:
		b.failStreak = 0
	}
}

// State reports the effective state: an open breaker past its cooldown reads
// as half-open even before the next call performs the transition.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen && time.Since(b.trippedAt) >= b.cooldown {
		return BreakerHalfOpen
	}
	return b.state
}

// Reset forces the breaker closed and clears all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerClosed
	b.failStreak = 0
	b.probeStreak = 0
}
