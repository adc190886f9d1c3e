package resilience

import (
	"errors"
	"testing"
	"time"
)

var errBackend = errors.New("backend down")

func trip(b *Breaker, failures int) {
	for i := 0; i < failures; i++ {
		_ = b.Execute(func() error { return errBackend })
	}
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	t.Parallel()

	b := NewBreaker(BreakerConfig{Name: "test", Threshold: 3, Cooldown: time.Hour})

	trip(b, 2)
	if b.State() != BreakerClosed {
		t.Fatalf("state after 2 failures = %v, want closed", b.State())
	}
	trip(b, 1)
	if b.State() != BreakerOpen {
		t.Fatalf("state after 3 failures = %v, want open", b.State())
	}

	err := b.Execute(func() error {
		t.Fatal("call must not reach an open breaker")
		return nil
	})
	if !errors.Is(err, ErrOpen) {
		t.Errorf("Execute on open breaker = %v, want ErrOpen", err)
	}
}

func TestBreaker_SuccessResetsStreak(t *testing.T) {
	t.Parallel()

	b := NewBreaker(BreakerConfig{Threshold: 3, Cooldown: time.Hour})
	trip(b, 2)
	_ = b.Execute(func() error { return nil })
	trip(b, 2)
	if b.State() != BreakerClosed {
		t.Errorf("interleaved successes must keep the breaker closed, got %v", b.State())
	}
}

func TestBreaker_ClosesAfterProbes(t *testing.T) {
	t.Parallel()

	b := NewBreaker(BreakerConfig{Threshold: 1, Cooldown: 10 * time.Millisecond, ProbeQuota: 2})
	trip(b, 1)
	time.Sleep(20 * time.Millisecond)

	if b.State() != BreakerHalfOpen {
		t.Fatalf("state after cooldown = %v, want half-open", b.State())
	}
	for i := 0; i < 2; i++ {
		if err := b.Execute(func() error { return nil }); err != nil {
			t.Fatalf("probe %d rejected: %v", i, err)
		}
	}
	if b.State() != BreakerClosed {
		t.Errorf("state after successful probes = %v, want closed", b.State())
	}
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	t.Parallel()

	b := NewBreaker(BreakerConfig{Threshold: 1, Cooldown: 10 * time.Millisecond})
	trip(b, 1)
	time.Sleep(20 * time.Millisecond)

	_ = b.Execute(func() error { return errBackend })
	if err := b.Execute(func() error { return nil }); !errors.Is(err, ErrOpen) {
		t.Errorf("call after failed probe = %v, want ErrOpen", err)
	}
}

func TestBreaker_Reset(t *testing.T) {
	t.Parallel()

	b := NewBreaker(BreakerConfig{Threshold: 1, Cooldown: time.Hour})
	trip(b, 1)
	b.Reset()
	if b.State() != BreakerClosed {
		t.Errorf("state after Reset = %v, want closed", b.State())
	}
	if err := b.Execute(func() error { return nil }); err != nil {
		t.Errorf("Execute after Reset: %v", err)
	}
}
