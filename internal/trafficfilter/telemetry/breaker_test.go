package telemetry

import (
	"testing"
	"time"
)

func TestBreaker_OpensAndRecovers(t *testing.T) {
	t.Parallel()

	b := NewBreaker(BreakerOptions{Threshold: 2, Cooldown: 30 * time.Millisecond, Probes: 1})
	if !b.Allow() {
		t.Fatalf("expected allow in closed state")
	}
	b.Failure()
	b.Failure()
	if b.Allow() {
		t.Fatalf("expected breaker to be open")
	}
	if got := b.State(); got != BreakerOpen {
		t.Fatalf("expected open state, got %s", got)
	}

	time.Sleep(35 * time.Millisecond)
	if !b.Allow() {
		t.Fatalf("expected breaker to allow a probe")
	}
	b.Success()
	if got := b.State(); got != BreakerClosed {
		t.Fatalf("expected closed state after probe success, got %s", got)
	}
	if !b.Allow() {
		t.Fatalf("expected breaker to close after success")
	}
}

func TestBreaker_ProbeFailureReopens(t *testing.T) {
	t.Parallel()

	b := NewBreaker(BreakerOptions{Threshold: 1, Cooldown: 20 * time.Millisecond, Probes: 1})
	b.Failure()
	if b.Allow() {
		t.Fatalf("expected breaker to be open")
	}

	time.Sleep(25 * time.Millisecond)
	if !b.Allow() {
		t.Fatalf("expected a probe after the cooldown")
	}
	b.Failure()
	if b.Allow() {
		t.Fatalf("expected breaker to reopen after failed probe")
	}
	if got := b.State(); got != BreakerOpen {
		t.Fatalf("expected open state, got %s", got)
	}
}

func TestBreaker_ProbeBudgetBounded(t *testing.T) {
	t.Parallel()

	b := NewBreaker(BreakerOptions{Threshold: 1, Cooldown: 10 * time.Millisecond, Probes: 1})
	b.Failure()
	time.Sleep(15 * time.Millisecond)

	// The transition call itself probes, then one tracked probe may follow.
	if !b.Allow() {
		t.Fatalf("expected transition probe to pass")
	}
	if !b.Allow() {
		t.Fatalf("expected tracked probe to pass")
	}
	if b.Allow() {
		t.Fatalf("expected further concurrent probes to be rejected")
	}
}

func TestBreaker_SuccessResetsFailureStreak(t *testing.T) {
	t.Parallel()

	b := NewBreaker(BreakerOptions{Threshold: 3, Cooldown: time.Second, Probes: 1})
	b.Failure()
	b.Failure()
	b.Success()
	b.Failure()
	b.Failure()
	if !b.Allow() {
		t.Fatalf("expected interleaved successes to keep the breaker closed")
	}
}
