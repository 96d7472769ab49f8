// Package telemetry guards flaky sinks with a circuit breaker.
package telemetry

import (
	"sync/atomic"
	"time"
)

// BreakerState represents breaker state.
type BreakerState int32

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerProbing
)

// String returns the state label.
func (s BreakerState) String() string {
	switch s {
	case BreakerOpen:
		return "open"
	case BreakerProbing:
		return "probing"
	default:
		return "closed"
	}
}

// BreakerOptions configures breaker thresholds.
type BreakerOptions struct {
	Threshold int64
	Cooldown  time.Duration
	Probes    int64
}

// Breaker stops emission to a sink after consecutive failures and probes it
// again once the cooldown passes.
type Breaker struct {
	state     atomic.Int32
	openUntil atomic.Int64
	failures  atomic.Int64
	probing   atomic.Int64
	opts      BreakerOptions
}

// NewBreaker constructs a breaker with defaults suited to network sinks.
func NewBreaker(opts BreakerOptions) *Breaker {
	if opts.Threshold <= 0 {
		opts.Threshold = 5
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = 5 * time.Second
	}
	if opts.Probes <= 0 {
		opts.Probes = 1
	}
	b := &Breaker{opts: opts}
	b.state.Store(int32(BreakerClosed))
	return b
}

// Allow reports whether an emission should proceed.
func (b *Breaker) Allow() bool {
	if b == nil {
		return true
	}
	switch BreakerState(b.state.Load()) {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if time.Now().UnixNano() >= b.openUntil.Load() {
			b.state.Store(int32(BreakerProbing))
			b.probing.Store(0)
			return true
		}
		return false
	case BreakerProbing:
		if b.probing.Add(1) <= b.opts.Probes {
			return true
		}
		b.probing.Add(-1)
		return false
	default:
		return true
	}
}

// Success records a successful emission.
func (b *Breaker) Success() {
	if b == nil {
		return
	}
	switch BreakerState(b.state.Load()) {
	case BreakerProbing:
		b.probing.Add(-1)
		b.failures.Store(0)
		b.state.Store(int32(BreakerClosed))
	case BreakerClosed:
		b.failures.Store(0)
	}
}

// Failure records a failed emission and updates state.
func (b *Breaker) Failure() {
	if b == nil {
		return
	}
	if BreakerState(b.state.Load()) == BreakerProbing {
		b.probing.Add(-1)
		b.failures.Store(b.opts.Threshold)
		b.openUntil.Store(time.Now().Add(b.opts.Cooldown).UnixNano())
		b.state.Store(int32(BreakerOpen))
		return
	}
	if b.failures.Add(1) >= b.opts.Threshold {
		b.openUntil.Store(time.Now().Add(b.opts.Cooldown).UnixNano())
		b.state.Store(int32(BreakerOpen))
	}
}

// State returns the current breaker state.
func (b *Breaker) State() BreakerState {
	if b == nil {
		return BreakerClosed
	}
	return BreakerState(b.state.Load())
}
