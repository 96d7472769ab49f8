// Package httptransport provides in flight tracking for graceful drains.
package httptransport

import (
	"context"
	"sync"
	"sync/atomic"
)

// InFlight tracks decision requests that are still being answered so a
// shutdown can drain them before the listener goes away.
type InFlight struct {
	n      atomic.Int64
	closed atomic.Bool
	ch     chan struct{}
	once   sync.Once
}

// NewInFlight constructs a new InFlight tracker.
func NewInFlight() *InFlight {
	return &InFlight{ch: make(chan struct{})}
}

// Begin registers a new in flight request. It reports false once the
// drain has started.
func (f *InFlight) Begin() bool {
	if f == nil {
		return false
	}
	if f.closed.Load() {
		return false
	}
	f.n.Add(1)
	if f.closed.Load() {
		if f.n.Add(-1) == 0 {
			f.drained()
		}
		return false
	}
	return true
}

// End marks a request as complete.
func (f *InFlight) End() {
	if f == nil {
		return
	}
	if f.n.Add(-1) == 0 && f.closed.Load() {
		f.drained()
	}
}

// Close starts the drain: no new requests are admitted afterwards.
func (f *InFlight) Close() {
	if f == nil {
		return
	}
	if !f.closed.CompareAndSwap(false, true) {
		return
	}
	if f.n.Load() == 0 {
		f.drained()
	}
}

func (f *InFlight) drained() {
	f.once.Do(func() { close(f.ch) })
}

// Draining reports whether the drain has started.
func (f *InFlight) Draining() bool {
	return f != nil && f.closed.Load()
}

// Wait blocks until drained or context done.
func (f *InFlight) Wait(ctx context.Context) error {
	if f == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-f.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
