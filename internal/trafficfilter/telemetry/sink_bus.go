// Package telemetry exposes matches on an in-process bus.
package telemetry

import (
	"context"
	"sync"

	"github.com/cskr/pubsub"

	"trafficfilter/internal/trafficfilter/core"
)

const busTopic = "matches"

// BusSink publishes match events on an in-process bus so other components
// can tap the match stream without touching the decision path.
type BusSink struct {
	bus       *pubsub.PubSub
	closeOnce sync.Once
}

// NewBusSink constructs a bus sink with the given per-subscriber capacity.
func NewBusSink(capacity int) *BusSink {
	if capacity <= 0 {
		capacity = 1024
	}
	return &BusSink{bus: pubsub.New(capacity)}
}

// Name identifies the sink.
func (s *BusSink) Name() string { return "bus" }

// Emit publishes one match event without blocking. Slow subscribers miss
// events rather than stalling delivery.
func (s *BusSink) Emit(ctx context.Context, ev core.MatchEvent) error {
	if s == nil || s.bus == nil {
		return nil
	}
	s.bus.TryPub(ev, busTopic)
	return nil
}

// Subscribe returns a channel of core.MatchEvent values.
func (s *BusSink) Subscribe() chan interface{} {
	if s == nil || s.bus == nil {
		return nil
	}
	return s.bus.Sub(busTopic)
}

// Unsubscribe detaches a subscriber channel.
func (s *BusSink) Unsubscribe(ch chan interface{}) {
	if s == nil || s.bus == nil || ch == nil {
		return
	}
	s.bus.Unsub(ch, busTopic)
}

// Close shuts the bus down, closing all subscriber channels. Safe to call
// more than once.
func (s *BusSink) Close() error {
	if s == nil || s.bus == nil {
		return nil
	}
	s.closeOnce.Do(s.bus.Shutdown)
	return nil
}
