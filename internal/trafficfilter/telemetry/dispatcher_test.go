package telemetry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"trafficfilter/internal/trafficfilter/core"
)

type fakeSink struct {
	mu     sync.Mutex
	name   string
	events []core.MatchEvent
	fail   bool
	gate   chan struct{}
}

func (s *fakeSink) Name() string { return s.name }

func (s *fakeSink) Emit(ctx context.Context, ev core.MatchEvent) error {
	if s.gate != nil {
		<-s.gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("sink unavailable")
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *fakeSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func (s *fakeSink) all() []core.MatchEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.MatchEvent, len(s.events))
	copy(out, s.events)
	return out
}

type countingMetrics struct {
	mu       sync.Mutex
	outcomes map[string]int
}

func (m *countingMetrics) IncDecision(action string, mode string) {}
func (m *countingMetrics) ObserveResolve(d time.Duration)         {}
func (m *countingMetrics) IncReload(result string)                {}
func (m *countingMetrics) IncAnomaly(ruleType string)             {}

func (m *countingMetrics) IncTelemetry(sink string, result string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.outcomes == nil {
		m.outcomes = make(map[string]int)
	}
	m.outcomes[sink+"/"+result]++
}

func (m *countingMetrics) get(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outcomes[key]
}

func TestDispatcher_FansOutToAllSinks(t *testing.T) {
	t.Parallel()

	first := &fakeSink{name: "first"}
	second := &fakeSink{name: "second"}
	d := NewDispatcher(DispatcherOptions{}, first, second)
	defer d.Close()

	d.Record(core.MatchEvent{RuleID: "rule-a", Action: core.ActionBlock})

	deadline := time.Now().Add(time.Second)
	for first.len() == 0 || second.len() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("event did not reach both sinks: %d %d", first.len(), second.len())
		}
		time.Sleep(time.Millisecond)
	}
	if got := first.all()[0].RuleID; got != "rule-a" {
		t.Fatalf("unexpected rule id: %s", got)
	}
}

func TestDispatcher_AssignsEventIdentity(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{name: "sink"}
	d := NewDispatcher(DispatcherOptions{Workers: 1}, sink)

	d.Record(core.MatchEvent{RuleID: "rule-a"})
	d.Record(core.MatchEvent{RuleID: "rule-b"})
	d.Record(core.MatchEvent{RuleID: "rule-c", ID: "preset"})
	if err := d.Close(); err != nil {
		t.Fatalf("unexpected close error: %v", err)
	}

	events := sink.all()
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[0].ID == "" || events[1].ID == "" {
		t.Fatalf("expected assigned ids, got %q %q", events[0].ID, events[1].ID)
	}
	if events[0].ID == events[1].ID {
		t.Fatalf("expected distinct ids")
	}
	if events[2].ID != "preset" {
		t.Fatalf("expected preset id to survive, got %q", events[2].ID)
	}
	for _, ev := range events {
		if ev.Timestamp.IsZero() {
			t.Fatalf("expected a timestamp on delivery")
		}
	}
}

func TestDispatcher_CloseDrainsBuffered(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{name: "sink"}
	d := NewDispatcher(DispatcherOptions{BufferSize: 256, Workers: 2}, sink)

	const events = 100
	for i := 0; i < events; i++ {
		d.Record(core.MatchEvent{RuleID: "rule-a"})
	}
	if err := d.Close(); err != nil {
		t.Fatalf("unexpected close error: %v", err)
	}

	if got := sink.len(); got != events {
		t.Fatalf("expected %d delivered after close, got %d", events, got)
	}
	stats := d.Stats()
	if stats.Delivered != events || stats.Dropped != 0 {
		t.Fatalf("unexpected stats: %#v", stats)
	}
}

func TestDispatcher_FullBufferDropsWithoutBlocking(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	sink := &fakeSink{name: "slow", gate: gate}
	d := NewDispatcher(DispatcherOptions{BufferSize: 1, Workers: 1}, sink)

	// First event occupies the worker; give it a moment to be picked up.
	d.Record(core.MatchEvent{RuleID: "in-flight"})
	time.Sleep(10 * time.Millisecond)

	// Second fills the buffer, the rest must drop immediately.
	d.Record(core.MatchEvent{RuleID: "buffered"})
	start := time.Now()
	for i := 0; i < 10; i++ {
		d.Record(core.MatchEvent{RuleID: "dropped"})
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Fatalf("record blocked for %v", elapsed)
	}

	close(gate)
	if err := d.Close(); err != nil {
		t.Fatalf("unexpected close error: %v", err)
	}

	stats := d.Stats()
	if stats.Dropped != 10 {
		t.Fatalf("expected 10 drops, got %d", stats.Dropped)
	}
	if sink.len() != 2 {
		t.Fatalf("expected 2 delivered, got %d", sink.len())
	}
}

func TestDispatcher_SinkFailureDoesNotStopOthers(t *testing.T) {
	t.Parallel()

	broken := &fakeSink{name: "broken", fail: true}
	healthy := &fakeSink{name: "healthy"}
	metrics := &countingMetrics{}
	d := NewDispatcher(DispatcherOptions{Workers: 1, Metrics: metrics}, broken, healthy)

	d.Record(core.MatchEvent{RuleID: "rule-a"})
	if err := d.Close(); err != nil {
		t.Fatalf("unexpected close error: %v", err)
	}

	if healthy.len() != 1 {
		t.Fatalf("expected healthy sink to receive the event, got %d", healthy.len())
	}
	if metrics.get("broken/error") != 1 || metrics.get("healthy/ok") != 1 {
		t.Fatalf("unexpected telemetry outcomes: %#v", metrics.outcomes)
	}
}

func TestDispatcher_CloseTwiceIsSafe(t *testing.T) {
	t.Parallel()

	d := NewDispatcher(DispatcherOptions{}, &fakeSink{name: "sink"})
	if err := d.Close(); err != nil {
		t.Fatalf("unexpected close error: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("unexpected second close error: %v", err)
	}
}
