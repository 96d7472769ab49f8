// Package telemetry fans match events out to configured sinks.
package telemetry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"trafficfilter/internal/trafficfilter/core"
	"trafficfilter/internal/trafficfilter/observability"
)

// Sink is a telemetry backend. Emit may block or fail; the dispatcher
// isolates the decision path from both.
type Sink interface {
	Name() string
	Emit(ctx context.Context, ev core.MatchEvent) error
}

// DispatcherOptions configures the telemetry dispatcher.
type DispatcherOptions struct {
	BufferSize   int
	Workers      int
	DrainTimeout time.Duration
	Logger       observability.Logger
	Metrics      observability.Metrics
}

// DispatcherStats reports dispatcher throughput counters.
type DispatcherStats struct {
	Delivered int64
	Dropped   int64
	Queued    int
}

// Dispatcher buffers match events and delivers them to sinks off the
// decision path. Enqueueing never blocks; events are dropped when the
// buffer is full.
type Dispatcher struct {
	sinks        []Sink
	queue        chan core.MatchEvent
	stop         chan struct{}
	stopOnce     sync.Once
	wg           sync.WaitGroup
	drainTimeout time.Duration
	logger       observability.Logger
	metrics      observability.Metrics
	delivered    atomic.Int64
	dropped      atomic.Int64
}

// NewDispatcher constructs a dispatcher and starts its workers.
func NewDispatcher(opts DispatcherOptions, sinks ...Sink) *Dispatcher {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 4096
	}
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = 5 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = observability.NopLogger{}
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = observability.NoopMetrics{}
	}
	d := &Dispatcher{
		sinks:        sinks,
		queue:        make(chan core.MatchEvent, opts.BufferSize),
		stop:         make(chan struct{}),
		drainTimeout: opts.DrainTimeout,
		logger:       logger,
		metrics:      metrics,
	}
	for i := 0; i < opts.Workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Record enqueues a match event without blocking. Full buffers drop the
// event and count the drop.
func (d *Dispatcher) Record(ev core.MatchEvent) {
	if d == nil {
		return
	}
	select {
	case d.queue <- ev:
	default:
		d.dropped.Add(1)
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	ctx := context.Background()
	for {
		select {
		case ev := <-d.queue:
			d.deliver(ctx, ev)
		case <-d.stop:
			for {
				select {
				case ev := <-d.queue:
					d.deliver(ctx, ev)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, ev core.MatchEvent) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	for _, sink := range d.sinks {
		if sink == nil {
			continue
		}
		if err := sink.Emit(ctx, ev); err != nil {
			d.metrics.IncTelemetry(sink.Name(), "error")
			d.logger.Debug("telemetry emit failed", map[string]any{
				"sink":    sink.Name(),
				"rule_id": ev.RuleID,
				"error":   err.Error(),
			})
			continue
		}
		d.metrics.IncTelemetry(sink.Name(), "ok")
	}
	d.delivered.Add(1)
}

// Close stops the workers after draining buffered events. It returns an
// error when the drain exceeds the configured timeout.
func (d *Dispatcher) Close() error {
	if d == nil {
		return nil
	}
	d.stopOnce.Do(func() { close(d.stop) })

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(d.drainTimeout):
		return errors.New("telemetry drain timed out")
	}
}

// Stats returns throughput counters.
func (d *Dispatcher) Stats() DispatcherStats {
	if d == nil {
		return DispatcherStats{}
	}
	return DispatcherStats{
		Delivered: d.delivered.Load(),
		Dropped:   d.dropped.Load(),
		Queued:    len(d.queue),
	}
}
