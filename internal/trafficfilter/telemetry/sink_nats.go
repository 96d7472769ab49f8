// Package telemetry ships match events to NATS.
package telemetry

import (
	"context"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"

	"trafficfilter/internal/trafficfilter/core"
	"trafficfilter/internal/trafficfilter/observability"
)

// ErrSinkOpen reports an emission skipped because the breaker is open.
var ErrSinkOpen = errors.New("sink breaker is open")

// natsConn is the subset of *nats.Conn the sink uses.
type natsConn interface {
	Publish(subject string, data []byte) error
	IsConnected() bool
	Drain() error
}

// NATSSinkOptions configures the NATS sink.
type NATSSinkOptions struct {
	URL     string
	Subject string
	Breaker BreakerOptions
	Logger  observability.Logger
}

// NATSSink publishes match events to a NATS subject hierarchy keyed by
// backend and action, guarded by a circuit breaker.
type NATSSink struct {
	conn    natsConn
	subject string
	breaker *Breaker
}

// NewNATSSink connects to NATS and constructs the sink.
func NewNATSSink(opts NATSSinkOptions) (*NATSSink, error) {
	if opts.URL == "" {
		return nil, errors.New("nats url is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = observability.NopLogger{}
	}
	conn, err := nats.Connect(opts.URL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.Timeout(5*time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			fields := map[string]any{}
			if err != nil {
				fields["error"] = err.Error()
			}
			logger.Warn("nats disconnected", fields)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", map[string]any{"url": nc.ConnectedUrl()})
		}),
	)
	if err != nil {
		return nil, errors.Wrap(err, "connect to nats")
	}
	return newNATSSink(conn, opts), nil
}

func newNATSSink(conn natsConn, opts NATSSinkOptions) *NATSSink {
	subject := opts.Subject
	if subject == "" {
		subject = "trafficfilter.matches"
	}
	return &NATSSink{
		conn:    conn,
		subject: subject,
		breaker: NewBreaker(opts.Breaker),
	}
}

// Name identifies the sink.
func (s *NATSSink) Name() string { return "nats" }

// Emit publishes one match event to <subject>.<backend>.<action>.
func (s *NATSSink) Emit(ctx context.Context, ev core.MatchEvent) error {
	if s == nil || s.conn == nil {
		return nil
	}
	if !s.breaker.Allow() {
		return ErrSinkOpen
	}
	data, err := MarshalMatchEvent(ev)
	if err != nil {
		return errors.Wrap(err, "marshal match event")
	}
	subject := s.subject + "." + subjectToken(ev.BackendID) + "." + string(ev.Action)
	if err := s.conn.Publish(subject, data); err != nil {
		s.breaker.Failure()
		return errors.Wrap(err, "publish match event")
	}
	s.breaker.Success()
	return nil
}

// subjectToken makes a backend ID safe as one subject token. Events without
// a backend publish under "_".
func subjectToken(v string) string {
	if v == "" {
		return "_"
	}
	var b strings.Builder
	for _, r := range v {
		switch r {
		case '.', ' ', '*', '>':
			b.WriteByte('-')
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Connected reports whether the NATS connection is up.
func (s *NATSSink) Connected() bool {
	if s == nil || s.conn == nil {
		return false
	}
	return s.conn.IsConnected()
}

// Close drains the connection.
func (s *NATSSink) Close() error {
	if s == nil || s.conn == nil {
		return nil
	}
	return s.conn.Drain()
}
