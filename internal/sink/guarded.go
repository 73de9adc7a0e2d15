package sink

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/LeonardoBeccarini/pasture_project/internal/model/messages"
)

// GuardOptions tunes the breaker and retry wrapped around a sink.
type GuardOptions struct {
	MaxRetries   int           // retries after the first attempt
	InitialDelay time.Duration // first backoff interval
	MaxDelay     time.Duration
	TripAfter    uint32        // consecutive failures that open the breaker
	OpenFor      time.Duration // how long the breaker stays open
	Interval     time.Duration // closed-state count reset, 0 never resets

	OnStateChange func(name string, from, to gobreaker.State)
}

func (o *GuardOptions) applyDefaults() {
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.InitialDelay <= 0 {
		o.InitialDelay = 100 * time.Millisecond
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 2 * time.Second
	}
	if o.TripAfter == 0 {
		o.TripAfter = 5
	}
	if o.OpenFor <= 0 {
		o.OpenFor = 10 * time.Second
	}
}

// Guarded retries transient failures of the inner sink with exponential backoff and
// stops calling it while its circuit breaker is open.
type Guarded struct {
	inner MetricSink
	cb    *gobreaker.CircuitBreaker
	opts  GuardOptions
}

func NewGuarded(inner MetricSink, opts GuardOptions) *Guarded {
	opts.applyDefaults()
	st := gobreaker.Settings{
		Name:     inner.Name(),
		Interval: opts.Interval,
		Timeout:  opts.OpenFor,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= opts.TripAfter
		},
		OnStateChange: opts.OnStateChange,
	}
	return &Guarded{inner: inner, cb: gobreaker.NewCircuitBreaker(st), opts: opts}
}

func (g *Guarded) Name() string { return g.inner.Name() }

// State exposes the breaker state for health endpoints.
func (g *Guarded) State() gobreaker.State { return g.cb.State() }

func (g *Guarded) WriteLatest(ctx context.Context, agg messages.LatestAggregate) error {
	return g.do(ctx, func() error { return g.inner.WriteLatest(ctx, agg) })
}

func (g *Guarded) WriteAlert(ctx context.Context, alert messages.AlertEvent) error {
	return g.do(ctx, func() error { return g.inner.WriteAlert(ctx, alert) })
}

func (g *Guarded) do(ctx context.Context, write func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = g.opts.InitialDelay
	bo.MaxInterval = g.opts.MaxDelay
	bo.MaxElapsedTime = 0

	return backoff.Retry(func() error {
		_, err := g.cb.Execute(func() (interface{}, error) {
			return nil, write()
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(g.opts.MaxRetries)), ctx))
}

// LogStateChanges returns an OnStateChange hook that logs breaker transitions.
func LogStateChanges(logger *slog.Logger) func(name string, from, to gobreaker.State) {
	if logger == nil {
		logger = slog.Default()
	}
	return func(name string, from, to gobreaker.State) {
		logger.Warn("sink breaker state change", "sink", name, "from", from.String(), "to", to.String())
	}
}
