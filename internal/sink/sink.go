// Package sink holds the write side of the pipeline: every backend the aggregated
// state and the alerts can be delivered to, behind one MetricSink interface.
package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"

	"github.com/LeonardoBeccarini/pasture_project/internal/model/messages"
)

// MetricSink receives the output of the aggregator. Implementations decide whether a
// write reaches a backend; callers never branch on which variant they hold.
type MetricSink interface {
	Name() string
	WriteLatest(ctx context.Context, agg messages.LatestAggregate) error
	WriteAlert(ctx context.Context, alert messages.AlertEvent) error
}

// LogSink writes nothing and logs what a real sink would have written (dry run).
type LogSink struct {
	name   string
	logger *slog.Logger
}

func NewLogSink(name string, logger *slog.Logger) *LogSink {
	if name == "" {
		name = "log"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{name: name, logger: logger}
}

func (s *LogSink) Name() string { return s.name }

func (s *LogSink) WriteLatest(ctx context.Context, agg messages.LatestAggregate) error {
	s.logger.DebugContext(ctx, "dry-run latest",
		"sink", s.name, "key", latestKey(agg.FieldID), "fields", agg.Fields())
	return nil
}

func (s *LogSink) WriteAlert(ctx context.Context, alert messages.AlertEvent) error {
	s.logger.InfoContext(ctx, "dry-run alert",
		"sink", s.name, "field_id", alert.FieldID, "alert_type", alert.AlertType,
		"policy", alert.Policy, "payload", alert.Payload)
	return nil
}

// Fanout delivers to every child and joins their errors. One failing child never
// prevents delivery to the others.
type Fanout struct {
	sinks []MetricSink
}

func NewFanout(sinks ...MetricSink) *Fanout {
	out := make([]MetricSink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return &Fanout{sinks: out}
}

func (f *Fanout) Name() string { return "fanout" }

// Sinks returns the children in delivery order.
func (f *Fanout) Sinks() []MetricSink { return f.sinks }

func (f *Fanout) WriteLatest(ctx context.Context, agg messages.LatestAggregate) error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.WriteLatest(ctx, agg); err != nil {
			errs = append(errs, &Error{Sink: s.Name(), Err: err})
		}
	}
	return errors.Join(errs...)
}

func (f *Fanout) WriteAlert(ctx context.Context, alert messages.AlertEvent) error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.WriteAlert(ctx, alert); err != nil {
			errs = append(errs, &Error{Sink: s.Name(), Err: err})
		}
	}
	return errors.Join(errs...)
}

// Error tags a write failure with the sink that produced it.
type Error struct {
	Sink string
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("sink %s: %v", e.Sink, e.Err) }

func (e *Error) Unwrap() error { return e.Err }

// FailedSinks lists the sink names found in err, in order. Works on joined errors.
func FailedSinks(err error) []string {
	if err == nil {
		return nil
	}
	var out []string
	var walk func(error)
	walk = func(e error) {
		if j, ok := e.(interface{ Unwrap() []error }); ok {
			for _, c := range j.Unwrap() {
				walk(c)
			}
			return
		}
		var se *Error
		if errors.As(e, &se) {
			out = append(out, se.Sink)
		}
	}
	walk(err)
	return out
}

func latestKey(fieldID string) string { return "field:" + fieldID }

// flatten turns a payload into sorted key/value pairs so backend writes are stable.
func flatten(m map[string]any) []any {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]any, 0, 2*len(keys))
	for _, k := range keys {
		out = append(out, k, m[k])
	}
	return out
}

func formatValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprint(t)
	}
}
