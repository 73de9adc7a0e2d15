package aggregator

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/LeonardoBeccarini/pasture_project/internal/model/messages"
	"github.com/LeonardoBeccarini/pasture_project/internal/sink"
)

const maxLineBytes = 1 << 20

// Pipeline connects the feed to the aggregator and the aggregator to a sink.
type Pipeline struct {
	agg     *RollingMetricAggregator
	sink    sink.MetricSink
	metrics *Metrics
	logger  *slog.Logger
	newID   func() string
	now     func() time.Time
}

// NewPipeline wires agg to out. metrics may be nil.
func NewPipeline(agg *RollingMetricAggregator, out sink.MetricSink, metrics *Metrics, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if out == nil {
		out = sink.NewLogSink("log", logger)
	}
	return &Pipeline{
		agg:     agg,
		sink:    out,
		metrics: metrics,
		logger:  logger,
		newID:   uuid.NewString,
		now:     time.Now,
	}
}

func (p *Pipeline) Aggregator() *RollingMetricAggregator { return p.agg }

func (p *Pipeline) Metrics() *Metrics { return p.metrics }

// Handle decodes one JSON sample and processes it. Invalid samples are counted and
// returned as *messages.InvalidSampleError; sink failures come back joined after the
// window has already been updated.
func (p *Pipeline) Handle(ctx context.Context, payload []byte) error {
	s, err := messages.DecodeSample(payload)
	if err != nil {
		p.metrics.rejected()
		p.logger.WarnContext(ctx, "dropping invalid sample", "error", err)
		return err
	}
	_, err = p.Ingest(ctx, s)
	return err
}

// Ingest runs a decoded sample through the aggregator and delivers the results.
// It returns the alerts raised, stamped with ids.
func (p *Pipeline) Ingest(ctx context.Context, s messages.SensorSample) ([]messages.AlertEvent, error) {
	start := p.now()
	agg, alerts, err := p.agg.Ingest(s)
	if err != nil {
		p.metrics.rejected()
		return nil, err
	}
	p.metrics.ingested(s.MetricType)
	p.metrics.trackWindows(p.agg.Keys())

	var errs []error
	if err := p.sink.WriteLatest(ctx, agg); err != nil {
		errs = append(errs, err)
		p.sinkFailed(ctx, err, "latest", agg.FieldID)
	}
	for i := range alerts {
		alerts[i].ID = p.newID()
		p.metrics.alert(alerts[i].Policy, alerts[i].AlertType)
		p.logger.InfoContext(ctx, "alert raised",
			"id", alerts[i].ID, "field_id", alerts[i].FieldID,
			"alert_type", alerts[i].AlertType, "policy", alerts[i].Policy)
		if err := p.sink.WriteAlert(ctx, alerts[i]); err != nil {
			errs = append(errs, err)
			p.sinkFailed(ctx, err, "alert", alerts[i].FieldID)
		}
	}
	p.metrics.observe(p.now().Sub(start).Seconds())
	return alerts, errors.Join(errs...)
}

func (p *Pipeline) sinkFailed(ctx context.Context, err error, kind, fieldID string) {
	names := sink.FailedSinks(err)
	if len(names) == 0 {
		names = []string{p.sink.Name()}
	}
	for _, n := range names {
		p.metrics.sinkError(n)
	}
	p.logger.ErrorContext(ctx, "sink write failed", "kind", kind, "field_id", fieldID, "sinks", names, "error", err)
}

// ReplayStats summarizes a batch replay.
type ReplayStats struct {
	Lines      int `json:"lines"`
	Ingested   int `json:"ingested"`
	Invalid    int `json:"invalid"`
	Alerts     int `json:"alerts"`
	SinkErrors int `json:"sink_errors"`
	Windows    int `json:"windows"`
}

// Replay feeds a JSONL stream through the pipeline in order. Blank lines are
// skipped, invalid lines counted; it stops early only when ctx is done or the
// reader fails.
func (p *Pipeline) Replay(ctx context.Context, r io.Reader) (ReplayStats, error) {
	var st ReplayStats
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			st.Windows = p.agg.Keys()
			return st, err
		}
		line := sc.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		st.Lines++
		s, err := messages.DecodeSample(line)
		if err != nil {
			st.Invalid++
			p.metrics.rejected()
			p.logger.DebugContext(ctx, "replay: invalid line", "line", st.Lines, "error", err)
			continue
		}
		alerts, err := p.Ingest(ctx, s)
		switch {
		case errors.Is(err, messages.ErrInvalidSample):
			st.Invalid++
			continue
		case err != nil:
			st.SinkErrors++
		}
		st.Ingested++
		st.Alerts += len(alerts)
	}
	st.Windows = p.agg.Keys()
	if err := sc.Err(); err != nil {
		return st, fmt.Errorf("read replay input: %w", err)
	}
	return st, nil
}

// ReplayFile replays a JSONL file; "-" reads stdin.
func (p *Pipeline) ReplayFile(ctx context.Context, path string) (ReplayStats, error) {
	if path == "-" {
		return p.Replay(ctx, os.Stdin)
	}
	f, err := os.Open(path)
	if err != nil {
		return ReplayStats{}, err
	}
	defer f.Close()
	return p.Replay(ctx, f)
}
