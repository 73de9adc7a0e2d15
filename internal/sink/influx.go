package sink

import (
	"context"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/LeonardoBeccarini/pasture_project/internal/model/messages"
)

// Influx measurement names.
const (
	MeasurementFieldMetric = "field_metric"
	MeasurementSystemEvent = "system_event"
)

// PointWriter is satisfied by api.WriteAPIBlocking and by the event service writer.
type PointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

// InfluxSink writes aggregates as field_metric points and alerts as system_event points.
type InfluxSink struct {
	w      PointWriter
	source string
	now    func() time.Time
}

func NewInfluxSink(w PointWriter, sourceService string) *InfluxSink {
	return &InfluxSink{w: w, source: sourceService, now: time.Now}
}

func (s *InfluxSink) Name() string { return "influx" }

func (s *InfluxSink) WriteLatest(ctx context.Context, agg messages.LatestAggregate) error {
	return s.w.WritePoint(ctx, AggregateToPoint(agg, s.now))
}

func (s *InfluxSink) WriteAlert(ctx context.Context, alert messages.AlertEvent) error {
	return s.w.WritePoint(ctx, AlertToPoint(alert, s.source, s.now))
}

// AggregateToPoint tags by field and metric; a zero sensor timestamp falls back to now.
func AggregateToPoint(agg messages.LatestAggregate, now func() time.Time) *write.Point {
	tags := map[string]string{
		"field_id": agg.FieldID,
		"metric":   agg.MetricType,
	}
	fields := map[string]interface{}{
		"latest": agg.Latest,
		"mean":   agg.Mean,
		"count":  int64(agg.Count),
	}
	return influxdb2.NewPoint(MeasurementFieldMetric, tags, fields, pointTime(agg.Timestamp, now))
}

// AlertToPoint normalizes an alert into the shared system_event measurement.
// Event type is "alert.<alert_type>"; payload entries become fields.
func AlertToPoint(alert messages.AlertEvent, source string, now func() time.Time) *write.Point {
	tags := map[string]string{
		"event_type":     "alert." + alert.AlertType,
		"source_service": source,
		"severity":       alert.Severity(),
	}
	if alert.FieldID != "" {
		tags["field_id"] = alert.FieldID
	}
	if alert.Policy != "" {
		tags["policy"] = alert.Policy
	}

	fields := map[string]interface{}{}
	for k, v := range alert.Payload {
		if k == "severity" {
			continue
		}
		fields[k] = v
	}
	if alert.ID != "" {
		fields["alert_id"] = alert.ID
	}
	// at least one field so the point is never rejected
	if _, ok := fields["count"]; !ok {
		fields["count"] = int64(1)
	}
	return influxdb2.NewPoint(MeasurementSystemEvent, tags, fields, pointTime(alert.Timestamp, now))
}

func pointTime(t time.Time, now func() time.Time) time.Time {
	if t.IsZero() {
		if now == nil {
			return time.Now()
		}
		return now()
	}
	return t
}
