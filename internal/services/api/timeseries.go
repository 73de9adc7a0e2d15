package api

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/LeonardoBeccarini/pasture_project/internal/model/messages"
)

// MeasurementSensorData holds raw sensor rows, one point per sample.
const MeasurementSensorData = "sensor_data"

// TimeseriesStore keeps raw sensor rows per field.
type TimeseriesStore interface {
	WriteSamples(ctx context.Context, rows []messages.SensorSample) error
	// Series returns up to limit rows for fieldID, newest first. metric may be empty.
	Series(ctx context.Context, fieldID, metric string, limit int) ([]messages.SensorSample, error)
}

// InfluxTimeseries writes with the blocking API so ingest can report failures.
type InfluxTimeseries struct {
	Write    api.WriteAPIBlocking
	Query    api.QueryAPI
	Bucket   string
	Lookback time.Duration
}

// SampleToPoint tags by field, sensor and metric; value and quality are fields.
func SampleToPoint(s messages.SensorSample) *write.Point {
	return influxdb2.NewPoint(MeasurementSensorData,
		map[string]string{
			"field_id":    s.FieldID,
			"sensor_id":   s.SensorID,
			"metric_type": s.MetricType,
		},
		map[string]interface{}{
			"metric_value": s.MetricValue,
			"quality_flag": int64(s.QualityFlag),
		},
		s.Timestamp)
}

func (t InfluxTimeseries) WriteSamples(ctx context.Context, rows []messages.SensorSample) error {
	points := make([]*write.Point, 0, len(rows))
	for _, r := range rows {
		points = append(points, SampleToPoint(r))
	}
	if err := t.Write.WritePoint(ctx, points...); err != nil {
		return fmt.Errorf("%w: write samples: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// BuildSeriesFlux pivots value and quality back onto one row per sample.
func BuildSeriesFlux(bucket, fieldID, metric string, lookback time.Duration, limit int) string {
	metricFilter := ""
	if metric != "" {
		metricFilter = fmt.Sprintf(" and r.metric_type == %q", metric)
	}
	return fmt.Sprintf(`
from(bucket: %q)
  |> range(start: -%ds)
  |> filter(fn: (r) => r._measurement == %q and r.field_id == %q%s)
  |> pivot(rowKey: ["_time"], columnKey: ["_field"], valueColumn: "_value")
  |> group()
  |> sort(columns: ["_time"], desc: true)
  |> limit(n: %d)
`, bucket, int64(lookback/time.Second), MeasurementSensorData, fieldID, metricFilter, limit)
}

func (t InfluxTimeseries) Series(ctx context.Context, fieldID, metric string, limit int) ([]messages.SensorSample, error) {
	lookback := t.Lookback
	if lookback <= 0 {
		lookback = 30 * 24 * time.Hour
	}
	res, err := t.Query.Query(ctx, BuildSeriesFlux(t.Bucket, fieldID, metric, lookback, limit))
	if err != nil {
		return nil, fmt.Errorf("%w: query series: %v", ErrStoreUnavailable, err)
	}
	defer res.Close()

	out := []messages.SensorSample{}
	for res.Next() {
		out = append(out, recordToSample(res.Record().Values(), res.Record().Time()))
	}
	if err := res.Err(); err != nil {
		return nil, fmt.Errorf("%w: read series: %v", ErrStoreUnavailable, err)
	}
	return out, nil
}

func recordToSample(v map[string]interface{}, t time.Time) messages.SensorSample {
	s := messages.SensorSample{Timestamp: t.UTC()}
	s.FieldID, _ = v["field_id"].(string)
	s.SensorID, _ = v["sensor_id"].(string)
	s.MetricType, _ = v["metric_type"].(string)
	switch x := v["metric_value"].(type) {
	case float64:
		s.MetricValue = x
	case int64:
		s.MetricValue = float64(x)
	}
	if q, ok := v["quality_flag"].(int64); ok {
		s.QualityFlag = int(q)
	}
	return s
}
