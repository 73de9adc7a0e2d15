package messages

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// ErrInvalidSample is matched by every *InvalidSampleError.
var ErrInvalidSample = errors.New("invalid sample")

// InvalidSampleError reports which field of a sample was rejected.
type InvalidSampleError struct {
	Field  string
	Reason string
}

func (e *InvalidSampleError) Error() string {
	return fmt.Sprintf("invalid sample: %s %s", e.Field, e.Reason)
}

func (e *InvalidSampleError) Unwrap() error { return ErrInvalidSample }

// SensorSample is one line of the ingestion feed.
type SensorSample struct {
	FieldID     string    `json:"field_id"`
	Timestamp   time.Time `json:"sensor_ts"`
	SensorID    string    `json:"sensor_id"`
	MetricType  string    `json:"metric_type"`
	MetricValue float64   `json:"metric_value"`
	QualityFlag int       `json:"quality_flag"`
}

// Validate rejects samples the aggregator must never see. Timestamp order is not checked.
func (s SensorSample) Validate() error {
	if strings.TrimSpace(s.FieldID) == "" {
		return &InvalidSampleError{Field: "field_id", Reason: "is empty"}
	}
	if strings.TrimSpace(s.MetricType) == "" {
		return &InvalidSampleError{Field: "metric_type", Reason: "is empty"}
	}
	if math.IsNaN(s.MetricValue) || math.IsInf(s.MetricValue, 0) {
		return &InvalidSampleError{Field: "metric_value", Reason: fmt.Sprintf("is not finite (%v)", s.MetricValue)}
	}
	return nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999", // python isoformat() without offset, read as UTC
	"2006-01-02 15:04:05.999999999",
}

// ParseTimestamp accepts RFC3339 and offset-less ISO-8601 timestamps.
func ParseTimestamp(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", raw)
}

type rawSample struct {
	FieldID     string   `json:"field_id"`
	Timestamp   string   `json:"sensor_ts"`
	SensorID    string   `json:"sensor_id"`
	MetricType  string   `json:"metric_type"`
	MetricValue *float64 `json:"metric_value"`
	QualityFlag *int     `json:"quality_flag"`
}

// DecodeSample parses one feed line. Every failure, including malformed JSON and a
// missing or non-numeric metric_value, is reported as *InvalidSampleError.
func DecodeSample(line []byte) (SensorSample, error) {
	var raw rawSample
	if err := json.Unmarshal(line, &raw); err != nil {
		return SensorSample{}, &InvalidSampleError{Field: "payload", Reason: err.Error()}
	}
	if raw.MetricValue == nil {
		return SensorSample{}, &InvalidSampleError{Field: "metric_value", Reason: "is missing"}
	}
	s := SensorSample{
		FieldID:     raw.FieldID,
		SensorID:    raw.SensorID,
		MetricType:  raw.MetricType,
		MetricValue: *raw.MetricValue,
	}
	if raw.QualityFlag != nil {
		s.QualityFlag = *raw.QualityFlag
	}
	if strings.TrimSpace(raw.Timestamp) != "" {
		ts, err := ParseTimestamp(raw.Timestamp)
		if err != nil {
			return SensorSample{}, &InvalidSampleError{Field: "sensor_ts", Reason: err.Error()}
		}
		s.Timestamp = ts
	}
	if err := s.Validate(); err != nil {
		return SensorSample{}, err
	}
	return s, nil
}
