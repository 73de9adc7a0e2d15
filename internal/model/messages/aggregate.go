package messages

import "time"

// LatestAggregate is the rolling state of one (field, metric) window right after an ingest.
type LatestAggregate struct {
	FieldID    string    `json:"field_id"`
	MetricType string    `json:"metric_type"`
	Latest     float64   `json:"latest"`
	Mean       float64   `json:"mean"`
	Count      int       `json:"count"`
	Timestamp  time.Time `json:"sensor_ts"`
}

// Fields flattens the aggregate into the latest-value hash layout
// (latest_<metric>, <metric>_7day_avg, last_ts).
func (a LatestAggregate) Fields() map[string]any {
	out := map[string]any{
		"latest_" + a.MetricType:   a.Latest,
		a.MetricType + "_7day_avg": a.Mean,
	}
	if !a.Timestamp.IsZero() {
		out["last_ts"] = a.Timestamp.UTC().Format(time.RFC3339)
	}
	return out
}
