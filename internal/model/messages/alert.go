package messages

import "time"

// AlertEvent is a threshold crossing for one field. Payload carries the diagnostic
// values (value, threshold, baseline, ts, severity) the producing rule reports.
type AlertEvent struct {
	ID        string         `json:"id,omitempty"` // stamped by the pipeline, empty from the aggregator
	FieldID   string         `json:"field_id"`
	AlertType string         `json:"alert_type"`
	Policy    string         `json:"policy"`
	Payload   map[string]any `json:"payload"`
	Timestamp time.Time      `json:"sensor_ts"`
}

// Severity returns the payload severity, defaulting to "warning".
func (a AlertEvent) Severity() string {
	if s, ok := a.Payload["severity"].(string); ok && s != "" {
		return s
	}
	return "warning"
}
