package event

import (
	"strconv"
	"strings"
	"time"

	"github.com/LeonardoBeccarini/pasture_project/internal/model/messages"
)

// columns Flux adds to every record; they never belong to an alert payload.
var fluxColumns = map[string]bool{
	"result": true, "table": true, "_start": true, "_stop": true, "_time": true,
	"_measurement": true, "_field": true, "_value": true,
}

// RecordToAlert rebuilds an alert from one pivoted system_event row: the tags become
// the alert's identity and the remaining columns its payload.
func RecordToAlert(values map[string]interface{}, t time.Time) messages.AlertEvent {
	a := messages.AlertEvent{Payload: map[string]any{}, Timestamp: t.UTC()}
	for k, v := range values {
		if fluxColumns[k] || v == nil {
			continue
		}
		switch k {
		case "event_type":
			a.AlertType = strings.TrimPrefix(toString(v), "alert.")
		case "field_id":
			a.FieldID = toString(v)
		case "policy":
			a.Policy = toString(v)
		case "alert_id":
			a.ID = toString(v)
		case "source_service", "count":
		default:
			a.Payload[k] = toNumber(v)
		}
	}
	return a
}

func toString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// toNumber normalizes the numeric types Flux may return to float64.
func toNumber(v interface{}) interface{} {
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	case uint64:
		return float64(n)
	case int:
		return float64(n)
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(n), 64); err == nil {
			return f
		}
		return n
	default:
		return v
	}
}
