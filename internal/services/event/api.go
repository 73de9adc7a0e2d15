package event

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/LeonardoBeccarini/pasture_project/internal/model/messages"
)

// AlertQuery selects recent alerts.
type AlertQuery struct {
	Minutes   int
	Limit     int
	TimeoutMS int
	FieldID   string
}

// AlertReader returns the newest alerts first.
type AlertReader interface {
	LatestAlerts(ctx context.Context, q AlertQuery) ([]messages.AlertEvent, error)
}

var safeID = regexp.MustCompile(`^[A-Za-z0-9_.:-]+$`)

func parseAlertQuery(r *http.Request, defMin, defLim, defTOms int) AlertQuery {
	q := r.URL.Query()
	get := func(k string, def, min, max int) int {
		if v := strings.TrimSpace(q.Get(k)); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				if n < min {
					return min
				}
				if max > 0 && n > max {
					return max
				}
				return n
			}
		}
		return def
	}
	return AlertQuery{
		Minutes:   get("minutes", defMin, 1, 7*24*60),
		Limit:     get("limit", defLim, 1, 500),
		TimeoutMS: get("timeout_ms", defTOms, 200, 5000),
		FieldID:   strings.TrimSpace(q.Get("field_id")),
	}
}

// BuildAlertsFlux pivots system_event alert rows so each alert is one record.
func BuildAlertsFlux(bucket string, q AlertQuery) string {
	fieldFilter := ""
	if q.FieldID != "" {
		fieldFilter = fmt.Sprintf("\n  |> filter(fn: (r) => r.field_id == %q)", q.FieldID)
	}
	return fmt.Sprintf(`
from(bucket: %q)
  |> range(start: -%dm)
  |> filter(fn: (r) => r._measurement == "system_event" and r.event_type =~ /^alert\./)%s
  |> pivot(rowKey: ["_time", "field_id", "event_type"], columnKey: ["_field"], valueColumn: "_value")
  |> group()
  |> sort(columns: ["_time"], desc: true)
  |> limit(n: %d)
`, bucket, q.Minutes, fieldFilter, q.Limit)
}

// InfluxAlerts reads alerts back from the system_event measurement.
type InfluxAlerts struct {
	Query  api.QueryAPI
	Bucket string
}

func (a InfluxAlerts) LatestAlerts(ctx context.Context, q AlertQuery) ([]messages.AlertEvent, error) {
	res, err := a.Query.Query(ctx, BuildAlertsFlux(a.Bucket, q))
	if err != nil {
		return nil, err
	}
	defer res.Close()

	out := make([]messages.AlertEvent, 0, q.Limit)
	for res.Next() {
		rec := res.Record()
		out = append(out, RecordToAlert(rec.Values(), rec.Time()))
	}
	return out, res.Err()
}

// NewAlertsLatestHandler serves GET /events/alerts/latest?limit=20[&minutes=1440][&field_id=x].
// A failing store yields an empty list plus an X-Error header, as the dashboard expects.
func NewAlertsLatestHandler(reader AlertReader, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := parseAlertQuery(r, 1440, 20, 2000)
		w.Header().Set("Content-Type", "application/json")
		if q.FieldID != "" && !safeID.MatchString(q.FieldID) {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "invalid field_id"})
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), time.Duration(q.TimeoutMS)*time.Millisecond)
		defer cancel()

		alerts, err := reader.LatestAlerts(ctx, q)
		if err != nil {
			logger.Warn("alerts query failed", "error", err)
			w.Header().Set("X-Error", "influx-query-error")
			_, _ = w.Write([]byte("[]"))
			return
		}
		if alerts == nil {
			alerts = []messages.AlertEvent{}
		}
		_ = json.NewEncoder(w).Encode(alerts)
	})
}
