package event

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/LeonardoBeccarini/pasture_project/internal/sink"
)

const graphTimeout = 3 * time.Second

// GraphQueries is the read side of the event graph.
type GraphQueries interface {
	RecentEvents(ctx context.Context, limit int) ([]sink.GraphEvent, error)
	RiskFields(ctx context.Context, limit int) ([]sink.FieldRisk, error)
	EventTypes(ctx context.Context) ([]sink.EventTypeCount, error)
}

// RegisterGraphRoutes serves
//
//	GET /events/graph/recent?limit=10
//	GET /events/graph/risk?limit=5
//	GET /events/graph/types
//
// A nil reader answers 503 on every route.
func RegisterGraphRoutes(mux *http.ServeMux, reader GraphQueries, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	mux.Handle("GET /events/graph/recent", graphHandler(reader, logger, func(ctx context.Context, r *http.Request) (any, error) {
		return reader.RecentEvents(ctx, parseLimit(r, 10, 100))
	}))
	mux.Handle("GET /events/graph/risk", graphHandler(reader, logger, func(ctx context.Context, r *http.Request) (any, error) {
		return reader.RiskFields(ctx, parseLimit(r, 5, 100))
	}))
	mux.Handle("GET /events/graph/types", graphHandler(reader, logger, func(ctx context.Context, _ *http.Request) (any, error) {
		return reader.EventTypes(ctx)
	}))
}

func graphHandler(reader GraphQueries, logger *slog.Logger, query func(context.Context, *http.Request) (any, error)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if reader == nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "no graph store configured"})
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), graphTimeout)
		defer cancel()
		out, err := query(ctx, r)
		if err != nil {
			logger.Warn("graph query failed", "path", r.URL.Path, "error", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "graph query failed"})
			return
		}
		_ = json.NewEncoder(w).Encode(out)
	})
}

// parseLimit reads ?limit=, clamped to [1, hi]; anything unparsable is def.
func parseLimit(r *http.Request, def, hi int) int {
	n, err := strconv.Atoi(strings.TrimSpace(r.URL.Query().Get("limit")))
	if err != nil {
		return def
	}
	return min(max(n, 1), hi)
}
