package api

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/LeonardoBeccarini/pasture_project/internal/model/entities"
	"github.com/LeonardoBeccarini/pasture_project/internal/model/messages"
	sensorSimulator "github.com/LeonardoBeccarini/pasture_project/internal/sensor-simulator"
	"github.com/LeonardoBeccarini/pasture_project/internal/sink"
	"github.com/LeonardoBeccarini/pasture_project/pkg/rabbitmq"
)

// LatestReader serves the key-value view kept by the aggregator.
type LatestReader interface {
	Latest(ctx context.Context, fieldID string) (map[string]string, error)
	RecentAlerts(ctx context.Context, n int64) ([]messages.AlertEvent, error)
}

// Options wires the backends. A nil backend is unconfigured: reads fall back to
// generated data, writes that need it fail with 503.
type Options struct {
	Fields  FieldStore
	Series  TimeseriesStore
	Latest  LatestReader
	Publish rabbitmq.PublisherFactory

	// AllowedOrigins for CORS; empty allows any origin.
	AllowedOrigins []string
	// SampleFields is how many fields GET /api/fields generates without a store.
	SampleFields int
	MaxBodyBytes int64
	Rand         *rand.Rand
	Logger       *slog.Logger
}

const (
	defaultPeriods  = sensorSimulator.DefaultPeriods
	maxPeriods      = 2000
	maxRecentAlerts = 500
	storeTimeout    = 5 * time.Second
)

// Router wires HTTP endpoints to the stores.
type Router struct {
	mux  *http.ServeMux
	opts Options
	log  *slog.Logger

	mu  sync.Mutex // guards rng
	rng *rand.Rand
	now func() time.Time
}

func NewRouter(opts Options) *Router {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.SampleFields <= 0 {
		opts.SampleFields = 5
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 4 << 20
	}
	rng := opts.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	r := &Router{mux: http.NewServeMux(), opts: opts, log: opts.Logger, rng: rng, now: time.Now}
	r.register()
	return r
}

// ServeHTTP answers CORS preflights itself and delegates everything else to the mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.Method == http.MethodOptions && req.Header.Get("Access-Control-Request-Method") != "" {
		r.cors(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })(w, req)
		return
	}
	r.mux.ServeHTTP(w, req)
}

func (r *Router) register() {
	r.handle("GET /health", r.handleHealth)
	r.handle("GET /api/fields", r.handleListFields)
	r.handle("POST /api/fields", r.handleUpsertField)
	r.handle("GET /api/fields/{id}", r.handleGetField)
	r.handle("GET /api/fields/{id}/timeseries", r.handleTimeseries)
	r.handle("POST /api/fields/{id}/ingest-sensors", r.handleIngestSensors)
	r.handle("GET /api/fields/{id}/latest", r.handleLatest)
	r.handle("GET /api/alerts/recent", r.handleRecentAlerts)
	r.handle("GET /api/dashboard", r.handleDashboard)
}

func (r *Router) handle(pattern string, h http.HandlerFunc) {
	r.mux.HandleFunc(pattern, r.audit(r.cors(h)))
}

func (r *Router) cors(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		origin := req.Header.Get("Origin")
		if origin != "" && r.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			w.Header().Set("Access-Control-Expose-Headers", "X-Data-Source")
			w.Header().Add("Vary", "Origin")
		}
		next(w, req)
	}
}

func (r *Router) originAllowed(origin string) bool {
	if len(r.opts.AllowedOrigins) == 0 {
		return true
	}
	for _, o := range r.opts.AllowedOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

func (r *Router) audit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		rec := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(rec, req)

		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}
		level := slog.LevelInfo
		if status >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		r.log.Log(req.Context(), level, "http request",
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", rec.bytes,
			"duration_ms", time.Since(start).Milliseconds())
	}
}

// withRand serialises access to the shared generator.
func (r *Router) withRand(fn func(rng *rand.Rand)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(r.rng)
}

func (r *Router) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (r *Router) handleListFields(w http.ResponseWriter, req *http.Request) {
	maxNDVI, filtered, err := parseMaxNDVI(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if r.opts.Fields == nil {
		var fields []entities.Field
		r.withRand(func(rng *rand.Rand) { fields = sensorSimulator.SampleFields(rng, r.opts.SampleFields) })
		if filtered {
			fields = fieldsBelowNDVI(fields, maxNDVI)
		}
		w.Header().Set("X-Data-Source", SourceGenerated)
		writeJSON(w, http.StatusOK, fields)
		return
	}
	ctx, cancel := context.WithTimeout(req.Context(), storeTimeout)
	defer cancel()
	var fields []entities.Field
	if filtered {
		fields, err = r.opts.Fields.FieldsBelowNDVI(ctx, maxNDVI)
	} else {
		fields, err = r.opts.Fields.ListFields(ctx)
	}
	if err != nil {
		r.log.Error("list fields", "error", err)
		writeStoreError(w, err)
		return
	}
	w.Header().Set("X-Data-Source", SourcePostgres)
	writeJSON(w, http.StatusOK, fields)
}

// parseMaxNDVI reads the optional ?max_ndvi= filter; NDVI lives in [-1, 1].
func parseMaxNDVI(req *http.Request) (float64, bool, error) {
	raw := strings.TrimSpace(req.URL.Query().Get("max_ndvi"))
	if raw == "" {
		return 0, false, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(v) || v < -1 || v > 1 {
		return 0, false, fmt.Errorf("max_ndvi must be a number in [-1, 1], got %q", raw)
	}
	return v, true, nil
}

// fieldsBelowNDVI keeps fields whose latest NDVI is under below, lowest first.
// Fields without an NDVI reading are skipped.
func fieldsBelowNDVI(fields []entities.Field, below float64) []entities.Field {
	out := []entities.Field{}
	for _, f := range fields {
		if v, ok := f.LatestMetrics[entities.MetricNDVI]; ok && v < below {
			out = append(out, f)
		}
	}
	slices.SortStableFunc(out, func(a, b entities.Field) int {
		return cmp.Compare(a.LatestMetrics[entities.MetricNDVI], b.LatestMetrics[entities.MetricNDVI])
	})
	return out
}

func (r *Router) handleGetField(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	if r.opts.Fields == nil {
		var f entities.Field
		r.withRand(func(rng *rand.Rand) { f = sensorSimulator.GenerateField(rng, id, "farm_123", [2]float64{0, 0}) })
		w.Header().Set("X-Data-Source", SourceGenerated)
		writeJSON(w, http.StatusOK, f)
		return
	}
	ctx, cancel := context.WithTimeout(req.Context(), storeTimeout)
	defer cancel()
	f, err := r.opts.Fields.GetField(ctx, id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	w.Header().Set("X-Data-Source", SourcePostgres)
	writeJSON(w, http.StatusOK, f)
}

func (r *Router) handleUpsertField(w http.ResponseWriter, req *http.Request) {
	var f entities.Field
	dec := json.NewDecoder(http.MaxBytesReader(w, req.Body, r.opts.MaxBodyBytes))
	if err := dec.Decode(&f); err != nil {
		writeError(w, http.StatusBadRequest, "invalid field document: "+err.Error())
		return
	}
	if err := validateField(f); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if r.opts.Fields == nil {
		writeError(w, http.StatusServiceUnavailable, "field store not configured")
		return
	}
	if f.Notes == nil {
		f.Notes = []string{}
	}
	ctx, cancel := context.WithTimeout(req.Context(), storeTimeout)
	defer cancel()
	if err := r.opts.Fields.UpsertField(ctx, f); err != nil {
		r.log.Error("upsert field", "field_id", f.ID, "error", err)
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"status": "stored", "id": f.ID})
}

func validateField(f entities.Field) error {
	switch {
	case strings.TrimSpace(f.ID) == "":
		return fmt.Errorf("_id is required")
	case strings.TrimSpace(f.FarmID) == "":
		return fmt.Errorf("farm_id is required")
	case strings.TrimSpace(f.Name) == "":
		return fmt.Errorf("name is required")
	case f.Boundary.Type != "Polygon" || !f.Boundary.Closed():
		return fmt.Errorf("boundary must be a closed GeoJSON Polygon")
	}
	return nil
}

func (r *Router) handleTimeseries(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	metric := strings.TrimSpace(req.URL.Query().Get("metric"))
	periods := defaultPeriods
	if raw := strings.TrimSpace(req.URL.Query().Get("periods")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxPeriods {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("periods must be an integer in [1, %d]", maxPeriods))
			return
		}
		periods = n
	}

	if r.opts.Series == nil {
		var rows []messages.SensorSample
		r.withRand(func(rng *rand.Rand) {
			rows = sensorSimulator.GenerateSensorSeries(rng, id, r.now(), periods, sensorSimulator.DefaultFrequency)
		})
		if metric != "" {
			kept := rows[:0]
			for _, row := range rows {
				if row.MetricType == metric {
					kept = append(kept, row)
				}
			}
			rows = kept
		}
		w.Header().Set("X-Data-Source", SourceGenerated)
		writeJSON(w, http.StatusOK, rows)
		return
	}

	// one row per metric and period, like the generated series
	limit := periods
	if metric == "" {
		limit = periods * len(entities.KnownMetrics)
	}
	ctx, cancel := context.WithTimeout(req.Context(), storeTimeout)
	defer cancel()
	rows, err := r.opts.Series.Series(ctx, id, metric, limit)
	if err != nil {
		r.log.Error("query timeseries", "field_id", id, "error", err)
		writeStoreError(w, err)
		return
	}
	w.Header().Set("X-Data-Source", SourceInflux)
	writeJSON(w, http.StatusOK, rows)
}

// decodeRows parses a JSON array of samples, reporting the first bad row by index.
func decodeRows(body io.Reader, fieldID string) ([]messages.SensorSample, error) {
	var raw []json.RawMessage
	if err := json.NewDecoder(body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("body must be a JSON array of sensor rows: %w", err)
	}
	rows := make([]messages.SensorSample, 0, len(raw))
	for i, line := range raw {
		s, err := messages.DecodeSample(line)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		if s.FieldID != fieldID {
			return nil, fmt.Errorf("row %d: field_id %q does not match %q", i, s.FieldID, fieldID)
		}
		rows = append(rows, s)
	}
	return rows, nil
}

func (r *Router) handleIngestSensors(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	rows, err := decodeRows(http.MaxBytesReader(w, req.Body, r.opts.MaxBodyBytes), id)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if r.opts.Series == nil && r.opts.Publish == nil {
		writeError(w, http.StatusServiceUnavailable, "no backend configured to ingest sensor rows")
		return
	}

	stored := false
	if r.opts.Series != nil {
		ctx, cancel := context.WithTimeout(req.Context(), storeTimeout)
		defer cancel()
		if err := r.opts.Series.WriteSamples(ctx, rows); err != nil {
			r.log.Error("store sensor rows", "field_id", id, "rows", len(rows), "error", err)
			writeStoreError(w, err)
			return
		}
		stored = true
	}

	published := 0
	if r.opts.Publish != nil {
		pub := r.opts.Publish(sink.TopicSensorData + "/" + id)
		defer pub.Close()
		for _, row := range rows {
			payload, err := json.Marshal(row)
			if err != nil {
				continue
			}
			if err := pub.PublishMessage(payload); err != nil {
				r.log.Warn("republish sensor row", "field_id", id, "error", err)
				continue
			}
			published++
		}
		if !stored && published == 0 && len(rows) > 0 {
			writeError(w, http.StatusServiceUnavailable, "sensor rows could not be published")
			return
		}
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":    "accepted",
		"rows":      len(rows),
		"stored":    stored,
		"published": published,
	})
}

func (r *Router) handleLatest(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	if r.opts.Latest == nil {
		writeError(w, http.StatusServiceUnavailable, "latest store not configured")
		return
	}
	ctx, cancel := context.WithTimeout(req.Context(), storeTimeout)
	defer cancel()
	latest, err := r.opts.Latest.Latest(ctx, id)
	if err != nil {
		r.log.Error("read latest", "field_id", id, "error", err)
		writeError(w, http.StatusServiceUnavailable, fmt.Sprintf("%v: %v", ErrStoreUnavailable, err))
		return
	}
	if len(latest) == 0 {
		writeError(w, http.StatusNotFound, "no aggregates for field "+id)
		return
	}
	w.Header().Set("X-Data-Source", SourceRedis)
	writeJSON(w, http.StatusOK, latest)
}

func (r *Router) handleRecentAlerts(w http.ResponseWriter, req *http.Request) {
	if r.opts.Latest == nil {
		writeError(w, http.StatusServiceUnavailable, "alert stream not configured")
		return
	}
	n := int64(20)
	if raw := req.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 1 || v > maxRecentAlerts {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("limit must be an integer in [1, %d]", maxRecentAlerts))
			return
		}
		n = v
	}
	ctx, cancel := context.WithTimeout(req.Context(), storeTimeout)
	defer cancel()
	alerts, err := r.opts.Latest.RecentAlerts(ctx, n)
	if err != nil {
		r.log.Error("read recent alerts", "error", err)
		writeError(w, http.StatusServiceUnavailable, fmt.Sprintf("%v: %v", ErrStoreUnavailable, err))
		return
	}
	if alerts == nil {
		alerts = []messages.AlertEvent{}
	}
	w.Header().Set("X-Data-Source", SourceRedis)
	writeJSON(w, http.StatusOK, alerts)
}
