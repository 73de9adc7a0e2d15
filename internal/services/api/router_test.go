package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/LeonardoBeccarini/pasture_project/internal/model/entities"
	"github.com/LeonardoBeccarini/pasture_project/internal/model/messages"
	"github.com/LeonardoBeccarini/pasture_project/pkg/rabbitmq"
)

type memFields struct {
	mu     sync.Mutex
	fields map[string]entities.Field
	err    error
}

func (m *memFields) ListFields(context.Context) ([]entities.Field, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []entities.Field{}
	for _, f := range m.fields {
		out = append(out, f)
	}
	return out, nil
}

func (m *memFields) FieldsBelowNDVI(ctx context.Context, below float64) ([]entities.Field, error) {
	all, err := m.ListFields(ctx)
	if err != nil {
		return nil, err
	}
	return fieldsBelowNDVI(all, below), nil
}

func (m *memFields) GetField(_ context.Context, id string) (entities.Field, error) {
	if m.err != nil {
		return entities.Field{}, m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.fields[id]
	if !ok {
		return entities.Field{}, ErrFieldNotFound
	}
	return f, nil
}

func (m *memFields) UpsertField(_ context.Context, f entities.Field) error {
	if m.err != nil {
		return m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fields == nil {
		m.fields = map[string]entities.Field{}
	}
	m.fields[f.ID] = f
	return nil
}

type memSeries struct {
	written   []messages.SensorSample
	lastLimit int
	err       error
}

func (m *memSeries) WriteSamples(_ context.Context, rows []messages.SensorSample) error {
	if m.err != nil {
		return m.err
	}
	m.written = append(m.written, rows...)
	return nil
}

func (m *memSeries) Series(_ context.Context, fieldID, metric string, limit int) ([]messages.SensorSample, error) {
	m.lastLimit = limit
	if m.err != nil {
		return nil, m.err
	}
	out := []messages.SensorSample{}
	for _, r := range m.written {
		if r.FieldID == fieldID && (metric == "" || r.MetricType == metric) {
			out = append(out, r)
		}
	}
	return out, nil
}

type fakeLatest struct {
	latest map[string]string
	alerts []messages.AlertEvent
	err    error
	gotN   int64
}

func (f *fakeLatest) Latest(context.Context, string) (map[string]string, error) {
	return f.latest, f.err
}

func (f *fakeLatest) RecentAlerts(_ context.Context, n int64) ([]messages.AlertEvent, error) {
	f.gotN = n
	return f.alerts, f.err
}

type failingPublisher bool

func (p failingPublisher) PublishMessage(interface{}) error {
	if p {
		return errors.New("broker down")
	}
	return nil
}

func (failingPublisher) Close() {}

func publisherFactory(fail bool) (rabbitmq.PublisherFactory, *[]string) {
	topics := []string{}
	return func(topic string) rabbitmq.IPublisher {
		topics = append(topics, topic)
		return failingPublisher(fail)
	}, &topics
}

func newTestRouter(opts Options) *Router {
	opts.Rand = rand.New(rand.NewSource(1))
	r := NewRouter(opts)
	r.now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }
	return r
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func sensorRows(fieldID string, n int) string {
	parts := make([]string, 0, n)
	for i := 0; i < n; i++ {
		parts = append(parts, fmt.Sprintf(
			`{"field_id":%q,"sensor_ts":"2024-05-01T0%d:00:00","sensor_id":"sensor_soil_moisture","metric_type":"soil_moisture","metric_value":%d.5}`,
			fieldID, i, 10+i))
	}
	return "[" + strings.Join(parts, ",") + "]"
}

func TestHealth(t *testing.T) {
	rec := do(t, newTestRouter(Options{}), http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", decode[map[string]string](t, rec)["status"])
}

func TestFieldsFallBackToGeneratedWhenUnconfigured(t *testing.T) {
	r := newTestRouter(Options{SampleFields: 3})

	rec := do(t, r, http.MethodGet, "/api/fields", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, SourceGenerated, rec.Header().Get("X-Data-Source"))
	fields := decode[[]entities.Field](t, rec)
	require.Len(t, fields, 3)
	require.Equal(t, "field_1", fields[0].ID)

	rec = do(t, r, http.MethodGet, "/api/fields/north", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "north", decode[entities.Field](t, rec).ID)
}

func TestFieldsFromStore(t *testing.T) {
	store := &memFields{fields: map[string]entities.Field{"field_1": testField("field_1")}}
	r := newTestRouter(Options{Fields: store})

	rec := do(t, r, http.MethodGet, "/api/fields", "")
	require.Equal(t, SourcePostgres, rec.Header().Get("X-Data-Source"))
	require.Len(t, decode[[]entities.Field](t, rec), 1)

	rec = do(t, r, http.MethodGet, "/api/fields/missing", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestFieldsFilteredByMaxNDVI(t *testing.T) {
	withNDVI := func(id string, v float64) entities.Field {
		f := testField(id)
		f.LatestMetrics = map[string]float64{entities.MetricNDVI: v}
		return f
	}
	store := &memFields{fields: map[string]entities.Field{
		"field_1": withNDVI("field_1", 0.62),
		"field_2": withNDVI("field_2", 0.41),
		"field_3": withNDVI("field_3", 0.36),
		"field_4": testField("field_4"),
	}}
	r := newTestRouter(Options{Fields: store})

	rec := do(t, r, http.MethodGet, "/api/fields?max_ndvi=0.45", "")
	require.Equal(t, http.StatusOK, rec.Code)
	fields := decode[[]entities.Field](t, rec)
	require.Len(t, fields, 2)
	require.Equal(t, "field_3", fields[0].ID)
	require.Equal(t, "field_2", fields[1].ID)

	for _, bad := range []string{"abc", "1.5", "NaN"} {
		rec = do(t, r, http.MethodGet, "/api/fields?max_ndvi="+bad, "")
		require.Equal(t, http.StatusBadRequest, rec.Code, bad)
	}
}

func TestGeneratedFieldsFilteredByMaxNDVI(t *testing.T) {
	r := newTestRouter(Options{SampleFields: 20})

	rec := do(t, r, http.MethodGet, "/api/fields?max_ndvi=0.45", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, SourceGenerated, rec.Header().Get("X-Data-Source"))
	prev := -1.0
	for _, f := range decode[[]entities.Field](t, rec) {
		v := f.LatestMetrics[entities.MetricNDVI]
		require.Less(t, v, 0.45)
		require.GreaterOrEqual(t, v, prev)
		prev = v
	}
}

func TestConfiguredStoreFailureIs503(t *testing.T) {
	store := &memFields{err: fmt.Errorf("%w: dial tcp", ErrStoreUnavailable)}
	r := newTestRouter(Options{Fields: store})

	for _, path := range []string{"/api/fields", "/api/fields/field_1"} {
		rec := do(t, r, http.MethodGet, path, "")
		require.Equal(t, http.StatusServiceUnavailable, rec.Code, path)
		require.Empty(t, rec.Header().Get("X-Data-Source"))
		require.Contains(t, decode[map[string]string](t, rec)["error"], "store unavailable")
	}
}

func TestUpsertField(t *testing.T) {
	body, err := json.Marshal(testField("field_7"))
	require.NoError(t, err)

	rec := do(t, newTestRouter(Options{}), http.MethodPost, "/api/fields", string(body))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	store := &memFields{}
	r := newTestRouter(Options{Fields: store})
	rec = do(t, r, http.MethodPost, "/api/fields", string(body))
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Contains(t, store.fields, "field_7")

	rec = do(t, r, http.MethodPost, "/api/fields", `{"_id":"x","farm_id":"f","name":"n","boundary":{"type":"Polygon","coordinates":[[[0,0],[1,1]]]}}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "boundary")

	rec = do(t, r, http.MethodPost, "/api/fields", `{"_id":`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTimeseriesGenerated(t *testing.T) {
	r := newTestRouter(Options{})

	rec := do(t, r, http.MethodGet, "/api/fields/field_1/timeseries?periods=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, SourceGenerated, rec.Header().Get("X-Data-Source"))
	require.Len(t, decode[[]messages.SensorSample](t, rec), 20)

	rec = do(t, r, http.MethodGet, "/api/fields/field_1/timeseries?periods=5&metric=ndvi", "")
	rows := decode[[]messages.SensorSample](t, rec)
	require.Len(t, rows, 5)
	for _, row := range rows {
		require.Equal(t, entities.MetricNDVI, row.MetricType)
	}

	rec = do(t, r, http.MethodGet, "/api/fields/field_1/timeseries", "")
	require.Len(t, decode[[]messages.SensorSample](t, rec), 4*defaultPeriods)

	for _, bad := range []string{"0", "-3", "abc", "99999"} {
		rec = do(t, r, http.MethodGet, "/api/fields/field_1/timeseries?periods="+bad, "")
		require.Equal(t, http.StatusBadRequest, rec.Code, bad)
	}
}

func TestTimeseriesFromStore(t *testing.T) {
	series := &memSeries{}
	r := newTestRouter(Options{Series: series})

	rec := do(t, r, http.MethodGet, "/api/fields/field_1/timeseries?periods=3", "")
	require.Equal(t, SourceInflux, rec.Header().Get("X-Data-Source"))
	require.Equal(t, 12, series.lastLimit)

	do(t, r, http.MethodGet, "/api/fields/field_1/timeseries?periods=3&metric=ndvi", "")
	require.Equal(t, 3, series.lastLimit)

	series.err = fmt.Errorf("%w: timeout", ErrStoreUnavailable)
	rec = do(t, r, http.MethodGet, "/api/fields/field_1/timeseries", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestIngestSensors(t *testing.T) {
	series := &memSeries{}
	publish, topics := publisherFactory(false)
	r := newTestRouter(Options{Series: series, Publish: publish})

	rec := do(t, r, http.MethodPost, "/api/fields/field_1/ingest-sensors", sensorRows("field_1", 3))
	require.Equal(t, http.StatusAccepted, rec.Code)
	resp := decode[map[string]any](t, rec)
	require.EqualValues(t, 3, resp["rows"])
	require.EqualValues(t, 3, resp["published"])
	require.Equal(t, true, resp["stored"])
	require.Len(t, series.written, 3)
	require.Equal(t, time.Date(2024, 5, 1, 1, 0, 0, 0, time.UTC), series.written[1].Timestamp)
	require.Equal(t, []string{"sensor/data/field_1"}, *topics)
}

func TestIngestSensorsRejectsInvalidRows(t *testing.T) {
	r := newTestRouter(Options{Series: &memSeries{}})

	cases := map[string]string{
		"not an array":  `{"field_id":"field_1"}`,
		"other field":   sensorRows("field_2", 1),
		"missing value": `[{"field_id":"field_1","sensor_ts":"2024-05-01T00:00:00","metric_type":"ndvi"}]`,
		"bad timestamp": `[{"field_id":"field_1","sensor_ts":"yesterday","metric_type":"ndvi","metric_value":0.4}]`,
	}
	for name, body := range cases {
		rec := do(t, r, http.MethodPost, "/api/fields/field_1/ingest-sensors", body)
		require.Equal(t, http.StatusBadRequest, rec.Code, name)
	}
}

func TestIngestSensorsBackendErrors(t *testing.T) {
	rec := do(t, newTestRouter(Options{}), http.MethodPost, "/api/fields/field_1/ingest-sensors", sensorRows("field_1", 1))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	failing := &memSeries{err: fmt.Errorf("%w: write", ErrStoreUnavailable)}
	rec = do(t, newTestRouter(Options{Series: failing}), http.MethodPost, "/api/fields/field_1/ingest-sensors", sensorRows("field_1", 1))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	publish, _ := publisherFactory(true)
	rec = do(t, newTestRouter(Options{Publish: publish}), http.MethodPost, "/api/fields/field_1/ingest-sensors", sensorRows("field_1", 2))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestLatestAndRecentAlerts(t *testing.T) {
	rec := do(t, newTestRouter(Options{}), http.MethodGet, "/api/fields/field_1/latest", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	latest := &fakeLatest{
		latest: map[string]string{"soil_moisture": "11.5", "soil_moisture_7day_avg": "12.25"},
		alerts: []messages.AlertEvent{{FieldID: "field_1", AlertType: "low_soil_moisture"}},
	}
	r := newTestRouter(Options{Latest: latest})

	rec = do(t, r, http.MethodGet, "/api/fields/field_1/latest", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "11.5", decode[map[string]string](t, rec)["soil_moisture"])

	rec = do(t, r, http.MethodGet, "/api/alerts/recent?limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.EqualValues(t, 5, latest.gotN)
	require.Len(t, decode[[]messages.AlertEvent](t, rec), 1)

	rec = do(t, r, http.MethodGet, "/api/alerts/recent?limit=0", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	latest.latest = map[string]string{}
	rec = do(t, r, http.MethodGet, "/api/fields/field_1/latest", "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	latest.err = errors.New("redis: connection refused")
	rec = do(t, r, http.MethodGet, "/api/fields/field_1/latest", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestCORS(t *testing.T) {
	r := newTestRouter(Options{AllowedOrigins: []string{"http://localhost:5173"}})

	req := httptest.NewRequest(http.MethodOptions, "/api/fields", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", "GET")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "http://localhost:5173", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://evil.example")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestDashboardCombinesFieldsLatestAndAlerts(t *testing.T) {
	store := &memFields{fields: map[string]entities.Field{
		"field_2": testField("field_2"),
		"field_1": testField("field_1"),
	}}
	latest := &fakeLatest{
		latest: map[string]string{"latest_soil_moisture": "11.5"},
		alerts: []messages.AlertEvent{{FieldID: "field_1", AlertType: "low_soil_moisture"}},
	}
	rec := do(t, newTestRouter(Options{Fields: store, Latest: latest}), http.MethodGet, "/api/dashboard", "")
	require.Equal(t, http.StatusOK, rec.Code)

	d := decode[Dashboard](t, rec)
	require.Len(t, d.Fields, 2)
	require.Equal(t, "field_1", d.Fields[0].Field.ID)
	require.Equal(t, "11.5", d.Fields[1].Latest["latest_soil_moisture"])
	require.Len(t, d.Alerts, 1)
	require.Equal(t, map[string]float64{"mean": 11.5, "min": 11.5, "max": 11.5, "fields": 2}, d.Stats)
	require.Empty(t, d.Errors)
}

func TestDashboardDegradesPerPart(t *testing.T) {
	latest := &fakeLatest{err: errors.New("redis down")}
	store := &memFields{err: fmt.Errorf("%w: dial", ErrStoreUnavailable)}
	rec := do(t, newTestRouter(Options{Fields: store, Latest: latest}), http.MethodGet, "/api/dashboard", "")
	require.Equal(t, http.StatusOK, rec.Code)

	d := decode[Dashboard](t, rec)
	require.Empty(t, d.Fields)
	require.Empty(t, d.Stats)
	require.Len(t, d.Errors, 2)
	require.Contains(t, d.Errors[0], "alerts")
	require.Contains(t, d.Errors[1], "fields")

	rec = do(t, newTestRouter(Options{SampleFields: 2}), http.MethodGet, "/api/dashboard", "")
	require.Len(t, decode[Dashboard](t, rec).Fields, 2)
}

func TestMoistureStatsSkipsUnreported(t *testing.T) {
	stats := moistureStats([]FieldSummary{
		{Latest: map[string]string{statsKey: "8"}},
		{Latest: map[string]string{statsKey: "12.5"}},
		{Latest: map[string]string{}},
	})
	require.Equal(t, map[string]float64{"mean": 10.25, "min": 8, "max": 12.5, "fields": 2}, stats)
}
