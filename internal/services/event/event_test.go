package event

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/stretchr/testify/require"

	"github.com/LeonardoBeccarini/pasture_project/internal/model/messages"
	"github.com/LeonardoBeccarini/pasture_project/internal/sink"
)

var ts = time.Date(2024, 5, 1, 6, 0, 0, 0, time.UTC)

type fakeWriteAPI struct {
	api.WriteAPI
	mu     sync.Mutex
	points []*write.Point
	errs   chan error
}

func (f *fakeWriteAPI) WritePoint(p *write.Point) {
	f.mu.Lock()
	f.points = append(f.points, p)
	f.mu.Unlock()
}
func (f *fakeWriteAPI) Errors() <-chan error { return f.errs }
func (f *fakeWriteAPI) Flush()               {}

func TestWriterQueuesPointsAndTracksErrors(t *testing.T) {
	fw := &fakeWriteAPI{errs: make(chan error, 1)}
	w := NewWriter(fw, nil)

	p := sink.AlertToPoint(messages.AlertEvent{FieldID: "f", AlertType: "low_ndvi"}, "pasture-events", nil)
	require.NoError(t, w.WritePoint(context.Background(), p))
	require.Equal(t, int64(1), w.Count(sink.MeasurementSystemEvent))
	require.Greater(t, w.LastErrorAge(), time.Hour)
	require.NoError(t, WriterProbe(w, 30*time.Second)(context.Background()))

	fw.errs <- errors.New("401 unauthorized")
	require.Eventually(t, func() bool { return w.LastErrorAge() < time.Minute }, time.Second, 5*time.Millisecond)
	require.Error(t, WriterProbe(w, 30*time.Second)(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.Error(t, w.WritePoint(ctx, p))
	close(fw.errs)
}

func TestNilWriter(t *testing.T) {
	var w *Writer
	require.Greater(t, w.LastErrorAge(), time.Hour)
	require.Zero(t, w.Count("x"))
	w.MarkIngest("x")
	w.Flush()
}

func TestRecordToAlert(t *testing.T) {
	a := RecordToAlert(map[string]interface{}{
		"result": "_result", "table": int64(0), "_measurement": "system_event",
		"_time": ts, "_start": ts, "_stop": ts,
		"event_type": "alert.low_soil_moisture", "field_id": "field_1",
		"source_service": "pasture-events", "severity": "high", "policy": "graph_event",
		"alert_id": "a-1", "value": 7.5, "count": int64(1), "ts": "2024-05-01T06:00:00Z",
		"threshold": nil,
	}, ts)

	require.Equal(t, "a-1", a.ID)
	require.Equal(t, "field_1", a.FieldID)
	require.Equal(t, "low_soil_moisture", a.AlertType)
	require.Equal(t, "graph_event", a.Policy)
	require.Equal(t, ts, a.Timestamp)
	require.Equal(t, map[string]any{"value": 7.5, "severity": "high", "ts": "2024-05-01T06:00:00Z"}, a.Payload)
	require.Equal(t, "high", a.Severity())
}

func TestToNumber(t *testing.T) {
	require.Equal(t, 3.0, toNumber(int64(3)))
	require.Equal(t, 3.0, toNumber(uint64(3)))
	require.Equal(t, 0.5, toNumber(" 0.5 "))
	require.Equal(t, "medium", toNumber("medium"))
	require.Equal(t, true, toNumber(true))
}

func TestBuildAlertsFlux(t *testing.T) {
	q := BuildAlertsFlux("events", AlertQuery{Minutes: 60, Limit: 5, FieldID: "field_1"})
	require.Contains(t, q, `from(bucket: "events")`)
	require.Contains(t, q, "range(start: -60m)")
	require.Contains(t, q, `r.event_type =~ /^alert\./`)
	require.Contains(t, q, `r.field_id == "field_1"`)
	require.Contains(t, q, "limit(n: 5)")

	require.NotContains(t, BuildAlertsFlux("events", AlertQuery{Minutes: 1, Limit: 1}), "r.field_id ==")
}

type fakeReader struct {
	got    AlertQuery
	alerts []messages.AlertEvent
	err    error
}

func (f *fakeReader) LatestAlerts(_ context.Context, q AlertQuery) ([]messages.AlertEvent, error) {
	f.got = q
	return f.alerts, f.err
}

func TestAlertsLatestHandler(t *testing.T) {
	r := &fakeReader{alerts: []messages.AlertEvent{{ID: "a-1", FieldID: "field_1", AlertType: "low_ndvi"}}}
	h := NewAlertsLatestHandler(r, nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/events/alerts/latest?limit=9999&minutes=0&field_id=field_1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, AlertQuery{Minutes: 1, Limit: 500, TimeoutMS: 2000, FieldID: "field_1"}, r.got)

	var out []messages.AlertEvent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out, 1)
	require.Equal(t, "low_ndvi", out[0].AlertType)
}

func TestAlertsLatestHandlerErrors(t *testing.T) {
	h := NewAlertsLatestHandler(&fakeReader{err: errors.New("timeout")}, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/events/alerts/latest", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "influx-query-error", rec.Header().Get("X-Error"))
	require.Equal(t, "[]", rec.Body.String())

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, `/events/alerts/latest?field_id=a"b`, nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	NewAlertsLatestHandler(&fakeReader{}, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/events/alerts/latest", nil))
	require.JSONEq(t, "[]", rec.Body.String())
}

type fakeMessage struct {
	mqtt.Message
	topic   string
	payload []byte
}

func (m fakeMessage) Topic() string   { return m.topic }
func (m fakeMessage) Payload() []byte { return m.payload }

type alertCapture struct {
	alerts []messages.AlertEvent
}

func (c *alertCapture) Name() string { return "capture" }
func (c *alertCapture) WriteLatest(context.Context, messages.LatestAggregate) error {
	return nil
}
func (c *alertCapture) WriteAlert(_ context.Context, a messages.AlertEvent) error {
	c.alerts = append(c.alerts, a)
	return nil
}

func TestAlertHandler(t *testing.T) {
	out := &alertCapture{}
	h := NewAlertHandler(context.Background(), out)

	require.NoError(t, h.Handle("", fakeMessage{topic: "event/alert/field_7",
		payload: []byte(`{"alert_type":"ndvi_drop","policy":"latest_value","payload":{"value":0.38,"baseline":0.55}}`)}))
	require.Len(t, out.alerts, 1)
	require.Equal(t, "field_7", out.alerts[0].FieldID)
	require.Equal(t, 0.38, out.alerts[0].Payload["value"])

	require.NoError(t, h.Handle("", fakeMessage{topic: "sensor/aggregated/field_7", payload: []byte("{}")}))
	require.Error(t, h.Handle("", fakeMessage{topic: "event/alert/field_7", payload: []byte(`{"payload":{}}`)}))
	require.Error(t, h.Handle("", fakeMessage{topic: "event/alert/field_7", payload: []byte(`nope`)}))
	require.Len(t, out.alerts, 1)
}

func TestFieldFromTopic(t *testing.T) {
	require.Equal(t, "f1", fieldFromTopic("event/alert/f1", "event/alert/"))
	require.Equal(t, "f1", fieldFromTopic("event/alert/f1/extra", "event/alert/"))
	require.Equal(t, "", fieldFromTopic("other/f1", "event/alert/"))
}

func TestMQTTProbeNilClient(t *testing.T) {
	require.Error(t, MQTTProbe(nil)(context.Background()))
}
