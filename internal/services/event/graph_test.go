package event

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/LeonardoBeccarini/pasture_project/internal/sink"
)

// cannedQuerier answers every Cypher read with the same rows.
type cannedQuerier struct {
	rows   []map[string]any
	err    error
	params map[string]any
}

func (c *cannedQuerier) Query(_ context.Context, _ string, params map[string]any) ([]map[string]any, error) {
	c.params = params
	return c.rows, c.err
}

func graphMux(reader GraphQueries) *http.ServeMux {
	mux := http.NewServeMux()
	RegisterGraphRoutes(mux, reader, nil)
	return mux
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestGraphRiskRoute(t *testing.T) {
	q := &cannedQuerier{rows: []map[string]any{
		{"field_id": "field_2", "event_count": int64(6)},
		{"field_id": "field_7", "event_count": int64(1)},
	}}
	rec := get(t, graphMux(sink.NewGraphReader(q)), "/events/graph/risk?limit=2")

	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `[{"field_id":"field_2","event_count":6},{"field_id":"field_7","event_count":1}]`, rec.Body.String())
	require.Equal(t, int64(2), q.params["limit"])
}

func TestGraphRecentRouteClampsLimit(t *testing.T) {
	q := &cannedQuerier{}
	rec := get(t, graphMux(sink.NewGraphReader(q)), "/events/graph/recent?limit=5000")

	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `[]`, rec.Body.String())
	require.Equal(t, int64(100), q.params["limit"])

	get(t, graphMux(sink.NewGraphReader(q)), "/events/graph/recent?limit=abc")
	require.Equal(t, int64(10), q.params["limit"])
}

func TestGraphTypesRoute(t *testing.T) {
	q := &cannedQuerier{rows: []map[string]any{{"event_type": "heat_stress", "count": int64(3)}}}
	rec := get(t, graphMux(sink.NewGraphReader(q)), "/events/graph/types")

	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `[{"event_type":"heat_stress","count":3}]`, rec.Body.String())
}

func TestGraphRoutesUnavailable(t *testing.T) {
	rec := get(t, graphMux(nil), "/events/graph/risk")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "no graph store configured")

	rec = get(t, graphMux(sink.NewGraphReader(&cannedQuerier{err: errors.New("ServiceUnavailable")})), "/events/graph/types")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "graph query failed")
}
