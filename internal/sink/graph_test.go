package sink

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type call struct {
	cypher string
	params map[string]any
}

type fakeRunner struct {
	calls []call
	err   error
}

func (f *fakeRunner) Run(_ context.Context, cypher string, params map[string]any) error {
	f.calls = append(f.calls, call{cypher, params})
	return f.err
}

func TestGraphSinkCreatesEventNode(t *testing.T) {
	r := &fakeRunner{}
	s := NewGraphSink(r)

	require.NoError(t, s.WriteLatest(context.Background(), testAggregate()))
	require.Empty(t, r.calls, "aggregates are not graphed")

	require.NoError(t, s.WriteAlert(context.Background(), testAlert()))
	require.Len(t, r.calls, 1)
	require.Contains(t, r.calls[0].cypher, "MERGE (f:Field {id: $field_id})")
	require.Contains(t, r.calls[0].cypher, "[:HAS_EVENT]")
	require.Equal(t, "field_1", r.calls[0].params["field_id"])
	require.Equal(t, map[string]any{
		"type": "low_soil_moisture", "id": "a-1", "policy": "graph_event",
		"value": 7.5, "ts": "2024-05-01T06:00:00Z", "severity": "high",
	}, r.calls[0].params["props"])
}

func TestGraphSinkPropagatesErrors(t *testing.T) {
	s := NewGraphSink(&fakeRunner{err: errors.New("ServiceUnavailable")})
	require.Error(t, s.WriteAlert(context.Background(), testAlert()))
}

func TestEventPropsStringifiesNested(t *testing.T) {
	a := testAlert()
	a.Payload = map[string]any{"tags": []string{"x"}}
	props := eventProps(a)
	require.Equal(t, "[x]", props["tags"])
}

type fakeQuerier struct {
	calls []call
	rows  []map[string]any
	err   error
}

func (f *fakeQuerier) Query(_ context.Context, cypher string, params map[string]any) ([]map[string]any, error) {
	f.calls = append(f.calls, call{cypher, params})
	return f.rows, f.err
}

func TestGraphSinkStampsRecordedAt(t *testing.T) {
	r := &fakeRunner{}
	require.NoError(t, NewGraphSink(r).WriteAlert(context.Background(), testAlert()))
	require.Contains(t, r.calls[0].cypher, "SET e.recorded_at = datetime()")
}

func TestGraphReaderRiskFieldsRanksByEventCount(t *testing.T) {
	q := &fakeQuerier{rows: []map[string]any{
		{"field_id": "field_3", "event_count": int64(4)},
		{"field_id": "field_1", "event_count": int64(2)},
	}}
	risk, err := NewGraphReader(q).RiskFields(context.Background(), 5)
	require.NoError(t, err)
	require.Equal(t, []FieldRisk{{FieldID: "field_3", Events: 4}, {FieldID: "field_1", Events: 2}}, risk)

	require.Len(t, q.calls, 1)
	require.Contains(t, q.calls[0].cypher, "MATCH (f:Field)-[:HAS_EVENT]->(e:Event)")
	require.Contains(t, q.calls[0].cypher, "count(e) AS event_count")
	require.Contains(t, q.calls[0].cypher, "ORDER BY event_count DESC")
	require.Equal(t, int64(5), q.calls[0].params["limit"])
}

func TestGraphReaderRecentEvents(t *testing.T) {
	q := &fakeQuerier{rows: []map[string]any{
		{"field_id": "field_1", "id": "a-1", "type": "low_soil_moisture", "value": 7.5, "recorded_at": "2024-05-01T06:00:00Z"},
		{"field_id": "field_2", "id": nil, "type": "heat_stress", "value": nil, "recorded_at": nil},
	}}
	events, err := NewGraphReader(q).RecentEvents(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, "low_soil_moisture", events[0].Type)
	require.NotNil(t, events[0].Value)
	require.Equal(t, 7.5, *events[0].Value)
	require.Equal(t, "2024-05-01T06:00:00Z", events[0].RecordedAt)
	require.Nil(t, events[1].Value)
	require.Empty(t, events[1].ID)

	require.Contains(t, q.calls[0].cypher, "ORDER BY e.recorded_at DESC LIMIT $limit")
	require.Equal(t, int64(10), q.calls[0].params["limit"])
}

func TestGraphReaderEventTypes(t *testing.T) {
	q := &fakeQuerier{rows: []map[string]any{
		{"event_type": "low_soil_moisture", "count": int64(3)},
		{"event_type": "heat_stress", "count": int64(1)},
	}}
	counts, err := NewGraphReader(q).EventTypes(context.Background())
	require.NoError(t, err)
	require.Equal(t, []EventTypeCount{{Type: "low_soil_moisture", Count: 3}, {Type: "heat_stress", Count: 1}}, counts)
}

func TestGraphReaderWrapsErrors(t *testing.T) {
	g := NewGraphReader(&fakeQuerier{err: errors.New("ServiceUnavailable")})
	_, err := g.RiskFields(context.Background(), 5)
	require.ErrorContains(t, err, "risk fields")
	_, err = g.RecentEvents(context.Background(), 5)
	require.Error(t, err)
	_, err = g.EventTypes(context.Background())
	require.Error(t, err)
}
