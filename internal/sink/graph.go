package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/LeonardoBeccarini/pasture_project/internal/model/messages"
)

// createEventCypher links a new Event node to its (possibly new) Field node.
const createEventCypher = "MERGE (f:Field {id: $field_id}) " +
	"CREATE (e:Event $props) " +
	"SET e.recorded_at = datetime() " +
	"CREATE (f)-[:HAS_EVENT]->(e)"

const (
	recentEventsCypher = "MATCH (f:Field)-[:HAS_EVENT]->(e:Event) " +
		"RETURN f.id AS field_id, e.id AS id, e.type AS type, e.value AS value, toString(e.recorded_at) AS recorded_at " +
		"ORDER BY e.recorded_at DESC LIMIT $limit"
	riskFieldsCypher = "MATCH (f:Field)-[:HAS_EVENT]->(e:Event) " +
		"RETURN f.id AS field_id, count(e) AS event_count " +
		"ORDER BY event_count DESC, field_id LIMIT $limit"
	eventTypesCypher = "MATCH (e:Event) " +
		"RETURN e.type AS event_type, count(e) AS count " +
		"ORDER BY count DESC, event_type"
)

// CypherRunner executes one write statement.
type CypherRunner interface {
	Run(ctx context.Context, cypher string, params map[string]any) error
}

// CypherQuerier executes one read statement and returns its records keyed by
// column name.
type CypherQuerier interface {
	Query(ctx context.Context, cypher string, params map[string]any) ([]map[string]any, error)
}

// Neo4jRunner runs statements through neo4j.ExecuteQuery against one database.
type Neo4jRunner struct {
	Driver   neo4j.DriverWithContext
	Database string
}

func (r Neo4jRunner) Run(ctx context.Context, cypher string, params map[string]any) error {
	_, err := neo4j.ExecuteQuery(ctx, r.Driver, cypher, params,
		neo4j.EagerResultTransformer, neo4j.ExecuteQueryWithDatabase(r.Database))
	return err
}

func (r Neo4jRunner) Query(ctx context.Context, cypher string, params map[string]any) ([]map[string]any, error) {
	res, err := neo4j.ExecuteQuery(ctx, r.Driver, cypher, params,
		neo4j.EagerResultTransformer,
		neo4j.ExecuteQueryWithDatabase(r.Database),
		neo4j.ExecuteQueryWithReadersRouting())
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(res.Records))
	for _, rec := range res.Records {
		out = append(out, rec.AsMap())
	}
	return out, nil
}

// NewNeo4jDriver opens a driver and verifies connectivity.
func NewNeo4jDriver(ctx context.Context, uri, user, password string) (neo4j.DriverWithContext, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(user, password, ""))
	if err != nil {
		return nil, fmt.Errorf("neo4j driver: %w", err)
	}
	vctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := driver.VerifyConnectivity(vctx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("neo4j connectivity %s: %w", uri, err)
	}
	return driver, nil
}

// GraphSink records alerts as Event nodes hanging off their Field. Aggregates are
// not part of the graph and are ignored.
type GraphSink struct {
	runner CypherRunner
}

func NewGraphSink(runner CypherRunner) *GraphSink { return &GraphSink{runner: runner} }

func (s *GraphSink) Name() string { return "graph" }

func (s *GraphSink) WriteLatest(context.Context, messages.LatestAggregate) error { return nil }

func (s *GraphSink) WriteAlert(ctx context.Context, alert messages.AlertEvent) error {
	return s.runner.Run(ctx, createEventCypher, map[string]any{
		"field_id": alert.FieldID,
		"props":    eventProps(alert),
	})
}

// eventProps keeps only values Neo4j can store as node properties.
func eventProps(alert messages.AlertEvent) map[string]any {
	props := map[string]any{"type": alert.AlertType}
	if alert.ID != "" {
		props["id"] = alert.ID
	}
	if alert.Policy != "" {
		props["policy"] = alert.Policy
	}
	for k, v := range alert.Payload {
		switch v.(type) {
		case string, float64, int, int64, bool:
			props[k] = v
		default:
			props[k] = formatValue(v)
		}
	}
	return props
}

// GraphEvent is one Event node as read back from the graph.
type GraphEvent struct {
	FieldID    string   `json:"field_id"`
	ID         string   `json:"id,omitempty"`
	Type       string   `json:"type"`
	Value      *float64 `json:"value,omitempty"`
	RecordedAt string   `json:"recorded_at,omitempty"`
}

// FieldRisk ranks a field by how many events hang off it.
type FieldRisk struct {
	FieldID string `json:"field_id"`
	Events  int64  `json:"event_count"`
}

// EventTypeCount is the number of Event nodes of one type.
type EventTypeCount struct {
	Type  string `json:"event_type"`
	Count int64  `json:"count"`
}

// GraphReader answers the read side of the event graph.
type GraphReader struct {
	q CypherQuerier
}

func NewGraphReader(q CypherQuerier) *GraphReader { return &GraphReader{q: q} }

// RecentEvents returns up to limit events, newest first.
func (g *GraphReader) RecentEvents(ctx context.Context, limit int) ([]GraphEvent, error) {
	rows, err := g.q.Query(ctx, recentEventsCypher, map[string]any{"limit": int64(limit)})
	if err != nil {
		return nil, fmt.Errorf("recent events: %w", err)
	}
	out := make([]GraphEvent, 0, len(rows))
	for _, row := range rows {
		ev := GraphEvent{
			FieldID:    asString(row["field_id"]),
			ID:         asString(row["id"]),
			Type:       asString(row["type"]),
			RecordedAt: asString(row["recorded_at"]),
		}
		if v, ok := asFloat(row["value"]); ok {
			ev.Value = &v
		}
		out = append(out, ev)
	}
	return out, nil
}

// RiskFields returns the limit fields with the most events, highest first.
func (g *GraphReader) RiskFields(ctx context.Context, limit int) ([]FieldRisk, error) {
	rows, err := g.q.Query(ctx, riskFieldsCypher, map[string]any{"limit": int64(limit)})
	if err != nil {
		return nil, fmt.Errorf("risk fields: %w", err)
	}
	out := make([]FieldRisk, 0, len(rows))
	for _, row := range rows {
		n, _ := row["event_count"].(int64)
		out = append(out, FieldRisk{FieldID: asString(row["field_id"]), Events: n})
	}
	return out, nil
}

// EventTypes counts events per type, most frequent first.
func (g *GraphReader) EventTypes(ctx context.Context) ([]EventTypeCount, error) {
	rows, err := g.q.Query(ctx, eventTypesCypher, nil)
	if err != nil {
		return nil, fmt.Errorf("event types: %w", err)
	}
	out := make([]EventTypeCount, 0, len(rows))
	for _, row := range rows {
		n, _ := row["count"].(int64)
		out = append(out, EventTypeCount{Type: asString(row["event_type"]), Count: n})
	}
	return out, nil
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	}
	return 0, false
}
