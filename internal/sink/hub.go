package sink

import (
	"context"
	"encoding/json"

	"github.com/LeonardoBeccarini/pasture_project/internal/model/messages"
)

// Broadcaster is the part of the websocket hub the sink needs.
type Broadcaster interface {
	Broadcast(fieldID string, payload []byte)
}

// HubSink pushes alerts to live stream subscribers. Aggregates are not streamed.
type HubSink struct {
	hub Broadcaster
}

func NewHubSink(hub Broadcaster) *HubSink { return &HubSink{hub: hub} }

func (s *HubSink) Name() string { return "stream" }

func (s *HubSink) WriteLatest(context.Context, messages.LatestAggregate) error { return nil }

func (s *HubSink) WriteAlert(_ context.Context, alert messages.AlertEvent) error {
	b, err := json.Marshal(alert)
	if err != nil {
		return err
	}
	s.hub.Broadcast(alert.FieldID, b)
	return nil
}
