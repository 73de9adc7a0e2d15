package sink

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/LeonardoBeccarini/pasture_project/internal/model/messages"
	"github.com/LeonardoBeccarini/pasture_project/pkg/rabbitmq"
)

// Topic roots used on the broker.
const (
	TopicSensorData       = "sensor/data"
	TopicSensorAggregated = "sensor/aggregated"
	TopicEventAlert       = "event/alert"
)

// MQTTSink republishes aggregates on sensor/aggregated/<field> and alerts on
// event/alert/<field> as JSON.
type MQTTSink struct {
	publishers rabbitmq.PublisherFactory
}

func NewMQTTSink(factory rabbitmq.PublisherFactory) *MQTTSink {
	return &MQTTSink{publishers: factory}
}

func (s *MQTTSink) Name() string { return "mqtt" }

func (s *MQTTSink) WriteLatest(_ context.Context, agg messages.LatestAggregate) error {
	return s.publish(TopicSensorAggregated+"/"+agg.FieldID, agg)
}

func (s *MQTTSink) WriteAlert(_ context.Context, alert messages.AlertEvent) error {
	return s.publish(TopicEventAlert+"/"+alert.FieldID, alert)
}

func (s *MQTTSink) publish(topic string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal for %s: %w", topic, err)
	}
	return s.publishers(topic).PublishMessage(b)
}
