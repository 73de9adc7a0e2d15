package event

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/LeonardoBeccarini/pasture_project/internal/model/messages"
	"github.com/LeonardoBeccarini/pasture_project/internal/sink"
)

// AlertHandler records alerts published by other services on event/alert/<field>.
type AlertHandler struct {
	sink sink.MetricSink
	ctx  context.Context
}

func NewAlertHandler(ctx context.Context, out sink.MetricSink) *AlertHandler {
	return &AlertHandler{sink: out, ctx: ctx}
}

func (h *AlertHandler) Handle(_ string, m mqtt.Message) error {
	topic := m.Topic()
	if !strings.HasPrefix(topic, sink.TopicEventAlert+"/") {
		return nil // ignore other topics
	}
	alert, err := DecodeAlert(topic, m.Payload())
	if err != nil {
		return err
	}
	return h.sink.WriteAlert(h.ctx, alert)
}

// DecodeAlert parses an alert, taking the field from the topic when the payload lacks it.
func DecodeAlert(topic string, payload []byte) (messages.AlertEvent, error) {
	var a messages.AlertEvent
	if err := json.Unmarshal(payload, &a); err != nil {
		return messages.AlertEvent{}, err
	}
	if strings.TrimSpace(a.FieldID) == "" {
		a.FieldID = fieldFromTopic(topic, sink.TopicEventAlert+"/")
	}
	if a.FieldID == "" || a.AlertType == "" {
		return messages.AlertEvent{}, errors.New("alert: missing field_id or alert_type")
	}
	return a, nil
}

// fieldFromTopic reads "prefix/{field}[/...]".
func fieldFromTopic(topic, prefix string) string {
	suffix := strings.TrimPrefix(topic, prefix)
	if suffix == topic {
		return ""
	}
	return strings.Split(suffix, "/")[0]
}
