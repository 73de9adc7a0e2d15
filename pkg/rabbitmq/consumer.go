package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Handler processes one delivery; a returned error is logged, never redelivered.
type Handler func(topic string, message mqtt.Message) error

// IConsumer is the feed side of the transport.
type IConsumer interface {
	ConsumeMessage(ctx context.Context) error
	SetHandler(handler Handler)
}

// qosFor: at-least-once for aggregated data and alerts, at-most-once for raw samples.
func qosFor(topic string) byte {
	t := strings.TrimSpace(topic)
	if strings.HasPrefix(t, "sensor/aggregated") ||
		strings.HasPrefix(t, "event/alert") {
		return 1
	}
	return 0
}

// Consumer subscribes to one or more topic filters on a shared client.
type Consumer struct {
	client  mqtt.Client
	handler Handler
	topics  []string
	logger  *slog.Logger
}

// NewConsumer creates a new Consumer instance using the shared MQTT client and topics
func NewConsumer(client mqtt.Client, topics []string, handler Handler, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{client: client, topics: topics, handler: handler, logger: logger}
}

func (c *Consumer) SetHandler(handler Handler) {
	c.handler = handler
}

// ConsumeMessage subscribes to every topic and blocks until ctx is cancelled.
func (c *Consumer) ConsumeMessage(ctx context.Context) error {
	subscribed := make([]string, 0, len(c.topics))
	for _, topic := range c.topics {
		topic := strings.TrimSpace(topic)
		if topic == "" {
			continue
		}
		token := c.client.Subscribe(topic, qosFor(topic), func(_ mqtt.Client, msg mqtt.Message) {
			if c.handler == nil {
				c.logger.Warn("no handler set", "topic", topic)
				return
			}
			if err := c.handler(msg.Topic(), msg); err != nil {
				c.logger.Error("error handling message", "topic", msg.Topic(), "error", err)
			}
		})
		if token.Wait() && token.Error() != nil {
			c.unsubscribe(subscribed)
			return fmt.Errorf("subscribe %s: %w", topic, token.Error())
		}
		subscribed = append(subscribed, topic)
		c.logger.Info("subscribed", "topic", topic)
	}

	<-ctx.Done()
	c.unsubscribe(subscribed)
	return nil
}

func (c *Consumer) unsubscribe(topics []string) {
	if len(topics) == 0 || !c.client.IsConnectionOpen() {
		return
	}
	c.client.Unsubscribe(topics...).Wait()
}
