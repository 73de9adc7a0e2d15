package rabbitmq

import (
	"fmt"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// IPublisher interface defines the method to publish a message
type IPublisher interface {
	PublishMessage(message interface{}) error
	Close()
}

// PublisherFactory builds a publisher bound to topic.
type PublisherFactory func(topic string) IPublisher

// Publisher holds the client and topic for publishing messages
type Publisher struct {
	client mqtt.Client
	topic  string
	qos    byte
}

// NewPublisher creates a new Publisher instance using the shared MQTT client and topic
func NewPublisher(client mqtt.Client, topic string) *Publisher {
	return &Publisher{client: client, topic: topic, qos: qosFor(topic)}
}

// Factory returns a PublisherFactory sharing client.
func Factory(client mqtt.Client) PublisherFactory {
	return func(topic string) IPublisher { return NewPublisher(client, topic) }
}

// PublishMessage publishes a string or []byte payload and waits for the broker ack.
func (p *Publisher) PublishMessage(message interface{}) error {
	var payload interface{}
	switch m := message.(type) {
	case string:
		payload = m
	case []byte:
		payload = m
	default:
		return fmt.Errorf("invalid message format %T, expected string or []byte", message)
	}

	token := p.client.Publish(p.topic, p.qos, false, payload)
	token.Wait()
	if token.Error() != nil {
		return fmt.Errorf("failed to publish message on %s: %w", p.topic, token.Error())
	}
	return nil
}

// Close is a no-op: the connection is shared and owned by whoever created it.
func (p *Publisher) Close() {}

func (p *Publisher) Topic() string { return p.topic }
