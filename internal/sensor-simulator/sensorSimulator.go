package sensor_simulator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/LeonardoBeccarini/pasture_project/internal/model/messages"
	"github.com/LeonardoBeccarini/pasture_project/pkg/dedup"
	"github.com/LeonardoBeccarini/pasture_project/pkg/rabbitmq"
)

// IrrigationTrigger is the alert that makes a simulated field irrigate itself.
const IrrigationTrigger = "low_soil_moisture"

// SensorSimulator publishes a field's samples on a fixed interval and reacts to the
// field's low moisture alerts by irrigating.
type SensorSimulator struct {
	generator   *DataGenerator
	publisher   rabbitmq.IPublisher
	consumer    rabbitmq.IConsumer
	deduper     *dedup.Deduper
	irrigateFor time.Duration
	now         func() time.Time
	logger      *slog.Logger
}

// NewSensorSimulator wires a generator to a publisher. consumer may be nil, in which
// case alerts are not followed.
func NewSensorSimulator(consumer rabbitmq.IConsumer, publisher rabbitmq.IPublisher,
	gen *DataGenerator, irrigateFor time.Duration, logger *slog.Logger) *SensorSimulator {
	if logger == nil {
		logger = slog.Default()
	}
	return &SensorSimulator{
		generator:   gen,
		publisher:   publisher,
		consumer:    consumer,
		deduper:     dedup.New(2*time.Minute, 10000),
		irrigateFor: irrigateFor,
		now:         time.Now,
		logger:      logger.With("field_id", gen.FieldID()),
	}
}

// Start publishes until ctx is done.
func (s *SensorSimulator) Start(ctx context.Context, interval time.Duration) {
	if s.consumer != nil {
		s.consumer.SetHandler(s.handleMessage)
		go func() {
			if err := s.consumer.ConsumeMessage(ctx); err != nil {
				s.logger.Error("alert consumer stopped", "error", err)
			}
		}()
	}
	defer s.publisher.Close()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.PublishOnce()
		}
	}
}

// PublishOnce emits one period of samples and returns how many were published.
func (s *SensorSimulator) PublishOnce() int {
	sent := 0
	for _, sample := range s.generator.Next(s.now()) {
		payload, err := json.Marshal(sample)
		if err != nil {
			s.logger.Error("encode sample", "error", err)
			continue
		}
		if err := s.publisher.PublishMessage(payload); err != nil {
			s.logger.Warn("publish failed", "metric", sample.MetricType, "error", err)
			continue
		}
		sent++
	}
	s.logger.Debug("published samples", "count", sent)
	return sent
}

func (s *SensorSimulator) handleMessage(_ string, msg mqtt.Message) error {
	// QoS1 redeliveries carry the same payload
	if !s.deduper.ShouldProcess(dedup.PayloadID(msg.Payload())) {
		return nil
	}
	var alert messages.AlertEvent
	if err := json.Unmarshal(msg.Payload(), &alert); err != nil {
		return fmt.Errorf("invalid alert: %w", err)
	}
	if alert.FieldID != s.generator.FieldID() || alert.AlertType != IrrigationTrigger {
		return nil
	}
	s.generator.ApplyIrrigation(s.irrigateFor)
	s.logger.Info("irrigating", "duration", s.irrigateFor, "alert_id", alert.ID)
	return nil
}
