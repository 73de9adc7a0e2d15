package aggregator

import (
	"context"
	"errors"
	"log/slog"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/LeonardoBeccarini/pasture_project/internal/model/messages"
	"github.com/LeonardoBeccarini/pasture_project/pkg/dedup"
	"github.com/LeonardoBeccarini/pasture_project/pkg/rabbitmq"
)

// DataAggregatorService consumes raw samples from the broker and runs them through
// the pipeline as they arrive.
type DataAggregatorService struct {
	consumer rabbitmq.IConsumer
	pipeline *Pipeline
	deduper  *dedup.Deduper
	logger   *slog.Logger
	ctx      context.Context
}

func NewDataAggregatorService(consumer rabbitmq.IConsumer, pipeline *Pipeline, deduper *dedup.Deduper, logger *slog.Logger) *DataAggregatorService {
	if logger == nil {
		logger = slog.Default()
	}
	return &DataAggregatorService{
		consumer: consumer,
		pipeline: pipeline,
		deduper:  deduper,
		logger:   logger,
		ctx:      context.Background(),
	}
}

func (d *DataAggregatorService) messageHandler(topic string, message mqtt.Message) error {
	payload := message.Payload()
	// QoS1 redeliveries carry identical bytes
	if d.deduper != nil && !d.deduper.ShouldProcess(dedup.PayloadID(payload)) {
		d.pipeline.Metrics().Duplicate()
		d.logger.Debug("duplicate sample skipped", "topic", topic)
		return nil
	}
	err := d.pipeline.Handle(d.ctx, payload)
	if errors.Is(err, messages.ErrInvalidSample) {
		// already counted and logged by the pipeline
		return nil
	}
	return err
}

// Start blocks until ctx is cancelled.
func (d *DataAggregatorService) Start(ctx context.Context) error {
	d.ctx = ctx
	d.consumer.SetHandler(d.messageHandler)
	d.logger.Info("data aggregator running",
		"policy", d.pipeline.Aggregator().Policy().Name(),
		"window_size", d.pipeline.Aggregator().WindowSize())
	return d.consumer.ConsumeMessage(ctx)
}
