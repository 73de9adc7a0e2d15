package aggregator

import (
	"context"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/LeonardoBeccarini/pasture_project/pkg/dedup"
	"github.com/LeonardoBeccarini/pasture_project/pkg/rabbitmq"
)

type fakeMessage struct {
	mqtt.Message
	topic   string
	payload []byte
}

func (m fakeMessage) Topic() string   { return m.topic }
func (m fakeMessage) Payload() []byte { return m.payload }

// fakeConsumer delivers queued messages once ConsumeMessage starts.
type fakeConsumer struct {
	handler rabbitmq.Handler
	queue   []fakeMessage
	errs    []error
}

func (f *fakeConsumer) SetHandler(h rabbitmq.Handler) { f.handler = h }

func (f *fakeConsumer) ConsumeMessage(ctx context.Context) error {
	for _, m := range f.queue {
		f.errs = append(f.errs, f.handler(m.topic, m))
	}
	<-ctx.Done()
	return nil
}

func TestServiceDedupesRedeliveries(t *testing.T) {
	out := &captureSink{}
	pl, m := newTestPipeline(t, GraphEventPolicy(), out)

	hot := []byte(`{"field_id":"field_1","metric_type":"air_temp","metric_value":31.5,"sensor_ts":"2024-05-01T06:00:00Z"}`)
	cons := &fakeConsumer{queue: []fakeMessage{
		{topic: "sensor/data/field_1", payload: hot},
		{topic: "sensor/data/field_1", payload: hot},
		{topic: "sensor/data/field_1", payload: []byte(`{"oops"`)},
	}}
	svc := NewDataAggregatorService(cons, pl, dedup.New(time.Minute, 100), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.NoError(t, svc.Start(ctx))

	require.Equal(t, []error{nil, nil, nil}, cons.errs)
	require.Len(t, out.alerts, 1)
	require.Equal(t, "high_temperature", out.alerts[0].AlertType)
	require.Equal(t, 1.0, testutil.ToFloat64(m.duplicates))
	require.Equal(t, 1.0, testutil.ToFloat64(m.invalid))
}
