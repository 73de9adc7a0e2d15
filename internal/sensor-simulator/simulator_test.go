package sensor_simulator

import (
	"encoding/json"
	"errors"
	"math/rand"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/require"

	"github.com/LeonardoBeccarini/pasture_project/internal/model/entities"
	"github.com/LeonardoBeccarini/pasture_project/internal/model/messages"
)

var start = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func TestGenerateFieldBoundaryIsClosed(t *testing.T) {
	f := GenerateField(rand.New(rand.NewSource(1)), "field_9", "farm_2", [2]float64{10, 45})

	require.Equal(t, "field_9", f.ID)
	require.Equal(t, "Pasture field_9", f.Name)
	require.Equal(t, "Polygon", f.Boundary.Type)
	require.True(t, f.Boundary.Closed())
	require.Len(t, f.Boundary.Coordinates[0], 5)
	require.Contains(t, soilTypes, f.SoilType)
	require.NotNil(t, f.Notes)

	ndvi := f.LatestMetrics[entities.MetricNDVI]
	require.GreaterOrEqual(t, ndvi, 0.35)
	require.LessOrEqual(t, ndvi, 0.85)

	height, ok := f.LatestMetrics[entities.LatestGrassHeightCM]
	require.True(t, ok)
	require.GreaterOrEqual(t, height, 4.0)
	require.LessOrEqual(t, height, 30.0)
	require.NotContains(t, f.LatestMetrics, entities.MetricGrassHeight)
}

func TestSampleFieldsGroupsFivePerFarm(t *testing.T) {
	fields := SampleFields(rand.New(rand.NewSource(1)), 7)

	require.Len(t, fields, 7)
	require.Equal(t, "field_1", fields[0].ID)
	require.Equal(t, "farm_1", fields[4].FarmID)
	require.Equal(t, "farm_2", fields[5].FarmID)
}

func TestGenerateSensorSeriesShape(t *testing.T) {
	rows := GenerateSensorSeries(rand.New(rand.NewSource(7)), "field_1", start, 3, time.Hour)

	require.Len(t, rows, 12)
	require.Equal(t, entities.MetricSoilMoisture, rows[0].MetricType)
	require.Equal(t, "sensor_grass_height", rows[3].SensorID)
	require.Equal(t, start, rows[0].Timestamp)
	require.Equal(t, start.Add(-2*time.Hour), rows[11].Timestamp)
	for _, r := range rows {
		require.NoError(t, r.Validate())
		if r.MetricType == entities.MetricSoilMoisture {
			require.InDelta(t, 10, r.MetricValue, 6.01)
		}
	}
}

func TestGenerateSensorSeriesIsDeterministicPerSeed(t *testing.T) {
	a := GenerateSensorSeries(rand.New(rand.NewSource(42)), "f", start, 4, time.Hour)
	b := GenerateSensorSeries(rand.New(rand.NewSource(42)), "f", start, 4, time.Hour)
	require.Equal(t, a, b)

	require.Empty(t, GenerateSensorSeries(rand.New(rand.NewSource(1)), "f", start, -1, time.Hour))
}

func TestIrrigationRaisesMoistureThenFades(t *testing.T) {
	plain := NewDataGenerator("f", rand.New(rand.NewSource(3)))
	wet := NewDataGenerator("f", rand.New(rand.NewSource(3)))
	wet.ApplyIrrigation(10 * time.Minute)

	p, w := plain.Next(start), wet.Next(start)
	require.InDelta(t, p[0].MetricValue+6, w[0].MetricValue, 1e-9)
	require.Equal(t, p[1].MetricValue, w[1].MetricValue)

	p, w = plain.Next(start), wet.Next(start)
	require.InDelta(t, p[0].MetricValue+3, w[0].MetricValue, 1e-9)
}

type capturePublisher struct {
	payloads [][]byte
	fail     bool
	closed   bool
}

func (c *capturePublisher) PublishMessage(m interface{}) error {
	if c.fail {
		return errors.New("broker down")
	}
	c.payloads = append(c.payloads, m.([]byte))
	return nil
}

func (c *capturePublisher) Close() { c.closed = true }

type fakeMessage struct {
	mqtt.Message
	payload []byte
}

func (m fakeMessage) Payload() []byte { return m.payload }

func TestPublishOnceSendsEveryMetric(t *testing.T) {
	pub := &capturePublisher{}
	sim := NewSensorSimulator(nil, pub, NewDataGenerator("field_1", rand.New(rand.NewSource(1))), time.Minute, nil)
	sim.now = func() time.Time { return start }

	require.Equal(t, 4, sim.PublishOnce())
	s, err := messages.DecodeSample(pub.payloads[1])
	require.NoError(t, err)
	require.Equal(t, entities.MetricNDVI, s.MetricType)
	require.Equal(t, start, s.Timestamp)

	pub.fail = true
	require.Zero(t, sim.PublishOnce())
}

func TestHandleMessageIrrigatesOnlyOnItsOwnAlert(t *testing.T) {
	gen := NewDataGenerator("field_1", rand.New(rand.NewSource(1)))
	sim := NewSensorSimulator(nil, &capturePublisher{}, gen, 10*time.Minute, nil)

	raw := func(a messages.AlertEvent) fakeMessage {
		b, err := json.Marshal(a)
		require.NoError(t, err)
		return fakeMessage{payload: b}
	}

	require.NoError(t, sim.handleMessage("", raw(messages.AlertEvent{FieldID: "field_2", AlertType: IrrigationTrigger})))
	require.NoError(t, sim.handleMessage("", raw(messages.AlertEvent{FieldID: "field_1", AlertType: "low_ndvi"})))
	require.Zero(t, gen.boost)

	alert := raw(messages.AlertEvent{ID: "a1", FieldID: "field_1", AlertType: IrrigationTrigger})
	require.NoError(t, sim.handleMessage("", alert))
	require.NoError(t, sim.handleMessage("", alert)) // redelivery
	require.InDelta(t, 6.0, gen.boost, 1e-9)

	require.Error(t, sim.handleMessage("", fakeMessage{payload: []byte("{")}))
}
