package sensor_simulator

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/LeonardoBeccarini/pasture_project/internal/model/entities"
	"github.com/LeonardoBeccarini/pasture_project/internal/model/messages"
)

// ====== Tunables ======
const (
	// fieldDelta is half the side of the square boundary drawn around a field centre (degrees).
	fieldDelta = 0.01

	// gainPerMin: soil moisture points added per minute of irrigation.
	gainPerMin = 0.6

	// DefaultPeriods and DefaultFrequency match the hourly two-day series served by the API.
	DefaultPeriods   = 48
	DefaultFrequency = time.Hour
)

var soilTypes = []string{"loam", "sandy loam", "clay"}

// GenerateField builds a sample paddock with a closed square boundary around center ([lng, lat]).
func GenerateField(rng *rand.Rand, fieldID, farmID string, center [2]float64) entities.Field {
	lng, lat := center[0], center[1]
	ring := [][2]float64{
		{lng - fieldDelta, lat - fieldDelta},
		{lng + fieldDelta, lat - fieldDelta},
		{lng + fieldDelta, lat + fieldDelta},
		{lng - fieldDelta, lat + fieldDelta},
		{lng - fieldDelta, lat - fieldDelta},
	}
	return entities.Field{
		ID:                fieldID,
		FarmID:            farmID,
		Name:              "Pasture " + fieldID,
		Boundary:          entities.Polygon{Type: "Polygon", Coordinates: [][][2]float64{ring}},
		SoilType:          soilTypes[rng.Intn(len(soilTypes))],
		EstablishmentDate: "2018-04-10",
		LatestMetrics: map[string]float64{
			entities.MetricNDVI:          round(uniform(rng, 0.35, 0.85), 3),
			entities.MetricSoilMoisture:  round(uniform(rng, 8, 30), 2),
			entities.LatestGrassHeightCM: round(uniform(rng, 4, 30), 2),
		},
		Notes: []string{},
	}
}

// SampleFields returns count fields named field_1..field_N, five per farm, with centres
// spread along a diagonal.
func SampleFields(rng *rand.Rand, count int) []entities.Field {
	out := make([]entities.Field, 0, count)
	for i := 0; i < count; i++ {
		out = append(out, GenerateField(rng,
			fmt.Sprintf("field_%d", i+1),
			fmt.Sprintf("farm_%d", i/5+1),
			[2]float64{float64(i) * 0.01, float64(i) * 0.005}))
	}
	return out
}

// GenerateSensorSeries walks backwards from start, one period per freq, emitting one
// sample per known metric and period.
func GenerateSensorSeries(rng *rand.Rand, fieldID string, start time.Time, periods int, freq time.Duration) []messages.SensorSample {
	if periods < 0 {
		periods = 0
	}
	rows := make([]messages.SensorSample, 0, periods*len(entities.KnownMetrics))
	for i := 0; i < periods; i++ {
		ts := start.Add(-time.Duration(i) * freq).UTC()
		for _, metric := range entities.KnownMetrics {
			rows = append(rows, sampleAt(rng, fieldID, metric, i, 0, ts))
		}
	}
	return rows
}

// metricValue is the synthetic curve for metric at period i.
func metricValue(rng *rand.Rand, metric string, i int) float64 {
	x := float64(i)
	switch metric {
	case entities.MetricSoilMoisture:
		return round(10+5*math.Sin(x/10)+uniform(rng, -1, 1), 2)
	case entities.MetricNDVI:
		return round(0.5+0.1*math.Cos(x/20)+uniform(rng, -0.05, 0.05), 3)
	case entities.MetricAirTemp:
		return round(15+10*math.Sin(x/24)+uniform(rng, -2, 2), 2)
	case entities.MetricGrassHeight:
		return round(6+0.05*x+uniform(rng, -1, 1), 2)
	}
	return 0
}

func sampleAt(rng *rand.Rand, fieldID, metric string, i int, boost float64, ts time.Time) messages.SensorSample {
	v := metricValue(rng, metric, i)
	if metric == entities.MetricSoilMoisture && boost > 0 {
		v = round(math.Min(100, v+boost), 2)
	}
	return messages.SensorSample{
		FieldID:     fieldID,
		Timestamp:   ts,
		SensorID:    entities.SensorID(metric),
		MetricType:  metric,
		MetricValue: v,
	}
}

// DataGenerator produces the live feed of one field: each call to Next advances one period.
// Irrigation adds a soil moisture boost that halves every period.
type DataGenerator struct {
	mu      sync.Mutex
	rng     *rand.Rand
	fieldID string
	period  int
	boost   float64
}

func NewDataGenerator(fieldID string, rng *rand.Rand) *DataGenerator {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &DataGenerator{rng: rng, fieldID: fieldID}
}

func (g *DataGenerator) FieldID() string { return g.fieldID }

// Next returns one sample per known metric stamped with now.
func (g *DataGenerator) Next(now time.Time) []messages.SensorSample {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]messages.SensorSample, 0, len(entities.KnownMetrics))
	for _, metric := range entities.KnownMetrics {
		out = append(out, sampleAt(g.rng, g.fieldID, metric, g.period, g.boost, now.UTC()))
	}
	g.period++
	g.boost /= 2
	return out
}

// ApplyIrrigation raises soil moisture for the following periods.
func (g *DataGenerator) ApplyIrrigation(d time.Duration) {
	if g == nil || d <= 0 {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.boost += gainPerMin * d.Minutes()
}

// ===== Helpers =====

func uniform(rng *rand.Rand, lo, hi float64) float64 { return lo + rng.Float64()*(hi-lo) }

func round(x float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(x*p) / p
}
