package entities

// Metric names produced by the field sensors.
const (
	MetricSoilMoisture = "soil_moisture" // volumetric %, 0..100
	MetricNDVI         = "ndvi"          // -1..1
	MetricAirTemp      = "air_temp"      // °C
	MetricGrassHeight  = "grass_height"  // cm
)

// KnownMetrics lists the vocabulary emitted by the simulator, in publishing order.
var KnownMetrics = []string{MetricSoilMoisture, MetricNDVI, MetricAirTemp, MetricGrassHeight}

// IsKnownMetric is informational only: unknown metrics are still accepted downstream.
func IsKnownMetric(name string) bool {
	for _, m := range KnownMetrics {
		if m == name {
			return true
		}
	}
	return false
}

// Sensor represents a single probe installed in a field.
type Sensor struct {
	FieldID   string  `json:"field_id"`
	ID        string  `json:"id"` // unique sensor identifier
	Metric    string  `json:"metric"`
	Longitude float64 `json:"longitude"`
	Latitude  float64 `json:"latitude"`
}

// SensorID is the naming convention used by the generator: one sensor per metric.
func SensorID(metric string) string { return "sensor_" + metric }
