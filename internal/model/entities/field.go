package entities

// Field documents keep grass height under a unit-suffixed key; the sensor
// metric stays MetricGrassHeight.
const LatestGrassHeightCM = "grass_height_cm"

// Field represents a pasture paddock belonging to a farm. It is stored as a
// document, so LatestMetrics and Notes are free-form.
type Field struct {
	ID                string             `json:"_id"`
	FarmID            string             `json:"farm_id"`
	Name              string             `json:"name"`
	Boundary          Polygon            `json:"boundary"`
	SoilType          string             `json:"soil_type,omitempty"`
	EstablishmentDate string             `json:"establishment_date,omitempty"` // YYYY-MM-DD
	LatestMetrics     map[string]float64 `json:"latest_metrics,omitempty"`
	Notes             []string           `json:"notes"`
}

// Polygon is a GeoJSON polygon: one or more linear rings of [lng, lat] pairs.
type Polygon struct {
	Type        string         `json:"type"`
	Coordinates [][][2]float64 `json:"coordinates"`
}

// Closed reports whether every ring has at least four points and ends where it starts.
func (p Polygon) Closed() bool {
	if len(p.Coordinates) == 0 {
		return false
	}
	for _, ring := range p.Coordinates {
		if len(ring) < 4 || ring[0] != ring[len(ring)-1] {
			return false
		}
	}
	return true
}
