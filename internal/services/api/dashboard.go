package api

import (
	"context"
	"math"
	"math/rand"
	"net/http"
	"sort"
	"strconv"
	"sync"

	"github.com/LeonardoBeccarini/pasture_project/internal/model/entities"
	"github.com/LeonardoBeccarini/pasture_project/internal/model/messages"
	sensorSimulator "github.com/LeonardoBeccarini/pasture_project/internal/sensor-simulator"
)

// FieldSummary pairs a field with its latest-value hash.
type FieldSummary struct {
	Field  entities.Field    `json:"field"`
	Latest map[string]string `json:"latest"`
}

// Dashboard is the overview served on GET /api/dashboard. Parts that could not be
// loaded are named in Errors and left empty.
type Dashboard struct {
	Fields []FieldSummary        `json:"fields"`
	Alerts []messages.AlertEvent `json:"alerts"`
	Stats  map[string]float64    `json:"stats"`
	Errors []string              `json:"errors,omitempty"`
}

const (
	dashboardAlerts      = 20
	dashboardParallelism = 8
	statsKey             = "latest_" + entities.MetricSoilMoisture
)

func (r *Router) handleDashboard(w http.ResponseWriter, req *http.Request) {
	ctx, cancel := context.WithTimeout(req.Context(), storeTimeout)
	defer cancel()

	data := Dashboard{Fields: []FieldSummary{}, Alerts: []messages.AlertEvent{}, Stats: map[string]float64{}}
	var (
		mu   sync.Mutex
		wg   sync.WaitGroup
		errs []string
	)
	fail := func(part string, err error) {
		mu.Lock()
		errs = append(errs, part+": "+err.Error())
		mu.Unlock()
	}

	// alerts in parallel with the field scan
	if r.opts.Latest != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			alerts, err := r.opts.Latest.RecentAlerts(ctx, dashboardAlerts)
			if err != nil {
				fail("alerts", err)
				return
			}
			if alerts != nil {
				mu.Lock()
				data.Alerts = alerts
				mu.Unlock()
			}
		}()
	}

	fields, err := r.dashboardFields(ctx)
	if err != nil {
		fail("fields", err)
	}
	summaries := make([]FieldSummary, len(fields))
	sem := make(chan struct{}, dashboardParallelism)
	for i, f := range fields {
		summaries[i] = FieldSummary{Field: f, Latest: map[string]string{}}
		if r.opts.Latest == nil {
			continue
		}
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			latest, err := r.opts.Latest.Latest(ctx, id)
			if err != nil {
				fail("latest "+id, err)
				return
			}
			if latest != nil {
				summaries[i].Latest = latest
			}
		}(i, f.ID)
	}
	wg.Wait()

	sort.Slice(summaries, func(i, j int) bool { return summaries[i].Field.ID < summaries[j].Field.ID })
	data.Fields = summaries
	data.Stats = moistureStats(summaries)
	sort.Strings(errs)
	data.Errors = errs
	writeJSON(w, http.StatusOK, data)
}

func (r *Router) dashboardFields(ctx context.Context) ([]entities.Field, error) {
	if r.opts.Fields == nil {
		var fields []entities.Field
		r.withRand(func(rng *rand.Rand) { fields = sensorSimulator.SampleFields(rng, r.opts.SampleFields) })
		return fields, nil
	}
	return r.opts.Fields.ListFields(ctx)
}

// moistureStats summarises the latest soil moisture across fields that report one.
func moistureStats(fields []FieldSummary) map[string]float64 {
	stats := map[string]float64{}
	var sum, minv, maxv float64
	n := 0
	minv, maxv = math.MaxFloat64, -math.MaxFloat64
	for _, f := range fields {
		v, err := strconv.ParseFloat(f.Latest[statsKey], 64)
		if err != nil {
			continue
		}
		sum += v
		minv = math.Min(minv, v)
		maxv = math.Max(maxv, v)
		n++
	}
	if n > 0 {
		stats["mean"] = math.Round(sum/float64(n)*100) / 100
		stats["min"] = minv
		stats["max"] = maxv
		stats["fields"] = float64(n)
	}
	return stats
}
