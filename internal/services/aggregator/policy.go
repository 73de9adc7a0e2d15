package aggregator

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/LeonardoBeccarini/pasture_project/internal/model/entities"
	"github.com/LeonardoBeccarini/pasture_project/internal/model/messages"
)

// Quantity selects what a rule is evaluated against.
type Quantity int

const (
	QuantityNone Quantity = iota
	QuantityRaw
	QuantityMean
)

func (q Quantity) String() string {
	switch q {
	case QuantityRaw:
		return "raw"
	case QuantityMean:
		return "mean"
	default:
		return "none"
	}
}

// EvalContext is echoed into alert payloads; it never changes the outcome.
type EvalContext struct {
	FieldID   string
	Timestamp time.Time
}

// ThresholdPolicy maps a metric's value (or rolling mean) to at most one alert.
// Implementations must be stateless and deterministic.
type ThresholdPolicy interface {
	Name() string
	Quantity(metric string) Quantity
	Classify(metric string, value float64, ctx EvalContext) (messages.AlertEvent, bool)
}

// Policy names shipped with the platform.
const (
	LatestValuePolicyName = "latest_value"
	GraphEventPolicyName  = "graph_event"
)

type comparison int

const (
	below comparison = iota
	above
)

type rule struct {
	metric    string
	quantity  Quantity
	op        comparison
	threshold float64
	baseline  *float64
	alertType string

	reportThreshold bool
	reportTS        bool

	severity         string
	escalateBelow    *float64
	escalateSeverity string
}

func (r rule) matches(v float64) bool {
	if r.op == above {
		return v > r.threshold
	}
	return v < r.threshold
}

func (r rule) severityFor(v float64) string {
	if r.escalateBelow != nil && v < *r.escalateBelow {
		return r.escalateSeverity
	}
	return r.severity
}

// RulePolicy is a ThresholdPolicy backed by a table with one rule per metric.
type RulePolicy struct {
	name  string
	rules map[string]rule
}

var _ ThresholdPolicy = (*RulePolicy)(nil)

// NewRulePolicy compiles and validates a PolicySpec.
func NewRulePolicy(spec entities.PolicySpec) (*RulePolicy, error) {
	name := strings.TrimSpace(spec.Name)
	if name == "" {
		return nil, errors.New("policy: name is required")
	}
	p := &RulePolicy{name: name, rules: make(map[string]rule, len(spec.Rules))}
	for i, rs := range spec.Rules {
		r, err := compileRule(rs)
		if err != nil {
			return nil, fmt.Errorf("policy %s: rule %d: %w", name, i, err)
		}
		if _, dup := p.rules[r.metric]; dup {
			return nil, fmt.Errorf("policy %s: duplicate rule for metric %q", name, r.metric)
		}
		p.rules[r.metric] = r
	}
	return p, nil
}

func compileRule(rs entities.RuleSpec) (rule, error) {
	r := rule{
		metric:           strings.TrimSpace(rs.Metric),
		threshold:        rs.Threshold,
		baseline:         rs.Baseline,
		alertType:        strings.TrimSpace(rs.AlertType),
		reportThreshold:  rs.ReportThreshold,
		reportTS:         rs.ReportTimestamp,
		severity:         rs.Severity,
		escalateBelow:    rs.EscalateBelow,
		escalateSeverity: rs.EscalateSeverity,
	}
	if r.metric == "" {
		return rule{}, errors.New("metric is required")
	}
	if r.alertType == "" {
		return rule{}, errors.New("alert_type is required")
	}
	switch strings.ToLower(strings.TrimSpace(rs.Quantity)) {
	case "", "raw":
		r.quantity = QuantityRaw
	case "mean":
		r.quantity = QuantityMean
	default:
		return rule{}, fmt.Errorf("unknown quantity %q", rs.Quantity)
	}
	switch strings.ToLower(strings.TrimSpace(rs.Op)) {
	case "", "below":
		r.op = below
	case "above":
		r.op = above
	default:
		return rule{}, fmt.Errorf("unknown op %q", rs.Op)
	}
	if rs.Baseline != nil && rs.Margin != 0 {
		r.threshold = *rs.Baseline - rs.Margin
	}
	if r.escalateBelow != nil && r.escalateSeverity == "" {
		return rule{}, errors.New("escalate_below requires escalate_severity")
	}
	return r, nil
}

func (p *RulePolicy) Name() string { return p.name }

func (p *RulePolicy) Quantity(metric string) Quantity {
	r, ok := p.rules[metric]
	if !ok {
		return QuantityNone
	}
	return r.quantity
}

// Metrics lists the metrics the policy has rules for, sorted.
func (p *RulePolicy) Metrics() []string {
	out := make([]string, 0, len(p.rules))
	for m := range p.rules {
		out = append(out, m)
	}
	slices.Sort(out)
	return out
}

// Threshold returns the effective threshold for metric.
func (p *RulePolicy) Threshold(metric string) (float64, bool) {
	r, ok := p.rules[metric]
	return r.threshold, ok
}

func (p *RulePolicy) Classify(metric string, value float64, ctx EvalContext) (messages.AlertEvent, bool) {
	r, ok := p.rules[metric]
	if !ok || !r.matches(value) {
		return messages.AlertEvent{}, false
	}
	payload := map[string]any{"value": value}
	if r.reportThreshold {
		payload["threshold"] = r.threshold
	}
	if r.baseline != nil {
		payload["baseline"] = *r.baseline
	}
	if r.reportTS {
		payload["ts"] = formatTS(ctx.Timestamp)
	}
	if sev := r.severityFor(value); sev != "" {
		payload["severity"] = sev
	}
	return messages.AlertEvent{
		FieldID:   ctx.FieldID,
		AlertType: r.alertType,
		Policy:    p.name,
		Payload:   payload,
		Timestamp: ctx.Timestamp,
	}, true
}

func formatTS(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func ptr(v float64) *float64 { return &v }

// LatestValuePolicySpec is the threshold set of the latest-value job: rolling mean for
// soil moisture, NDVI drop against a fixed baseline.
func LatestValuePolicySpec() entities.PolicySpec {
	return entities.PolicySpec{
		Name: LatestValuePolicyName,
		Rules: []entities.RuleSpec{
			{
				Metric: entities.MetricSoilMoisture, Quantity: "mean", Op: "below",
				Threshold: 12.0, AlertType: "low_soil_moisture", ReportThreshold: true,
			},
			{
				Metric: entities.MetricNDVI, Quantity: "raw", Op: "below",
				Baseline: ptr(0.55), Margin: 0.15, AlertType: "ndvi_drop",
			},
		},
	}
}

// GraphEventPolicySpec is the threshold set of the graph-event job: raw values only.
func GraphEventPolicySpec() entities.PolicySpec {
	return entities.PolicySpec{
		Name: GraphEventPolicyName,
		Rules: []entities.RuleSpec{
			{
				Metric: entities.MetricSoilMoisture, Quantity: "raw", Op: "below",
				Threshold: 10.0, AlertType: "low_soil_moisture", ReportTimestamp: true,
				Severity: "medium", EscalateBelow: ptr(8.0), EscalateSeverity: "high",
			},
			{
				Metric: entities.MetricNDVI, Quantity: "raw", Op: "below",
				Threshold: 0.40, Baseline: ptr(0.55), AlertType: "low_ndvi", ReportTimestamp: true,
			},
			{
				Metric: entities.MetricAirTemp, Quantity: "raw", Op: "above",
				Threshold: 30.0, AlertType: "high_temperature", ReportTimestamp: true,
			},
			{
				Metric: entities.MetricGrassHeight, Quantity: "raw", Op: "below",
				Threshold: 4.0, AlertType: "low_grass_height", ReportTimestamp: true,
			},
		},
	}
}

// LatestValuePolicy returns the compiled built-in latest-value policy.
func LatestValuePolicy() *RulePolicy { return mustPolicy(LatestValuePolicySpec()) }

// GraphEventPolicy returns the compiled built-in graph-event policy.
func GraphEventPolicy() *RulePolicy { return mustPolicy(GraphEventPolicySpec()) }

func mustPolicy(spec entities.PolicySpec) *RulePolicy {
	p, err := NewRulePolicy(spec)
	if err != nil {
		panic(err)
	}
	return p
}

// BuiltinPolicy resolves a built-in policy by name.
func BuiltinPolicy(name string) (*RulePolicy, error) {
	switch name {
	case LatestValuePolicyName:
		return LatestValuePolicy(), nil
	case GraphEventPolicyName:
		return GraphEventPolicy(), nil
	default:
		return nil, fmt.Errorf("unknown policy %q", name)
	}
}

// LoadPolicyFile reads a YAML PolicySpec from disk.
func LoadPolicyFile(path string) (*RulePolicy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var spec entities.PolicySpec
	if err := yaml.Unmarshal(raw, &spec); err != nil {
		return nil, fmt.Errorf("decode policy %s: %w", path, err)
	}
	return NewRulePolicy(spec)
}
