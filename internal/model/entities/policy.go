package entities

// PolicySpec is the declarative form of a threshold policy, as read from YAML.
type PolicySpec struct {
	Name  string     `yaml:"name" json:"name"`
	Rules []RuleSpec `yaml:"rules" json:"rules"`
}

// RuleSpec holds one metric threshold.
//
// The effective threshold is Threshold, unless both Baseline and Margin are set,
// in which case it is Baseline - Margin.
type RuleSpec struct {
	Metric    string   `yaml:"metric" json:"metric"`
	Quantity  string   `yaml:"quantity" json:"quantity"` // raw | mean
	Op        string   `yaml:"op" json:"op"`             // below | above
	Threshold float64  `yaml:"threshold" json:"threshold"`
	Baseline  *float64 `yaml:"baseline,omitempty" json:"baseline,omitempty"`
	Margin    float64  `yaml:"margin,omitempty" json:"margin,omitempty"`
	AlertType string   `yaml:"alert_type" json:"alert_type"`

	ReportThreshold bool `yaml:"report_threshold" json:"report_threshold"`
	ReportTimestamp bool `yaml:"report_ts" json:"report_ts"`

	Severity         string   `yaml:"severity,omitempty" json:"severity,omitempty"`
	EscalateBelow    *float64 `yaml:"escalate_below,omitempty" json:"escalate_below,omitempty"`
	EscalateSeverity string   `yaml:"escalate_severity,omitempty" json:"escalate_severity,omitempty"`
}
