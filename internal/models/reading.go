package models

import (
	"cmp"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Metric names a single measured or derived value on the grow system
type Metric string

const (
	MetricTemperature   Metric = "temperature"
	MetricHumidity      Metric = "humidity"
	MetricEC            Metric = "ec"
	MetricPH            Metric = "ph"
	MetricWaterLevel    Metric = "water_level"
	MetricNutrientLevel Metric = "nutrient_level"
	MetricMixLevel      Metric = "mix_level"
)

// AllMetrics lists every metric a Reading reports, in display order
var AllMetrics = []Metric{
	MetricTemperature,
	MetricHumidity,
	MetricEC,
	MetricPH,
	MetricWaterLevel,
	MetricNutrientLevel,
	MetricMixLevel,
}

// IsKnown reports whether m is one of AllMetrics
func (m Metric) IsKnown() bool {
	for _, known := range AllMetrics {
		if m == known {
			return true
		}
	}
	return false
}

// MetricValue is either a value or an explicit "unavailable" marker
type MetricValue struct {
	Value     float64 `json:"value"`
	Available bool    `json:"available"`
	Source    string  `json:"source,omitempty"`
	Reason    string  `json:"reason,omitempty"`
}

// Available builds a MetricValue carrying v
func Available(v float64, source string) MetricValue {
	return MetricValue{Value: v, Available: true, Source: source}
}

// Unavailable builds a MetricValue with no value and a reason
func Unavailable(reason string) MetricValue {
	return MetricValue{Available: false, Reason: reason}
}

// MistingState is the misting cycle status reported with a Reading
type MistingState struct {
	Active    bool   `json:"active" yaml:"active"`
	LastCycle string `json:"last_cycle" yaml:"last_cycle"`
	NextCycle string `json:"next_cycle" yaml:"next_cycle"`
}

// AlertType is the severity tag of an Alert
type AlertType string

const (
	AlertError   AlertType = "error"
	AlertWarning AlertType = "warning"
	AlertSuccess AlertType = "success"
)

// Alert is an informational message produced alongside a Reading
type Alert struct {
	Type    AlertType `json:"type"`
	Message string    `json:"message"`
}

// Reading is one telemetry snapshot. It is never modified after the provider returns it.
type Reading struct {
	Metrics map[Metric]MetricValue
	Misting *MistingState
	// MistingSource names the source that reported Misting; MistingReason explains a nil Misting
	MistingSource string
	MistingReason string
	Alerts        []Alert
	Timestamp     time.Time
}

// Value returns the metric value and whether it is available
func (r *Reading) Value(m Metric) (float64, bool) {
	mv, ok := r.Metrics[m]
	if !ok || !mv.Available {
		return 0, false
	}
	return mv.Value, true
}

// UnavailableMetrics returns the names of metrics without a value, sorted
func (r *Reading) UnavailableMetrics() []Metric {
	var out []Metric
	for _, m := range AllMetrics {
		if _, ok := r.Value(m); !ok {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// MarshalJSON renders the flat dashboard shape. Unavailable metrics are null.
// "sources" names where each value came from and "reasons" why a value is missing.
func (r Reading) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(AllMetrics)+8)
	sources := make(map[string]string, len(AllMetrics)+1)
	reasons := make(map[string]string)
	for _, m := range AllMetrics {
		mv, ok := r.Metrics[m]
		switch {
		case ok && mv.Available:
			out[string(m)] = mv.Value
			sources[string(m)] = mv.Source
		case ok:
			out[string(m)] = nil
			reasons[string(m)] = mv.Reason
		default:
			out[string(m)] = nil
			reasons[string(m)] = "not reported"
		}
	}

	if r.Misting != nil {
		out["misting_status"] = r.Misting.Active
		out["last_cycle"] = r.Misting.LastCycle
		out["next_cycle"] = r.Misting.NextCycle
		if r.MistingSource != "" {
			sources["misting_status"] = r.MistingSource
		}
	} else {
		out["misting_status"] = nil
		out["last_cycle"] = nil
		out["next_cycle"] = nil
		reasons["misting_status"] = cmp.Or(r.MistingReason, "not reported")
	}
	out["sources"] = sources
	out["reasons"] = reasons

	alerts := r.Alerts
	if alerts == nil {
		alerts = []Alert{}
	}
	out["alerts"] = alerts

	unavailable := make([]string, 0)
	for _, m := range r.UnavailableMetrics() {
		unavailable = append(unavailable, string(m))
	}
	if r.Misting == nil {
		unavailable = append(unavailable, "misting_status")
	}
	out["unavailable"] = unavailable
	out["timestamp"] = r.Timestamp

	return json.Marshal(out)
}

// String returns a compact one-line summary
func (r *Reading) String() string {
	parts := make([]string, 0, len(AllMetrics))
	for _, m := range AllMetrics {
		if v, ok := r.Value(m); ok {
			parts = append(parts, fmt.Sprintf("%s=%.2f", m, v))
		} else {
			parts = append(parts, fmt.Sprintf("%s=n/a", m))
		}
	}
	return fmt.Sprintf("Reading[%s] %s", r.Timestamp.Format(time.RFC3339), strings.Join(parts, " "))
}
