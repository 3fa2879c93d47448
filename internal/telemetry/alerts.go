package telemetry

import (
	"fmt"
	"strings"

	"github.com/afroash/aerogrow/internal/models"
)

// Thresholds drive the display alerts attached to each reading
type Thresholds struct {
	WaterLowPercent float64
	PHMin           float64
	PHMax           float64
}

// DefaultThresholds returns the demo dashboard's alert thresholds
func DefaultThresholds() Thresholds {
	return Thresholds{WaterLowPercent: 30, PHMin: 6.0, PHMax: 6.5}
}

// BuildAlerts derives the alert list for r. Alerts are informational only.
func BuildAlerts(r *models.Reading, th Thresholds) []models.Alert {
	alerts := make([]models.Alert, 0, 3)

	if level, ok := r.Value(models.MetricWaterLevel); ok && level < th.WaterLowPercent {
		alerts = append(alerts, models.Alert{
			Type: models.AlertError,
			Message: fmt.Sprintf("Low Water Supply: Water tank level is at %s%%. Please refill to continue operations.",
				formatNumber(level)),
		})
	}

	if ph, ok := r.Value(models.MetricPH); ok && (ph < th.PHMin || ph > th.PHMax) {
		alerts = append(alerts, models.Alert{
			Type: models.AlertWarning,
			Message: fmt.Sprintf("pH Level Notice: Current pH is %s, outside the acceptable range (%s-%s).",
				formatNumber(ph), formatNumber(th.PHMin), formatNumber(th.PHMax)),
		})
	}

	missing := r.UnavailableMetrics()
	if r.Misting == nil {
		missing = append(missing, "misting_status")
	}
	if len(missing) > 0 {
		names := make([]string, len(missing))
		for i, m := range missing {
			names[i] = string(m)
		}
		alerts = append(alerts, models.Alert{
			Type:    models.AlertWarning,
			Message: "Sensor Data Unavailable: No current value for " + strings.Join(names, ", ") + ".",
		})
	} else {
		alerts = append(alerts, models.Alert{
			Type:    models.AlertSuccess,
			Message: "System Health Check: All pumps and sensors are functioning normally.",
		})
	}

	return alerts
}

// formatNumber prints 25 as "25" and 6.25 as "6.25"
func formatNumber(v float64) string {
	return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.2f", v), "0"), ".")
}
