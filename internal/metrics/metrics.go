package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	metricPrefix = "aerogrow_"

	resultSuccess = "success"
	resultError   = "error"

	commandResultAcked     = "acked"
	commandResultFailed    = "failed"
	commandResultTimeout   = "timeout"
	commandResultCancelled = "cancelled"
	commandResultInvalid   = "invalid"
)

var (
	registerOnce sync.Once

	commandRequests prometheus.Counter
	commandResults  *prometheus.CounterVec
	commandLatency  *prometheus.HistogramVec
	commandQueue    prometheus.Gauge

	sourceReads       *prometheus.CounterVec
	sourceLatency     *prometheus.HistogramVec
	unavailableMetric prometheus.Gauge

	settingsUpdates *prometheus.CounterVec

	deviceConnected prometheus.Gauge
	deviceMessages  *prometheus.CounterVec
)

// Init registers the collectors with the default registry. Safe to call more than once.
func Init() {
	registerOnce.Do(func() {
		commandRequests = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "command_requests_total",
				Help: "Total commands accepted by the gateway",
			},
		)
		commandResults = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "command_results_total",
				Help: "Total command results by status",
			},
			[]string{"status"},
		)
		commandLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "command_dispatch_seconds",
				Help:    "Time from dispatch to terminal state in seconds",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2, 3, 5, 10},
			},
			[]string{"status"},
		)
		commandQueue = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "command_queue_depth",
				Help: "Commands waiting for dispatch",
			},
		)

		sourceReads = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "telemetry_source_reads_total",
				Help: "Total telemetry source reads by source and result",
			},
			[]string{"source", "result"},
		)
		sourceLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "telemetry_source_latency_seconds",
				Help:    "Telemetry source read latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"source"},
		)
		unavailableMetric = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "telemetry_unavailable_metrics",
				Help: "Metrics marked unavailable in the latest reading",
			},
		)

		settingsUpdates = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "settings_updates_total",
				Help: "Total settings updates by result",
			},
			[]string{"result"},
		)

		deviceConnected = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "device_connected",
				Help: "1 when a controller is attached to the device link",
			},
		)
		deviceMessages = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "device_messages_total",
				Help: "Total messages received from the controller by type",
			},
			[]string{"type"},
		)

		prometheus.MustRegister(
			commandRequests,
			commandResults,
			commandLatency,
			commandQueue,
			sourceReads,
			sourceLatency,
			unavailableMetric,
			settingsUpdates,
			deviceConnected,
			deviceMessages,
		)
	})
}

// Handler serves the default registry
func Handler() http.Handler {
	return promhttp.Handler()
}

// IncCommandIssued increments issued command counter.
func IncCommandIssued() {
	if commandRequests != nil {
		commandRequests.Inc()
	}
}

// ObserveCommandResult records a terminal command outcome and its dispatch latency.
// A zero duration skips the histogram (command never dispatched).
func ObserveCommandResult(status string, duration time.Duration) {
	if status == "" {
		status = "unknown"
	}
	if commandResults != nil {
		commandResults.WithLabelValues(status).Inc()
	}
	if commandLatency != nil && duration > 0 {
		commandLatency.WithLabelValues(status).Observe(duration.Seconds())
	}
}

// SetCommandQueueDepth sets the queue depth gauge.
func SetCommandQueueDepth(n int) {
	if commandQueue != nil {
		commandQueue.Set(float64(n))
	}
}

// ObserveSourceRead records a telemetry source read.
func ObserveSourceRead(source string, err error, duration time.Duration) {
	if source == "" {
		source = "unknown"
	}
	result := resultSuccess
	if err != nil {
		result = resultError
	}
	if sourceReads != nil {
		sourceReads.WithLabelValues(source, result).Inc()
	}
	if sourceLatency != nil {
		sourceLatency.WithLabelValues(source).Observe(duration.Seconds())
	}
}

// SetUnavailableMetrics sets the unavailable metric gauge.
func SetUnavailableMetrics(n int) {
	if unavailableMetric != nil {
		unavailableMetric.Set(float64(n))
	}
}

// IncSettingsUpdate increments the settings update counter.
func IncSettingsUpdate(err error) {
	result := resultSuccess
	if err != nil {
		result = resultError
	}
	if settingsUpdates != nil {
		settingsUpdates.WithLabelValues(result).Inc()
	}
}

// SetDeviceConnected flips the device link gauge.
func SetDeviceConnected(connected bool) {
	if deviceConnected == nil {
		return
	}
	if connected {
		deviceConnected.Set(1)
	} else {
		deviceConnected.Set(0)
	}
}

// IncDeviceMessage counts an inbound controller message.
func IncDeviceMessage(msgType string) {
	if msgType == "" {
		msgType = "unknown"
	}
	if deviceMessages != nil {
		deviceMessages.WithLabelValues(msgType).Inc()
	}
}

// Exported constants for callers.
const (
	ResultSuccess = resultSuccess
	ResultError   = resultError

	CommandResultAcked     = commandResultAcked
	CommandResultFailed    = commandResultFailed
	CommandResultTimeout   = commandResultTimeout
	CommandResultCancelled = commandResultCancelled
	CommandResultInvalid   = commandResultInvalid
)
