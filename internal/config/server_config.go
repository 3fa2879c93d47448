package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/afroash/aerogrow/internal/models"
)

// Device link transports
const (
	TransportSimulated = "simulated"
	TransportWebSocket = "websocket"
	TransportMQTT      = "mqtt"
)

// AppConfig holds configuration for the dashboard server
type AppConfig struct {
	Server    ServerSettings    `yaml:"server"`
	Device    DeviceSettings    `yaml:"device"`
	Telemetry TelemetrySettings `yaml:"telemetry"`
	Alerts    AlertSettings     `yaml:"alerts"`
	Commands  CommandSettings   `yaml:"commands"`
	Settings  models.Settings   `yaml:"settings"`
	HostStats HostStatsSettings `yaml:"host_stats"`
	Metrics   MetricsSettings   `yaml:"metrics"`
	Logging   LoggingConfig     `yaml:"logging"`
}

// ServerSettings contains HTTP server configuration
type ServerSettings struct {
	Port           int           `yaml:"port"`
	Host           string        `yaml:"host"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	StaticDir      string        `yaml:"static_dir"`
	RecentCommands int           `yaml:"recent_commands"`
}

// DeviceSettings configures the link to the controller
type DeviceSettings struct {
	Transport      string            `yaml:"transport"`
	AuthToken      string            `yaml:"auth_token"`
	CommandTimeout time.Duration     `yaml:"command_timeout"`
	QueueSize      int               `yaml:"queue_size"`
	MQTT           MQTTSettings      `yaml:"mqtt"`
	Simulator      SimulatorSettings `yaml:"simulator"`
}

// MQTTSettings configures the MQTT transport
type MQTTSettings struct {
	Broker      string `yaml:"broker"`
	Port        int    `yaml:"port"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
	DeviceID    string `yaml:"device_id"`
	// DeviceTimeout is how long the controller may stay silent before it is reported disconnected
	DeviceTimeout time.Duration `yaml:"device_timeout"`
}

// SimulatorSettings configures the in-process controller
type SimulatorSettings struct {
	Latency             time.Duration `yaml:"latency"`
	CalibrationDuration time.Duration `yaml:"calibration_duration"`
	ReportInterval      time.Duration `yaml:"report_interval"`
}

// TelemetrySettings configures the telemetry sources
type TelemetrySettings struct {
	Static        map[models.Metric]float64 `yaml:"static"`
	Misting       models.MistingState       `yaml:"misting"`
	DeviceMaxAge  time.Duration             `yaml:"device_max_age"`
	SourceTimeout time.Duration             `yaml:"source_timeout"`
	// DeviceMetrics are the metrics the controller reports. While the controller is
	// stale they are unavailable rather than filled from Static.
	DeviceMetrics []models.Metric `yaml:"device_metrics"`
	DHT           DHTSettings     `yaml:"dht"`
}

// DHTSettings configures the optional DHT11 sensor on the host
type DHTSettings struct {
	Enabled      bool          `yaml:"enabled"`
	GPIOPin      int           `yaml:"gpio_pin"`
	ReadInterval time.Duration `yaml:"read_interval"`
	MaxAge       time.Duration `yaml:"max_age"`
}

// AlertSettings holds thresholds for the alerts shown with each reading
type AlertSettings struct {
	WaterLowPercent float64 `yaml:"water_low_percent"`
	PHMin           float64 `yaml:"ph_min"`
	PHMax           float64 `yaml:"ph_max"`
}

// CommandSettings holds parameter limits for control commands
type CommandSettings struct {
	DoseMinPPM     float64 `yaml:"dose_min_ppm"`
	DoseMaxPPM     float64 `yaml:"dose_max_ppm"`
	MistMaxSeconds float64 `yaml:"mist_max_seconds"`
}

// HostStatsSettings enables live cpu/memory/storage figures in the maintenance settings
type HostStatsSettings struct {
	Enabled  bool   `yaml:"enabled"`
	DiskPath string `yaml:"disk_path"`
}

// MetricsSettings configures the prometheus endpoint
type MetricsSettings struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LoadAppConfig loads server configuration from a YAML file
func LoadAppConfig(path string) (*AppConfig, error) {
	yamlData, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var config AppConfig
	if err := yaml.Unmarshal(yamlData, &config); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	config.ApplyDefaults()
	if err := config.OverrideFromEnv(); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &config, nil
}

// DefaultStaticValues are the demo readings shown when no device has reported
func DefaultStaticValues() map[models.Metric]float64 {
	return map[models.Metric]float64{
		models.MetricTemperature:   22.4,
		models.MetricHumidity:      67,
		models.MetricEC:            1.8,
		models.MetricPH:            6.2,
		models.MetricWaterLevel:    25,
		models.MetricNutrientLevel: 78,
		models.MetricMixLevel:      92,
	}
}

// DefaultSettings are the profile and maintenance values used when none are configured
func DefaultSettings() models.Settings {
	return models.Settings{
		Profile: models.Profile{
			Name:     "John Smith",
			Role:     "Hydroponic Specialist",
			Email:    "john.smith@aerogrow.com",
			Crop:     "Lettuce",
			TempUnit: models.TempUnitCelsius,
		},
		Preferences: models.Preferences{
			PushNotifications: true,
			AutoDosing:        true,
			DataLogging:       true,
		},
		Maintenance: models.Maintenance{
			CPU:     23,
			Memory:  45,
			Storage: 67,
			Sensors: models.SensorService{Last: "Oct 20", Next: "Nov 20"},
			Filter:  models.FilterService{Due: "Nov 5", Days: 3},
			Pump:    models.PumpService{Overdue: "Oct 30"},
		},
	}
}

// ApplyDefaults sets default values for any unset fields
func (ac *AppConfig) ApplyDefaults() {
	if ac.Server.Port == 0 {
		ac.Server.Port = 8080
	}
	if ac.Server.Host == "" {
		ac.Server.Host = "0.0.0.0"
	}
	if ac.Server.ReadTimeout == 0 {
		ac.Server.ReadTimeout = 15 * time.Second
	}
	if ac.Server.WriteTimeout == 0 {
		// control requests block until the device answers
		ac.Server.WriteTimeout = 30 * time.Second
	}
	if ac.Server.RecentCommands == 0 {
		ac.Server.RecentCommands = 100
	}

	if ac.Device.Transport == "" {
		ac.Device.Transport = TransportSimulated
	}
	if ac.Device.CommandTimeout == 0 {
		ac.Device.CommandTimeout = 3 * time.Second
	}
	if ac.Device.QueueSize == 0 {
		ac.Device.QueueSize = 32
	}
	if ac.Device.MQTT.Port == 0 {
		ac.Device.MQTT.Port = 1883
	}
	if ac.Device.MQTT.ClientID == "" {
		ac.Device.MQTT.ClientID = "aerogrow-server"
	}
	if ac.Device.MQTT.TopicPrefix == "" {
		ac.Device.MQTT.TopicPrefix = "aerogrow"
	}
	if ac.Device.MQTT.DeviceID == "" {
		ac.Device.MQTT.DeviceID = "esp32-01"
	}
	if ac.Device.MQTT.DeviceTimeout == 0 {
		ac.Device.MQTT.DeviceTimeout = 90 * time.Second
	}
	if ac.Device.Simulator.Latency == 0 {
		ac.Device.Simulator.Latency = 150 * time.Millisecond
	}
	if ac.Device.Simulator.CalibrationDuration == 0 {
		ac.Device.Simulator.CalibrationDuration = 10 * time.Second
	}
	if ac.Device.Simulator.ReportInterval == 0 {
		ac.Device.Simulator.ReportInterval = 5 * time.Second
	}

	if ac.Telemetry.Static == nil {
		ac.Telemetry.Static = DefaultStaticValues()
	}
	if ac.Telemetry.Misting == (models.MistingState{}) {
		ac.Telemetry.Misting = models.MistingState{Active: true, LastCycle: "45s", NextCycle: "12:45"}
	}
	if ac.Telemetry.DeviceMaxAge == 0 {
		ac.Telemetry.DeviceMaxAge = 2 * time.Minute
	}
	if ac.Telemetry.SourceTimeout == 0 {
		ac.Telemetry.SourceTimeout = 500 * time.Millisecond
	}
	if ac.Telemetry.DHT.GPIOPin == 0 {
		ac.Telemetry.DHT.GPIOPin = 4
	}
	if ac.Telemetry.DHT.ReadInterval == 0 {
		ac.Telemetry.DHT.ReadInterval = 30 * time.Second
	}
	if ac.Telemetry.DHT.MaxAge == 0 {
		ac.Telemetry.DHT.MaxAge = 2 * time.Minute
	}

	if ac.Alerts.WaterLowPercent == 0 {
		ac.Alerts.WaterLowPercent = 30
	}
	if ac.Alerts.PHMin == 0 {
		ac.Alerts.PHMin = 6.0
	}
	if ac.Alerts.PHMax == 0 {
		ac.Alerts.PHMax = 6.5
	}

	if ac.Commands.DoseMinPPM == 0 {
		ac.Commands.DoseMinPPM = 1
	}
	if ac.Commands.DoseMaxPPM == 0 {
		ac.Commands.DoseMaxPPM = 1500
	}
	if ac.Commands.MistMaxSeconds == 0 {
		ac.Commands.MistMaxSeconds = 600
	}

	if ac.Settings == (models.Settings{}) {
		ac.Settings = DefaultSettings()
	}
	if ac.HostStats.DiskPath == "" {
		ac.HostStats.DiskPath = "/"
	}
	if ac.Metrics.Path == "" {
		ac.Metrics.Path = "/metrics"
	}

	if ac.Logging.Level == "" {
		ac.Logging.Level = "info"
	}
	if ac.Logging.Format == "" {
		ac.Logging.Format = "json"
	}
}

// OverrideFromEnv overrides config from environment variables
func (ac *AppConfig) OverrideFromEnv() error {
	if v := os.Getenv("SERVER_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid SERVER_PORT %q: %w", v, err)
		}
		ac.Server.Port = port
	}
	if v := os.Getenv("SERVER_HOST"); v != "" {
		ac.Server.Host = v
	}
	if v := os.Getenv("DEVICE_TRANSPORT"); v != "" {
		ac.Device.Transport = v
	}
	if v := os.Getenv("DEVICE_AUTH_TOKEN"); v != "" {
		ac.Device.AuthToken = v
	}
	if v := os.Getenv("MQTT_BROKER"); v != "" {
		ac.Device.MQTT.Broker = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		ac.Logging.Level = v
	}
	return nil
}

// Validate checks if server configuration is valid
func (ac *AppConfig) Validate() error {
	if ac.Server.Port < 1 || ac.Server.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}

	switch ac.Device.Transport {
	case TransportSimulated:
	case TransportWebSocket:
		if ac.Device.AuthToken == "" {
			return fmt.Errorf("device auth token is required for the websocket transport")
		}
	case TransportMQTT:
		if ac.Device.MQTT.Broker == "" {
			return fmt.Errorf("mqtt broker is required for the mqtt transport")
		}
	default:
		return fmt.Errorf("unknown device transport %q (allowed: %s, %s, %s)",
			ac.Device.Transport, TransportSimulated, TransportWebSocket, TransportMQTT)
	}

	if ac.Device.CommandTimeout < 100*time.Millisecond || ac.Device.CommandTimeout > time.Minute {
		return fmt.Errorf("command timeout must be between 100ms and 1m")
	}
	if ac.Device.QueueSize < 1 {
		return fmt.Errorf("command queue size must be at least 1")
	}
	if ac.Commands.DoseMinPPM < 0 || ac.Commands.DoseMinPPM > ac.Commands.DoseMaxPPM {
		return fmt.Errorf("dose range [%v, %v] is invalid", ac.Commands.DoseMinPPM, ac.Commands.DoseMaxPPM)
	}
	if ac.Alerts.PHMin >= ac.Alerts.PHMax {
		return fmt.Errorf("ph_min must be below ph_max")
	}
	for m := range ac.Telemetry.Static {
		if !m.IsKnown() {
			return fmt.Errorf("unknown static telemetry metric %q", m)
		}
	}
	for _, m := range ac.Telemetry.DeviceMetrics {
		if !m.IsKnown() {
			return fmt.Errorf("unknown device telemetry metric %q", m)
		}
	}
	if ac.Telemetry.DHT.Enabled && ac.Telemetry.DHT.ReadInterval < 2*time.Second {
		// DHT11 needs at least 2s between reads
		return fmt.Errorf("dht read interval must be at least 2s")
	}
	if !isValidLevel(ac.Logging.Level) {
		return fmt.Errorf("invalid log level %q", ac.Logging.Level)
	}
	return nil
}

// DeviceOwnedMetrics resolves which metrics the device link is authoritative for.
// The in-process simulator only reports the nutrient level; a real controller
// reports everything unless device_metrics narrows it.
func (ac *AppConfig) DeviceOwnedMetrics() []models.Metric {
	if len(ac.Telemetry.DeviceMetrics) > 0 {
		return ac.Telemetry.DeviceMetrics
	}
	if ac.Device.Transport == TransportSimulated {
		return []models.Metric{models.MetricNutrientLevel}
	}
	return models.AllMetrics
}

// Addr returns the listen address
func (ac *AppConfig) Addr() string {
	return fmt.Sprintf("%s:%d", ac.Server.Host, ac.Server.Port)
}

// String returns a safe string representation (hides auth token)
func (ac *AppConfig) String() string {
	return fmt.Sprintf("AppConfig{Server: %+v, Device: [Transport=%s, Token=%s, Timeout=%s, Queue=%d, MQTT=%s:%d], Commands: %+v, Logging: %+v}",
		ac.Server,
		ac.Device.Transport,
		maskToken(ac.Device.AuthToken),
		ac.Device.CommandTimeout,
		ac.Device.QueueSize,
		ac.Device.MQTT.Broker,
		ac.Device.MQTT.Port,
		ac.Commands,
		ac.Logging,
	)
}

func isValidLevel(level string) bool {
	switch strings.ToLower(level) {
	case "debug", "info", "warn", "warning", "error":
		return true
	}
	return false
}
