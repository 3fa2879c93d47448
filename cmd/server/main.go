package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/afroash/aerogrow/internal/command"
	"github.com/afroash/aerogrow/internal/config"
	"github.com/afroash/aerogrow/internal/device"
	"github.com/afroash/aerogrow/internal/metrics"
	"github.com/afroash/aerogrow/internal/sensor"
	"github.com/afroash/aerogrow/internal/server"
	"github.com/afroash/aerogrow/internal/settings"
	"github.com/afroash/aerogrow/internal/telemetry"
)

const version = "v1.0.0"

func main() {
	configPath := flag.String("config", "configs/server.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.LoadAppConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, closer, err := cfg.Logging.NewLogger("server")
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer closer.Close()

	logger.Info().
		Str("version", version).
		Str("addr", cfg.Addr()).
		Str("transport", cfg.Device.Transport).
		Msg("Starting AeroGrow server")
	logger.Debug().Str("config", cfg.String()).Msg("Configuration loaded")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Metrics.Enabled {
		metrics.Init()
	}

	// Telemetry sources, highest precedence first
	var sources []telemetry.Source
	if cfg.Telemetry.DHT.Enabled {
		dht, err := sensor.NewDHT11Reader(cfg.Telemetry.DHT.GPIOPin)
		if err != nil {
			logger.Warn().Err(err).Int("gpio_pin", cfg.Telemetry.DHT.GPIOPin).Msg("DHT11 unavailable, continuing without it")
		} else {
			poller := sensor.NewPoller(dht, cfg.Telemetry.DHT.ReadInterval, logger.With().Str("module", "dht").Logger())
			defer poller.Close()
			go poller.Start(ctx)
			sources = append(sources, telemetry.NewSensorSource(poller, cfg.Telemetry.DHT.MaxAge))
			logger.Info().Int("gpio_pin", cfg.Telemetry.DHT.GPIOPin).Msg("DHT11 source enabled")
		}
	}
	// static values only fill metrics no live source owns
	deviceReadings := telemetry.NewDeviceSource(cfg.Telemetry.DeviceMaxAge, cfg.DeviceOwnedMetrics()...)
	misting := cfg.Telemetry.Misting
	sources = append(sources, deviceReadings, telemetry.NewStaticSource(cfg.Telemetry.Static, &misting))

	provider := telemetry.NewProvider(sources, telemetry.Options{
		SourceTimeout: cfg.Telemetry.SourceTimeout,
		Thresholds: telemetry.Thresholds{
			WaterLowPercent: cfg.Alerts.WaterLowPercent,
			PHMin:           cfg.Alerts.PHMin,
			PHMax:           cfg.Alerts.PHMax,
		},
	}, logger.With().Str("module", "telemetry").Logger())

	var util settings.UtilizationSource
	if cfg.HostStats.Enabled {
		util = settings.NewHostUtilization(cfg.HostStats.DiskPath)
	}
	settingsStore := settings.NewStore(cfg.Settings, util, logger.With().Str("module", "settings").Logger())

	link := openDeviceLink(ctx, cfg, deviceReadings, logger.With().Str("module", "device").Logger())
	defer link.close()

	gateway := command.NewGateway(link.channel, command.Options{
		Timeout:   cfg.Device.CommandTimeout,
		QueueSize: cfg.Device.QueueSize,
		Limits: command.Limits{
			DoseMinPPM:     cfg.Commands.DoseMinPPM,
			DoseMaxPPM:     cfg.Commands.DoseMaxPPM,
			MistMaxSeconds: cfg.Commands.MistMaxSeconds,
		},
	}, logger.With().Str("module", "gateway").Logger())

	history := server.NewCommandHistory(cfg.Server.RecentCommands)
	api := server.NewAPIHandler(provider, settingsStore, gateway, link.status, history, logger.With().Str("module", "api").Logger())

	routerCfg := server.RouterConfig{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		DeviceStream:   link.stream,
		StaticDir:      cfg.Server.StaticDir,
	}
	if cfg.Metrics.Enabled {
		routerCfg.Metrics = metrics.Handler()
		routerCfg.MetricsPath = cfg.Metrics.Path
	}

	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      server.NewRouter(api, routerCfg, logger),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start server in goroutine
	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("Server failed")
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Server shutdown error")
	}

	gateway.Stop()
	logger.Info().Interface("commands", gateway.Stats()).Msg("Command gateway stopped")

	logger.Info().Msg("Server stopped")
}

// deviceLink bundles the pieces of the configured transport
type deviceLink struct {
	channel command.Channel
	status  server.DeviceLink
	// stream is the WebSocket endpoint, nil for other transports
	stream http.Handler
	close  func()
}

func openDeviceLink(ctx context.Context, cfg *config.AppConfig, sink device.ReadingSink, logger zerolog.Logger) deviceLink {
	switch cfg.Device.Transport {
	case config.TransportWebSocket:
		hub := device.NewWSHub(cfg.Device.AuthToken, sink, logger, cfg.Server.AllowedOrigins...)
		return deviceLink{
			channel: hub,
			status:  hub,
			stream:  hub,
			close:   func() { hub.Close() },
		}

	case config.TransportMQTT:
		ch := device.NewMQTTChannel(device.MQTTConfig{
			Broker:        cfg.Device.MQTT.Broker,
			Port:          cfg.Device.MQTT.Port,
			ClientID:      cfg.Device.MQTT.ClientID,
			TopicPrefix:   cfg.Device.MQTT.TopicPrefix,
			DeviceID:      cfg.Device.MQTT.DeviceID,
			DeviceTimeout: cfg.Device.MQTT.DeviceTimeout,
		}, sink, logger)
		// the broker may come up after us; commands fail as unreachable until then
		go func() {
			if err := ch.Connect(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error().Err(err).Msg("MQTT connect failed")
			}
		}()
		return deviceLink{
			channel: ch,
			status:  ch,
			close:   ch.Disconnect,
		}

	default:
		sim := device.NewSimulator(device.SimulatorConfig{
			DeviceID:            "simulator",
			Latency:             cfg.Device.Simulator.Latency,
			CalibrationDuration: cfg.Device.Simulator.CalibrationDuration,
		}, sink, logger)
		go sim.Run(ctx, cfg.Device.Simulator.ReportInterval)
		return deviceLink{
			channel: sim,
			status:  sim,
			close:   func() {},
		}
	}
}
