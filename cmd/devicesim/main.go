package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/afroash/aerogrow/internal/client"
	"github.com/afroash/aerogrow/internal/config"
	"github.com/afroash/aerogrow/internal/device"
	"github.com/afroash/aerogrow/internal/models"
)

func main() {
	configPath := flag.String("config", "configs/devicesim.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, closer, err := cfg.Logging.NewLogger("devicesim")
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer closer.Close()

	logger.Info().Str("config", cfg.String()).Msg("Starting device simulator")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("Device simulator failed")
		os.Exit(1)
	}
}

// run connects the simulated controller to the server until ctx ends
func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	info := models.NewDeviceInfo(cfg.Device.ID, cfg.Device.Firmware)
	buffer := client.NewReadingBuffer(cfg.Buffer.Size, cfg.Buffer.DropOldest)

	conn := client.NewConnection(client.ConnectionConfig{
		URL:                  cfg.Server.URL,
		AuthToken:            cfg.Server.AuthToken,
		HandshakeTimeout:     cfg.Server.ConnectTimeout,
		ReconnectInterval:    cfg.Server.ReconnectInterval,
		MaxReconnectInterval: cfg.Server.MaxReconnectInterval,
		PingInterval:         cfg.Server.PingInterval,
		PongTimeout:          cfg.Server.PongTimeout,
	}, info, nil, buffer, logger.With().Str("module", "connection").Logger())

	// the simulator reports its state through the connection
	sim := device.NewSimulator(device.SimulatorConfig{
		DeviceID:            cfg.Device.ID,
		Latency:             cfg.Device.AckDelay,
		CalibrationDuration: cfg.Device.CalibrationDuration,
	}, conn, logger.With().Str("module", "controller").Logger())
	conn.SetExecutor(sim)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		sim.Run(ctx, cfg.Device.ReportInterval)
	}()
	go func() {
		defer wg.Done()
		conn.Run(ctx)
	}()

	<-ctx.Done()
	wg.Wait()
	conn.Close()

	logger.Info().Str("buffer", buffer.String()).Msg("Device simulator stopped")
	return ctx.Err()
}
