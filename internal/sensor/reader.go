package sensor

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Sample is the most recent successful DHT read
type Sample struct {
	Temperature float64
	Humidity    float64
	ReadAt      time.Time
}

// Poller reads the sensor on a fixed interval and keeps only the latest sample.
// DHT11 parts cannot be read more than once every ~2s, so telemetry queries
// read the cached sample instead of touching the bus.
type Poller struct {
	sensor   DHTSensor
	interval time.Duration
	logger   zerolog.Logger

	mu      sync.RWMutex
	latest  Sample
	lastErr error
}

// NewPoller creates a poller for sensor
func NewPoller(sensor DHTSensor, interval time.Duration, logger zerolog.Logger) *Poller {
	return &Poller{
		sensor:   sensor,
		interval: interval,
		logger:   logger,
	}
}

// Start polls until ctx is cancelled. The first read happens immediately.
func (p *Poller) Start(ctx context.Context) error {
	p.ReadOnce()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.ReadOnce()
		}
	}
}

// ReadOnce performs a single read and updates the cached sample
func (p *Poller) ReadOnce() {
	temperature, humidity, err := p.sensor.Read()

	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		p.lastErr = err
		p.logger.Warn().Err(err).Msg("dht read failed")
		return
	}
	p.lastErr = nil
	p.latest = Sample{Temperature: temperature, Humidity: humidity, ReadAt: time.Now()}
	p.logger.Debug().Float64("temp", temperature).Float64("humidity", humidity).Msg("dht sample")
}

// Latest returns the last good sample and the error of the most recent attempt, if any.
// ok is false until the first successful read.
func (p *Poller) Latest() (sample Sample, lastErr error, ok bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.latest, p.lastErr, !p.latest.ReadAt.IsZero()
}

// Close releases the sensor
func (p *Poller) Close() error {
	return p.sensor.Close()
}
