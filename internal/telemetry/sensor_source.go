package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/afroash/aerogrow/internal/models"
	"github.com/afroash/aerogrow/internal/sensor"
)

// SamplePoller is satisfied by *sensor.Poller
type SamplePoller interface {
	Latest() (sensor.Sample, error, bool)
}

// SensorSource reports temperature and humidity from a host-attached DHT11
type SensorSource struct {
	poller SamplePoller
	maxAge time.Duration
	now    func() time.Time
}

func NewSensorSource(poller SamplePoller, maxAge time.Duration) *SensorSource {
	return &SensorSource{poller: poller, maxAge: maxAge, now: time.Now}
}

func (s *SensorSource) Name() string { return "dht11" }

func (s *SensorSource) Owns(m models.Metric) bool {
	return m == models.MetricTemperature || m == models.MetricHumidity
}

func (s *SensorSource) OwnsMisting() bool { return false }

func (s *SensorSource) Read(ctx context.Context) (Sample, error) {
	sample, lastErr, ok := s.poller.Latest()
	if !ok {
		if lastErr != nil {
			return Sample{}, fmt.Errorf("no dht sample yet: %w", lastErr)
		}
		return Sample{}, fmt.Errorf("no dht sample yet")
	}
	if age := s.now().Sub(sample.ReadAt); age > s.maxAge {
		return Sample{}, fmt.Errorf("dht sample is %s old", age.Round(time.Second))
	}
	return Sample{Metrics: map[models.Metric]float64{
		models.MetricTemperature: sample.Temperature,
		models.MetricHumidity:    sample.Humidity,
	}}, nil
}
