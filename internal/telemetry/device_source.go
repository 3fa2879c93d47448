package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/afroash/aerogrow/internal/models"
)

// DeviceSource holds the latest values pushed by the controller.
// Only the newest value per metric is kept. It owns the misting state and the
// metrics the controller is expected to report.
type DeviceSource struct {
	maxAge time.Duration
	owned  map[models.Metric]bool
	now    func() time.Time

	mu       sync.RWMutex
	metrics  map[models.Metric]timedValue
	misting  *models.MistingState
	mistedAt time.Time
}

type timedValue struct {
	value float64
	at    time.Time
}

// NewDeviceSource creates a source whose values expire after maxAge. owned lists
// the metrics the controller reports; none means all of them.
func NewDeviceSource(maxAge time.Duration, owned ...models.Metric) *DeviceSource {
	if len(owned) == 0 {
		owned = models.AllMetrics
	}
	d := &DeviceSource{
		maxAge:  maxAge,
		owned:   make(map[models.Metric]bool, len(owned)),
		now:     time.Now,
		metrics: make(map[models.Metric]timedValue),
	}
	for _, m := range owned {
		d.owned[m] = true
	}
	return d
}

func (d *DeviceSource) Name() string { return "device" }

func (d *DeviceSource) Owns(m models.Metric) bool { return d.owned[m] }

func (d *DeviceSource) OwnsMisting() bool { return true }

// Update stores the values carried by a reading message. Unknown metric names are ignored.
// Ages are measured from receipt, not the device's clock.
func (d *DeviceSource) Update(msg models.ReadingMessage) {
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()
	for m, v := range msg.Metrics {
		if !m.IsKnown() {
			continue
		}
		d.metrics[m] = timedValue{value: v, at: now}
	}
	if msg.Misting != nil {
		c := *msg.Misting
		d.misting = &c
		d.mistedAt = now
	}
}

// LastUpdate returns when any value was last received
func (d *DeviceSource) LastUpdate() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var latest time.Time
	for _, tv := range d.metrics {
		if tv.at.After(latest) {
			latest = tv.at
		}
	}
	if d.mistedAt.After(latest) {
		latest = d.mistedAt
	}
	return latest
}

func (d *DeviceSource) Read(ctx context.Context) (Sample, error) {
	now := d.now()

	d.mu.RLock()
	defer d.mu.RUnlock()

	if len(d.metrics) == 0 && d.misting == nil {
		return Sample{}, fmt.Errorf("no reading received from device")
	}

	out := Sample{Metrics: make(map[models.Metric]float64, len(d.metrics))}
	for m, tv := range d.metrics {
		if now.Sub(tv.at) <= d.maxAge {
			out.Metrics[m] = tv.value
		}
	}
	if d.misting != nil && now.Sub(d.mistedAt) <= d.maxAge {
		c := *d.misting
		out.Misting = &c
	}
	if len(out.Metrics) == 0 && out.Misting == nil {
		return Sample{}, fmt.Errorf("device reading older than %s", d.maxAge)
	}
	return out, nil
}
