package telemetry

import (
	"context"

	"github.com/afroash/aerogrow/internal/models"
)

// Sample is what a single source reports. Metrics it cannot produce are simply absent.
type Sample struct {
	Metrics map[models.Metric]float64
	Misting *models.MistingState
}

// Source produces some subset of the reading
type Source interface {
	Name() string
	Read(ctx context.Context) (Sample, error)
}

// Owner is implemented by live sources. A metric owned by a source is never taken
// from a later source: when the owner cannot report it, it is unavailable.
type Owner interface {
	Owns(m models.Metric) bool
	OwnsMisting() bool
}

// StaticSource reports fixed configured values. It owns nothing, so it only fills
// metrics that no live source claims.
type StaticSource struct {
	values  map[models.Metric]float64
	misting *models.MistingState
}

// NewStaticSource copies values so later changes by the caller do not leak in.
// A nil misting means the source does not report misting state.
func NewStaticSource(values map[models.Metric]float64, misting *models.MistingState) *StaticSource {
	copied := make(map[models.Metric]float64, len(values))
	for m, v := range values {
		copied[m] = v
	}
	var ms *models.MistingState
	if misting != nil {
		c := *misting
		ms = &c
	}
	return &StaticSource{values: copied, misting: ms}
}

func (s *StaticSource) Name() string { return "static" }

func (s *StaticSource) Read(ctx context.Context) (Sample, error) {
	out := Sample{Metrics: make(map[models.Metric]float64, len(s.values))}
	for m, v := range s.values {
		out.Metrics[m] = v
	}
	if s.misting != nil {
		c := *s.misting
		out.Misting = &c
	}
	return out, nil
}
