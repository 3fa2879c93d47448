package telemetry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/afroash/aerogrow/internal/metrics"
	"github.com/afroash/aerogrow/internal/models"
)

// Provider assembles a Reading from its sources.
// Sources are consulted concurrently. For each metric the first registered source
// that reports it wins, unless an earlier source owns the metric and failed to
// report it, in which case the metric is unavailable.
type Provider struct {
	sources    []Source
	timeout    time.Duration
	thresholds Thresholds
	logger     zerolog.Logger
	now        func() time.Time
}

// Options configures a Provider
type Options struct {
	// SourceTimeout bounds each source read
	SourceTimeout time.Duration
	Thresholds    Thresholds
}

// NewProvider creates a provider over sources, in precedence order
func NewProvider(sources []Source, opts Options, logger zerolog.Logger) *Provider {
	if opts.SourceTimeout <= 0 {
		opts.SourceTimeout = 500 * time.Millisecond
	}
	if opts.Thresholds == (Thresholds{}) {
		opts.Thresholds = DefaultThresholds()
	}
	return &Provider{
		sources:    sources,
		timeout:    opts.SourceTimeout,
		thresholds: opts.Thresholds,
		logger:     logger,
		now:        time.Now,
	}
}

type sourceResult struct {
	name   string
	sample Sample
	err    error
}

// GetReading returns a fresh Reading. It never fails as a whole: metrics no source
// could produce are marked unavailable.
func (p *Provider) GetReading(ctx context.Context) models.Reading {
	results := make([]sourceResult, len(p.sources))

	var wg sync.WaitGroup
	for i, src := range p.sources {
		wg.Add(1)
		go func(i int, src Source) {
			defer wg.Done()
			results[i] = p.collect(ctx, src)
		}(i, src)
	}
	wg.Wait()

	reading := models.Reading{
		Metrics:   make(map[models.Metric]models.MetricValue, len(models.AllMetrics)),
		Timestamp: p.now(),
	}

	for _, m := range models.AllMetrics {
		reading.Metrics[m] = p.pick(m, results)
	}
	p.pickMisting(&reading, results)

	reading.Alerts = BuildAlerts(&reading, p.thresholds)

	unavailable := len(reading.UnavailableMetrics())
	metrics.SetUnavailableMetrics(unavailable)
	if unavailable > 0 {
		p.logger.Debug().Int("unavailable", unavailable).Msg("partial reading")
	}
	return reading
}

// collect reads one source, giving up after the per-source timeout even if the
// source ignores ctx
func (p *Provider) collect(ctx context.Context, src Source) sourceResult {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	done := make(chan sourceResult, 1)
	go func() {
		sample, err := src.Read(ctx)
		done <- sourceResult{name: src.Name(), sample: sample, err: err}
	}()

	var res sourceResult
	select {
	case res = <-done:
	case <-ctx.Done():
		res = sourceResult{name: src.Name(), err: fmt.Errorf("read timed out: %w", ctx.Err())}
	}

	metrics.ObserveSourceRead(res.name, res.err, time.Since(start))
	if res.err != nil {
		p.logger.Debug().Err(res.err).Str("source", res.name).Msg("telemetry source failed")
	}
	return res
}

func (p *Provider) pick(m models.Metric, results []sourceResult) models.MetricValue {
	var failures []string
	for i, res := range results {
		if res.err == nil {
			if v, ok := res.sample.Metrics[m]; ok {
				return models.Available(v, res.name)
			}
		}
		if o, ok := p.sources[i].(Owner); ok && o.Owns(m) {
			return models.Unavailable(unavailableReason(res))
		}
		if res.err != nil {
			failures = append(failures, res.name+": "+res.err.Error())
		}
	}

	reason := string(models.KindSensorUnavailable) + ": not reported by any source"
	if len(failures) > 0 {
		sort.Strings(failures)
		reason = string(models.KindSensorUnavailable) + ": " + strings.Join(failures, "; ")
	}
	return models.Unavailable(reason)
}

// pickMisting applies the same ownership rule as pick to the misting state
func (p *Provider) pickMisting(r *models.Reading, results []sourceResult) {
	for i, res := range results {
		if res.err == nil && res.sample.Misting != nil {
			c := *res.sample.Misting
			r.Misting = &c
			r.MistingSource = res.name
			return
		}
		if o, ok := p.sources[i].(Owner); ok && o.OwnsMisting() {
			r.MistingReason = unavailableReason(res)
			return
		}
	}
	r.MistingReason = string(models.KindSensorUnavailable) + ": not reported by any source"
}

func unavailableReason(res sourceResult) string {
	if res.err != nil {
		return string(models.KindSensorUnavailable) + ": " + res.name + ": " + res.err.Error()
	}
	return string(models.KindSensorUnavailable) + ": " + res.name + ": no current value"
}
