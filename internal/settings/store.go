package settings

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/afroash/aerogrow/internal/metrics"
	"github.com/afroash/aerogrow/internal/models"
)

// Store holds the current settings. Reads may run concurrently; updates are all-or-nothing.
type Store struct {
	mu      sync.RWMutex
	current models.Settings

	util        UtilizationSource
	utilTimeout time.Duration
	logger      zerolog.Logger
}

// NewStore creates a store seeded with initial. util may be nil, in which case the
// configured utilization percentages are reported unchanged.
func NewStore(initial models.Settings, util UtilizationSource, logger zerolog.Logger) *Store {
	return &Store{
		current:     initial,
		util:        util,
		utilTimeout: 2 * time.Second,
		logger:      logger,
	}
}

// Get returns a copy of the current settings with fresh host utilization when available
func (s *Store) Get(ctx context.Context) models.Settings {
	if s.util != nil {
		s.refreshUtilization(ctx)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

func (s *Store) refreshUtilization(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, s.utilTimeout)
	defer cancel()

	u, err := s.util.Utilization(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("host utilization unavailable, keeping last values")
		return
	}

	s.mu.Lock()
	s.current.Maintenance.CPU = u.CPU
	s.current.Maintenance.Memory = u.Memory
	s.current.Maintenance.Storage = u.Storage
	s.mu.Unlock()
}

// Update validates every field in patch and applies them together. If any field is
// invalid nothing changes and the returned error lists all offending fields.
func (s *Store) Update(patch *models.SettingsPatch) (models.Settings, error) {
	patch = trimProfile(patch)
	if err := Validate(patch); err != nil {
		metrics.IncSettingsUpdate(err)
		s.logger.Debug().Err(err).Msg("settings update rejected")

		s.mu.RLock()
		defer s.mu.RUnlock()
		return s.current, err
	}

	s.mu.Lock()
	next := s.current
	apply(&next, patch)
	s.current = next
	s.mu.Unlock()

	metrics.IncSettingsUpdate(nil)
	s.logger.Info().Str("crop", next.Profile.Crop).Str("temp_unit", next.Profile.TempUnit).Msg("settings updated")
	return next, nil
}

func apply(s *models.Settings, p *models.SettingsPatch) {
	if p.IsEmpty() {
		return
	}
	if pp := p.Profile; pp != nil {
		setString(&s.Profile.Name, pp.Name)
		setString(&s.Profile.Role, pp.Role)
		setString(&s.Profile.Email, pp.Email)
		setString(&s.Profile.Crop, pp.Crop)
		setString(&s.Profile.TempUnit, pp.TempUnit)
	}
	if pp := p.Preferences; pp != nil {
		setBool(&s.Preferences.PushNotifications, pp.PushNotifications)
		setBool(&s.Preferences.AutoDosing, pp.AutoDosing)
		setBool(&s.Preferences.DataLogging, pp.DataLogging)
	}
	if mp := p.Maintenance; mp != nil {
		if mp.Sensors != nil {
			setString(&s.Maintenance.Sensors.Last, mp.Sensors.Last)
			setString(&s.Maintenance.Sensors.Next, mp.Sensors.Next)
		}
		if mp.Filter != nil {
			setString(&s.Maintenance.Filter.Due, mp.Filter.Due)
			if mp.Filter.Days != nil {
				s.Maintenance.Filter.Days = *mp.Filter.Days
			}
		}
		if mp.Pump != nil {
			setString(&s.Maintenance.Pump.Overdue, mp.Pump.Overdue)
		}
	}
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

// trimProfile returns patch with surrounding whitespace removed from the profile
// strings, so the stored value is the one that was validated. patch is not modified.
func trimProfile(patch *models.SettingsPatch) *models.SettingsPatch {
	if patch == nil || patch.Profile == nil {
		return patch
	}
	pp := *patch.Profile
	for _, field := range []**string{&pp.Name, &pp.Role, &pp.Email, &pp.Crop, &pp.TempUnit} {
		if *field != nil {
			v := strings.TrimSpace(**field)
			*field = &v
		}
	}
	out := *patch
	out.Profile = &pp
	return &out
}
