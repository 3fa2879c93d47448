package server

import (
	"context"

	"github.com/afroash/aerogrow/internal/command"
	"github.com/afroash/aerogrow/internal/device"
	"github.com/afroash/aerogrow/internal/models"
)

// ReadingProvider produces the current telemetry snapshot
// telemetry.Provider implements this interface
type ReadingProvider interface {
	GetReading(ctx context.Context) models.Reading
}

// SettingsStore holds the profile, preferences and maintenance settings
// settings.Store implements this interface
type SettingsStore interface {
	// Get returns the current settings
	Get(ctx context.Context) models.Settings

	// Update applies a partial update atomically
	Update(patch *models.SettingsPatch) (models.Settings, error)
}

// CommandSubmitter queues control commands for the device
// command.Gateway implements this interface
type CommandSubmitter interface {
	// Submit validates and queues a command
	Submit(cmd models.Command) (*command.Ticket, error)

	// Stats returns gateway statistics
	Stats() command.Stats
}

// DeviceLink reports the state of the device connection
// device.WSHub, device.MQTTChannel and device.Simulator implement this interface
type DeviceLink interface {
	Status() device.Status
}
