package models

import "time"

// DeviceInfo describes the controller on the other end of the device link
type DeviceInfo struct {
	ID        string    `json:"id"`
	Firmware  string    `json:"firmware"`
	StartTime time.Time `json:"start_time"`
}

// Uptime returns the duration since the controller started
func (d *DeviceInfo) Uptime() time.Duration {
	return time.Since(d.StartTime)
}

// NewDeviceInfo creates a DeviceInfo with the current time as start time
func NewDeviceInfo(id, firmware string) *DeviceInfo {
	return &DeviceInfo{
		ID:        id,
		Firmware:  firmware,
		StartTime: time.Now(),
	}
}
