package models

// Settings holds the user profile, feature preferences and maintenance status
type Settings struct {
	Profile     Profile     `json:"profile" yaml:"profile"`
	Preferences Preferences `json:"preferences" yaml:"preferences"`
	Maintenance Maintenance `json:"maintenance" yaml:"maintenance"`
}

// Profile identifies the operator and their unit preference
type Profile struct {
	Name     string `json:"name" yaml:"name"`
	Role     string `json:"role" yaml:"role"`
	Email    string `json:"email" yaml:"email"`
	Crop     string `json:"crop" yaml:"crop"`
	TempUnit string `json:"temp_unit" yaml:"temp_unit"`
}

// Preferences are boolean feature flags
type Preferences struct {
	PushNotifications bool `json:"push_notifications" yaml:"push_notifications"`
	AutoDosing        bool `json:"auto_dosing" yaml:"auto_dosing"`
	DataLogging       bool `json:"data_logging" yaml:"data_logging"`
}

// Maintenance reports utilization percentages and scheduled service dates
type Maintenance struct {
	CPU     int           `json:"cpu" yaml:"cpu"`
	Memory  int           `json:"memory" yaml:"memory"`
	Storage int           `json:"storage" yaml:"storage"`
	Sensors SensorService `json:"sensors" yaml:"sensors"`
	Filter  FilterService `json:"filter" yaml:"filter"`
	Pump    PumpService   `json:"pump" yaml:"pump"`
}

type SensorService struct {
	Last string `json:"last" yaml:"last"`
	Next string `json:"next" yaml:"next"`
}

type FilterService struct {
	Due  string `json:"due" yaml:"due"`
	Days int    `json:"days" yaml:"days"`
}

type PumpService struct {
	Overdue string `json:"overdue" yaml:"overdue"`
}

const (
	TempUnitCelsius    = "celsius"
	TempUnitFahrenheit = "fahrenheit"
)

// SettingsPatch is a partial update. Nil fields are left unchanged.
type SettingsPatch struct {
	Profile     *ProfilePatch     `json:"profile,omitempty"`
	Preferences *PreferencesPatch `json:"preferences,omitempty"`
	Maintenance *MaintenancePatch `json:"maintenance,omitempty"`
}

type ProfilePatch struct {
	Name     *string `json:"name,omitempty"`
	Role     *string `json:"role,omitempty"`
	Email    *string `json:"email,omitempty"`
	Crop     *string `json:"crop,omitempty"`
	TempUnit *string `json:"temp_unit,omitempty"`
}

type PreferencesPatch struct {
	PushNotifications *bool `json:"push_notifications,omitempty"`
	AutoDosing        *bool `json:"auto_dosing,omitempty"`
	DataLogging       *bool `json:"data_logging,omitempty"`
}

// MaintenancePatch mirrors Maintenance. CPU, Memory and Storage are read-only;
// they are decoded only so a patch carrying them can be rejected by name.
type MaintenancePatch struct {
	CPU     *int                `json:"cpu,omitempty"`
	Memory  *int                `json:"memory,omitempty"`
	Storage *int                `json:"storage,omitempty"`
	Sensors *SensorServicePatch `json:"sensors,omitempty"`
	Filter  *FilterServicePatch `json:"filter,omitempty"`
	Pump    *PumpServicePatch   `json:"pump,omitempty"`
}

type SensorServicePatch struct {
	Last *string `json:"last,omitempty"`
	Next *string `json:"next,omitempty"`
}

type FilterServicePatch struct {
	Due  *string `json:"due,omitempty"`
	Days *int    `json:"days,omitempty"`
}

type PumpServicePatch struct {
	Overdue *string `json:"overdue,omitempty"`
}

// IsEmpty reports whether the patch changes nothing
func (p *SettingsPatch) IsEmpty() bool {
	return p == nil || (p.Profile == nil && p.Preferences == nil && p.Maintenance == nil)
}
