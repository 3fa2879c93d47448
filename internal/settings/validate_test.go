package settings

import (
	"strings"
	"testing"

	"github.com/afroash/aerogrow/internal/models"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name      string
		patch     *models.SettingsPatch
		wantField string
	}{
		{"nil patch", nil, ""},
		{"valid profile", &models.SettingsPatch{Profile: &models.ProfilePatch{
			Name: str("Ada"), Email: str("ada@example.com"), TempUnit: str("celsius"),
		}}, ""},
		{"empty name", &models.SettingsPatch{Profile: &models.ProfilePatch{Name: str("  ")}}, "profile.name"},
		{"long name", &models.SettingsPatch{Profile: &models.ProfilePatch{Name: str(strings.Repeat("a", 101))}}, "profile.name"},
		{"name at limit", &models.SettingsPatch{Profile: &models.ProfilePatch{Name: str(strings.Repeat("a", 100))}}, ""},
		{"blank role", &models.SettingsPatch{Profile: &models.ProfilePatch{Role: str("")}}, "profile.role"},
		{"bad email", &models.SettingsPatch{Profile: &models.ProfilePatch{Email: str("john at example")}}, "profile.email"},
		{"email with display name", &models.SettingsPatch{Profile: &models.ProfilePatch{Email: str("John <john@example.com>")}}, "profile.email"},
		{"blank crop", &models.SettingsPatch{Profile: &models.ProfilePatch{Crop: str("")}}, "profile.crop"},
		{"kelvin", &models.SettingsPatch{Profile: &models.ProfilePatch{TempUnit: str("kelvin")}}, "profile.temp_unit"},
		{"preferences always valid", &models.SettingsPatch{Preferences: &models.PreferencesPatch{AutoDosing: boolean(false)}}, ""},
		{"blank sensor date", &models.SettingsPatch{Maintenance: &models.MaintenancePatch{
			Sensors: &models.SensorServicePatch{Next: str("")},
		}}, "maintenance.sensors.next"},
		{"negative filter days", &models.SettingsPatch{Maintenance: &models.MaintenancePatch{
			Filter: &models.FilterServicePatch{Days: integer(-2)},
		}}, "maintenance.filter.days"},
		{"cpu is measured", &models.SettingsPatch{Maintenance: &models.MaintenancePatch{CPU: integer(10)}}, "maintenance.cpu"},
		{"memory is measured", &models.SettingsPatch{Maintenance: &models.MaintenancePatch{Memory: integer(10)}}, "maintenance.memory"},
		{"storage is measured", &models.SettingsPatch{Maintenance: &models.MaintenancePatch{Storage: integer(0)}}, "maintenance.storage"},
		{"blank pump date", &models.SettingsPatch{Maintenance: &models.MaintenancePatch{
			Pump: &models.PumpServicePatch{Overdue: str(" ")},
		}}, "maintenance.pump.overdue"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.patch)
			if tt.wantField == "" {
				if err != nil {
					t.Errorf("Validate() unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() expected error naming %s", tt.wantField)
			}
			if !strings.Contains(err.Error(), tt.wantField) {
				t.Errorf("Validate() = %v, want field %s", err, tt.wantField)
			}
		})
	}
}
