package settings

import (
	"net/mail"
	"strings"
	"unicode/utf8"

	"github.com/afroash/aerogrow/internal/models"
)

const maxNameLength = 100

// Validate checks each field present in patch independently and reports every
// failure at once as a KindInvalidField error
func Validate(p *models.SettingsPatch) error {
	if p.IsEmpty() {
		return nil
	}

	var bad []string
	fail := func(field string) { bad = append(bad, field) }

	if pp := p.Profile; pp != nil {
		if pp.Name != nil {
			n := utf8.RuneCountInString(strings.TrimSpace(*pp.Name))
			if n == 0 || n > maxNameLength {
				fail("profile.name")
			}
		}
		if pp.Role != nil && isBlank(*pp.Role) {
			fail("profile.role")
		}
		if pp.Email != nil && !isEmail(*pp.Email) {
			fail("profile.email")
		}
		if pp.Crop != nil && isBlank(*pp.Crop) {
			fail("profile.crop")
		}
		if pp.TempUnit != nil && *pp.TempUnit != models.TempUnitCelsius && *pp.TempUnit != models.TempUnitFahrenheit {
			fail("profile.temp_unit")
		}
	}

	if mp := p.Maintenance; mp != nil {
		// utilization is measured on the host, not set by clients
		if mp.CPU != nil {
			fail("maintenance.cpu")
		}
		if mp.Memory != nil {
			fail("maintenance.memory")
		}
		if mp.Storage != nil {
			fail("maintenance.storage")
		}
		if mp.Sensors != nil {
			if mp.Sensors.Last != nil && isBlank(*mp.Sensors.Last) {
				fail("maintenance.sensors.last")
			}
			if mp.Sensors.Next != nil && isBlank(*mp.Sensors.Next) {
				fail("maintenance.sensors.next")
			}
		}
		if mp.Filter != nil {
			if mp.Filter.Due != nil && isBlank(*mp.Filter.Due) {
				fail("maintenance.filter.due")
			}
			if mp.Filter.Days != nil && *mp.Filter.Days < 0 {
				fail("maintenance.filter.days")
			}
		}
		if mp.Pump != nil && mp.Pump.Overdue != nil && isBlank(*mp.Pump.Overdue) {
			fail("maintenance.pump.overdue")
		}
	}

	if len(bad) == 0 {
		return nil
	}
	err := models.NewError(models.KindInvalidField, "invalid settings")
	err.Fields = bad
	return err
}

func isBlank(s string) bool {
	return strings.TrimSpace(s) == ""
}

// isEmail accepts a bare RFC 5322 address, without a display name
func isEmail(s string) bool {
	addr, err := mail.ParseAddress(s)
	if err != nil {
		return false
	}
	return addr.Name == "" && addr.Address == strings.TrimSpace(s)
}
