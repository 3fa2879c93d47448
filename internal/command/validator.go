package command

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/afroash/aerogrow/internal/models"
)

// Limits bounds command parameters
type Limits struct {
	DoseMinPPM     float64
	DoseMaxPPM     float64
	MistMaxSeconds float64
}

// DefaultLimits returns the limits used when none are configured
func DefaultLimits() Limits {
	return Limits{DoseMinPPM: 1, DoseMaxPPM: 1500, MistMaxSeconds: 600}
}

// Calibration targets
const (
	CalibratePH  = "ph"
	CalibrateEC  = "ec"
	CalibrateAll = "all"
)

// Validator checks a command's parameter against its kind
type Validator struct {
	limits Limits
}

func NewValidator(limits Limits) *Validator {
	return &Validator{limits: limits}
}

// Validate checks cmd and fills cmd.Params from cmd.Value.
// Failures are KindInvalidCommand errors.
func (v *Validator) Validate(cmd *models.Command) error {
	switch cmd.Kind {
	case models.CommandDoseNutrient:
		amount, err := v.doseAmount(cmd.Value)
		if err != nil {
			return err
		}
		cmd.Params = models.CommandParams{Amount: &amount}

	case models.CommandStopMisting:
		if isNull(cmd.Value) {
			return nil
		}
		var b bool
		if err := json.Unmarshal(cmd.Value, &b); err != nil || !b {
			return invalid("stop_misting takes no value or true")
		}

	case models.CommandStartMisting:
		if isNull(cmd.Value) {
			return nil
		}
		seconds, ok := number(cmd.Value)
		if !ok {
			return invalid("start_misting value must be a duration in seconds")
		}
		if seconds <= 0 || seconds > v.limits.MistMaxSeconds {
			return invalid("start_misting duration %s s outside (0, %s]", fmtFloat(seconds), fmtFloat(v.limits.MistMaxSeconds))
		}
		cmd.Params = models.CommandParams{Seconds: &seconds}

	case models.CommandCalibrate:
		target := CalibrateAll
		if !isNull(cmd.Value) {
			var s string
			if err := json.Unmarshal(cmd.Value, &s); err != nil {
				return invalid("calibrate value must be one of ph, ec, all")
			}
			target = strings.ToLower(strings.TrimSpace(s))
		}
		switch target {
		case CalibratePH, CalibrateEC, CalibrateAll:
		default:
			return invalid("unknown calibration target %q", target)
		}
		cmd.Params = models.CommandParams{Target: target}

	case "":
		return invalid("command is required")

	default:
		return invalid("unknown command %q", cmd.Kind)
	}
	return nil
}

func (v *Validator) doseAmount(raw json.RawMessage) (float64, error) {
	if isNull(raw) {
		return 0, invalid("dose_nutrient requires an amount in PPM")
	}
	amount, ok := number(raw)
	if !ok {
		return 0, invalid("dose_nutrient amount must be numeric")
	}
	if amount < v.limits.DoseMinPPM || amount > v.limits.DoseMaxPPM {
		return 0, invalid("dose_nutrient amount %s PPM outside [%s, %s]",
			fmtFloat(amount), fmtFloat(v.limits.DoseMinPPM), fmtFloat(v.limits.DoseMaxPPM))
	}
	return amount, nil
}

// number accepts a JSON number or a string holding one, as range inputs post strings
func number(raw json.RawMessage) (float64, bool) {
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f, true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, false
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func invalid(format string, args ...interface{}) *models.Error {
	return models.NewError(models.KindInvalidCommand, format, args...)
}

func fmtFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
