package models

import (
	"encoding/json"
	"time"
)

// CommandKind is the control instruction a Command carries
type CommandKind string

const (
	CommandStartMisting CommandKind = "start_misting"
	CommandStopMisting  CommandKind = "stop_misting"
	CommandDoseNutrient CommandKind = "dose_nutrient"
	CommandCalibrate    CommandKind = "calibrate"
)

// CommandState is a step in a Command's lifecycle:
// created -> sent -> acknowledged | failed | timed_out, or created -> cancelled
type CommandState string

const (
	StateCreated      CommandState = "created"
	StateSent         CommandState = "sent"
	StateAcknowledged CommandState = "acknowledged"
	StateFailed       CommandState = "failed"
	StateTimedOut     CommandState = "timed_out"
	StateCancelled    CommandState = "cancelled"
)

// IsTerminal reports whether no further transition can happen
func (s CommandState) IsTerminal() bool {
	switch s {
	case StateAcknowledged, StateFailed, StateTimedOut, StateCancelled:
		return true
	}
	return false
}

// Command is a request to change device state. It is consumed once by the gateway.
// Value is the caller's input; Params is what validation made of it and what the
// device receives.
type Command struct {
	ID        string          `json:"id"`
	Kind      CommandKind     `json:"command"`
	Value     json.RawMessage `json:"value,omitempty"`
	Params    CommandParams   `json:"-"`
	CreatedAt time.Time       `json:"created_at"`
}

// CommandParams holds the typed parameter decoded from Value during validation
type CommandParams struct {
	// Amount is the dosing amount in PPM for dose_nutrient
	Amount *float64
	// Seconds is the misting duration for start_misting; nil means the device default
	Seconds *float64
	// Target is the calibration target for calibrate ("all" when omitted)
	Target string
}

// WireValue renders the parameter the device receives: a number for the dose
// amount or misting duration, the calibration target as a string, else null.
func (p CommandParams) WireValue() (json.RawMessage, error) {
	switch {
	case p.Amount != nil:
		return json.Marshal(*p.Amount)
	case p.Seconds != nil:
		return json.Marshal(*p.Seconds)
	case p.Target != "":
		return json.Marshal(p.Target)
	}
	return json.RawMessage("null"), nil
}

// Ack is the device's positive confirmation of a Command
type Ack struct {
	CommandID  string    `json:"command_id"`
	Detail     string    `json:"detail,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

// CommandResult is the terminal outcome reported to the caller
type CommandResult struct {
	ID          string       `json:"id"`
	Kind        CommandKind  `json:"command"`
	State       CommandState `json:"state"`
	Detail      string       `json:"detail,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	SentAt      time.Time    `json:"sent_at,omitempty"`
	CompletedAt time.Time    `json:"completed_at,omitempty"`
}
