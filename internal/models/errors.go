package models

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies failures surfaced by the façade
type ErrorKind string

const (
	KindSensorUnavailable ErrorKind = "sensor_unavailable"
	KindInvalidField      ErrorKind = "invalid_field"
	KindInvalidCommand    ErrorKind = "invalid_command"
	KindDeviceRejected    ErrorKind = "device_rejected"
	KindDeviceUnreachable ErrorKind = "device_unreachable"
	KindCancelled         ErrorKind = "cancelled"
)

// Error is the typed error returned by the telemetry, settings and command packages
type Error struct {
	Kind    ErrorKind
	Message string
	// Fields lists offending field names for KindInvalidField
	Fields []string
	// Reason is the device's own explanation for KindDeviceRejected, unmodified
	Reason string
	// Code is the device's error code for KindDeviceRejected
	Code string
	Err  error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if len(e.Fields) > 0 {
		fmt.Fprintf(&b, " [%s]", strings.Join(e.Fields, ", "))
	}
	if e.Reason != "" {
		fmt.Fprintf(&b, " (device: %s)", e.Reason)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error with the same Kind, so errors.Is(err, &Error{Kind: k}) works
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// NewError builds an *Error of the given kind
func NewError(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the ErrorKind carried by err, or "" if err is not an *Error
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
