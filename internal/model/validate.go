package model

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Column widths of the institutions table.
const (
	MaxCodeLen        = 20
	MaxNameLen        = 255
	MaxServiceTypeLen = 100
	MaxAddressLen     = 255
)

// ValidationError reports a record that cannot be stored as given.
type ValidationError struct {
	Code   string
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("model: invalid record: %s %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("model: invalid record %s: %s %s", e.Code, e.Field, e.Reason)
}

// Validate checks r against the constraints of the institutions table.
func (r Record) Validate() error {
	invalid := func(field, reason string) error {
		return &ValidationError{Code: r.Code, Field: field, Reason: reason}
	}

	switch {
	case strings.TrimSpace(r.Code) == "":
		return invalid("code", "is empty")
	case utf8.RuneCountInString(r.Code) > MaxCodeLen:
		return invalid("code", fmt.Sprintf("exceeds %d characters", MaxCodeLen))
	case strings.TrimSpace(r.Name) == "":
		return invalid("name", "is empty")
	case utf8.RuneCountInString(r.Name) > MaxNameLen:
		return invalid("name", fmt.Sprintf("exceeds %d characters", MaxNameLen))
	case utf8.RuneCountInString(r.ServiceType) > MaxServiceTypeLen:
		return invalid("type", fmt.Sprintf("exceeds %d characters", MaxServiceTypeLen))
	case utf8.RuneCountInString(r.Address) > MaxAddressLen:
		return invalid("address", fmt.Sprintf("exceeds %d characters", MaxAddressLen))
	case r.Capacity < 0:
		return invalid("capacity", "is negative")
	case r.CurrentHeadcount < 0:
		return invalid("current", "is negative")
	}

	if c := r.Coordinates; c != nil {
		if c.Latitude < -90 || c.Latitude > 90 {
			return invalid("lat", "is out of range")
		}
		if c.Longitude < -180 || c.Longitude > 180 {
			return invalid("lng", "is out of range")
		}
	}
	return nil
}
