package events

import (
	"fmt"
	"regexp"
	"strings"
)

// Definition documents one event type.
type Definition struct {
	Name        string   `json:"name"`
	Module      string   `json:"module"`
	Description string   `json:"description"`
	TypeName    string   `json:"type_name"`
	Fields      []string `json:"payload_fields"`
}

// ErrorType categorizes catalogue errors.
type ErrorType string

const (
	ErrorValidationFailed      ErrorType = "validation_failed"
	ErrorDuplicateRegistration ErrorType = "duplicate_registration"
)

// EventError is returned when a definition cannot be registered.
type EventError struct {
	Type    ErrorType `json:"type"`
	Event   string    `json:"event"`
	Message string    `json:"message"`
}

func (e *EventError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Names are dotted lowercase segments: module.action or module.sub_action.
var namePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*(\.[a-z][a-z0-9_]*)+$`)

// Validate checks the definition's name and description.
func (d Definition) Validate() error {
	if !namePattern.MatchString(d.Name) {
		return &EventError{
			Type:    ErrorValidationFailed,
			Event:   d.Name,
			Message: fmt.Sprintf("event name %q must be dotted lowercase segments", d.Name),
		}
	}
	if strings.TrimSpace(d.Description) == "" {
		return &EventError{
			Type:    ErrorValidationFailed,
			Event:   d.Name,
			Message: "event description cannot be empty",
		}
	}
	return nil
}

// moduleOf returns the first segment of a dotted name.
func moduleOf(name string) string {
	if i := strings.IndexByte(name, '.'); i > 0 {
		return name[:i]
	}
	return name
}
