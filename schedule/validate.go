// Package schedule validates and previews time-triggered actuator action
// sets. Schedules are stored and fired by the platform; this package only
// checks what an operator submits and shows when it would run.
package schedule

import (
	"fmt"
	"math"
	"slices"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/robfig/cron/v3"

	"iotconsole/models"
)

// Triggers carry a leading seconds field.
var parser = cron.NewParser(
	cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

type ValidationError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

func (e *ValidationError) Error() string {
	return e.Reason
}

func invalid(field, reason string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(reason, args...)}
}

// Validate checks a schedule form before it is sent upstream. End actions
// are carried through as entered and may hold empty placeholders.
func Validate(s models.ScheduleDefinition) error {
	if strings.TrimSpace(s.Name) == "" {
		return invalid("name", "Schedule name is required")
	}
	if strings.TrimSpace(s.Trigger) == "" {
		return invalid("cron", "Cron is required")
	}
	if len(s.Actions) == 0 {
		return invalid("actions", "At least 1 action is required")
	}
	for i, a := range s.Actions {
		if a.ActuatorKey == "" {
			return invalid(fmt.Sprintf("actions[%d].actuator", i), "Select actuator for all actions")
		}
		if a.Set.State == "" {
			return invalid(fmt.Sprintf("actions[%d].set.state", i), "Select state for all actions")
		}
		if !validState(a.Set.State) {
			return invalid(fmt.Sprintf("actions[%d].set.state", i), "Unknown state %q", a.Set.State)
		}
	}
	for i, a := range s.EndActions {
		if a.Set.State != "" && !validState(a.Set.State) {
			return invalid(fmt.Sprintf("end_actions[%d].set.state", i), "Unknown state %q", a.Set.State)
		}
	}
	if math.IsNaN(s.DurationSec) || math.IsInf(s.DurationSec, 0) || s.DurationSec < 0 {
		return invalid("duration_sec", "Duration must be zero or a positive number of seconds")
	}
	if _, err := parser.Parse(strings.TrimSpace(s.Trigger)); err != nil {
		return invalid("cron", "Invalid cron expression: %v", err)
	}
	if s.Timezone != "" {
		if _, err := time.LoadLocation(s.Timezone); err != nil {
			return invalid("timezone", "Unknown timezone %q", s.Timezone)
		}
	}
	return nil
}

// ValidateFor additionally requires every referenced actuator to exist on
// the device.
func ValidateFor(s models.ScheduleDefinition, dev models.Device) error {
	if err := Validate(s); err != nil {
		return err
	}

	known := dev.ActuatorKeys()
	for i, a := range s.Actions {
		if !slices.Contains(known, a.ActuatorKey) {
			return invalid(fmt.Sprintf("actions[%d].actuator", i), "Unknown actuator %q", a.ActuatorKey)
		}
	}
	for i, a := range s.EndActions {
		if a.ActuatorKey != "" && !slices.Contains(known, a.ActuatorKey) {
			return invalid(fmt.Sprintf("end_actions[%d].actuator", i), "Unknown actuator %q", a.ActuatorKey)
		}
	}
	return nil
}

func validState(s string) bool {
	switch s {
	case models.StateOn, models.StateOff, models.StateIdle:
		return true
	}
	return false
}

// Normalize trims the free-text fields and fills an empty timezone.
func Normalize(s models.ScheduleDefinition, defaultTimezone string) models.ScheduleDefinition {
	s.Name = strings.TrimSpace(s.Name)
	s.Trigger = strings.TrimSpace(s.Trigger)
	if s.Timezone == "" {
		s.Timezone = defaultTimezone
	}
	return s
}
