package schedule

import (
	"fmt"
	"time"

	"iotconsole/models"
)

// DefaultTrigger fires every five minutes.
const DefaultTrigger = "0 */5 * * * *"

func StartPlaceholder() models.ActionStep {
	return models.ActionStep{Set: models.ActionSet{State: models.StateOn, Auto: true}}
}

func EndPlaceholder() models.ActionStep {
	return models.ActionStep{Set: models.ActionSet{State: models.StateOff, Auto: true}}
}

// NewForm returns a blank schedule in the given timezone.
func NewForm(timezone string) models.ScheduleDefinition {
	if timezone == "" {
		timezone = models.DefaultTimezone
	}
	return models.ScheduleDefinition{
		Enabled:    true,
		Timezone:   timezone,
		Trigger:    DefaultTrigger,
		Actions:    []models.ActionStep{StartPlaceholder()},
		EndActions: []models.ActionStep{EndPlaceholder()},
	}
}

// EditForm prefills a form from a stored schedule, substituting defaults
// for whatever the stored document left out.
func EditForm(s models.ScheduleDefinition, timezone string) models.ScheduleDefinition {
	f := NewForm(timezone)
	f.ID = s.ID
	f.Name = s.Name
	f.Enabled = s.Enabled
	if s.Timezone != "" {
		f.Timezone = s.Timezone
	}
	if s.Trigger != "" {
		f.Trigger = s.Trigger
	}
	if len(s.Actions) > 0 {
		f.Actions = append([]models.ActionStep(nil), s.Actions...)
	}
	f.DurationSec = s.DurationSec
	if len(s.EndActions) > 0 {
		f.EndActions = append([]models.ActionStep(nil), s.EndActions...)
	}
	return f
}

// RemoveStep drops steps[idx]. A list never becomes empty: removing the
// last step leaves the placeholder.
func RemoveStep(steps []models.ActionStep, idx int, placeholder models.ActionStep) []models.ActionStep {
	if idx < 0 || idx >= len(steps) {
		return steps
	}
	next := make([]models.ActionStep, 0, len(steps)-1)
	next = append(next, steps[:idx]...)
	next = append(next, steps[idx+1:]...)
	if len(next) == 0 {
		return []models.ActionStep{placeholder}
	}
	return next
}

// Run is one upcoming firing. End is set when the schedule has a duration.
type Run struct {
	Start time.Time  `json:"start"`
	End   *time.Time `json:"end,omitempty"`
}

// Preview lists the next n firings after from in the schedule's timezone.
func Preview(s models.ScheduleDefinition, from time.Time, n int) ([]Run, error) {
	sched, err := parser.Parse(s.Trigger)
	if err != nil {
		return nil, invalid("cron", "Invalid cron expression: %v", err)
	}

	tz := s.Timezone
	if tz == "" {
		tz = models.DefaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", tz, err)
	}

	dur := time.Duration(s.DurationSec * float64(time.Second))
	runs := make([]Run, 0, max(n, 0))
	t := from.In(loc)
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		r := Run{Start: t}
		if dur > 0 {
			end := t.Add(dur)
			r.End = &end
		}
		runs = append(runs, r)
	}
	return runs, nil
}
