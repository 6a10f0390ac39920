package models

import "encoding/json"

type ActionSet struct {
	State string `json:"state"`
	Auto  bool   `json:"auto"`
}

// ActionStep sets one actuator to a state and mode.
type ActionStep struct {
	ActuatorKey string    `json:"actuator"`
	Set         ActionSet `json:"set"`
}

// ScheduleDefinition is a time-triggered action set. The console only edits
// and displays these; firing them is done by the platform's scheduler.
type ScheduleDefinition struct {
	ID          string       `json:"id,omitempty"`
	Name        string       `json:"name"`
	Enabled     bool         `json:"enabled"`
	Timezone    string       `json:"timezone"`
	Trigger     string       `json:"cron"`
	Actions     []ActionStep `json:"actions"`
	DurationSec float64      `json:"duration_sec"`
	EndActions  []ActionStep `json:"end_actions"`
}

func (s *ScheduleDefinition) UnmarshalJSON(data []byte) error {
	type plain ScheduleDefinition
	var w struct {
		plain
		ObjectID string `json:"_id"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	*s = ScheduleDefinition(w.plain)
	if w.ObjectID != "" {
		s.ID = w.ObjectID
	}
	return nil
}

// SchedulePayload is the body sent on create and update; the id travels in
// the URL only.
type SchedulePayload struct {
	Name        string       `json:"name"`
	Enabled     bool         `json:"enabled"`
	Timezone    string       `json:"timezone"`
	Trigger     string       `json:"cron"`
	Actions     []ActionStep `json:"actions"`
	DurationSec float64      `json:"duration_sec"`
	EndActions  []ActionStep `json:"end_actions"`
}

func (s ScheduleDefinition) Payload() SchedulePayload {
	return SchedulePayload{
		Name:        s.Name,
		Enabled:     s.Enabled,
		Timezone:    s.Timezone,
		Trigger:     s.Trigger,
		Actions:     s.Actions,
		DurationSec: s.DurationSec,
		EndActions:  s.EndActions,
	}
}
