// Package actuator keeps the operator's view of actuator control state: an
// optimistic local copy that commands patch immediately, reconciled by
// wholesale replacement whenever the server snapshot is polled again.
package actuator

import (
	"sort"

	"iotconsole/models"
)

// SyncStatus tells how far the local value of an actuator is from server truth.
type SyncStatus string

const (
	// Confirmed values came from the last polled snapshot.
	Confirmed SyncStatus = "confirmed"
	// PendingOptimistic values were patched locally and await the next poll.
	PendingOptimistic SyncStatus = "pending_optimistic"
	// FailedStale values were patched locally but the command failed; they
	// stay visible until the next poll overwrites them.
	FailedStale SyncStatus = "failed_stale"
)

type Mode string

const (
	Auto   Mode = "AUTO"
	Manual Mode = "MANUAL"
)

// State is the reconciled device document plus per-actuator sync status.
// Device is nil until the first snapshot arrives.
type State struct {
	Device *models.Device
	Sync   map[string]SyncStatus
}

// Event is one input to Reduce.
type Event interface {
	isEvent()
}

// PollReceived replaces the whole snapshot; the server is authoritative.
type PollReceived struct {
	Device models.Device
}

// TelemetryPushed replaces only the latest telemetry document.
type TelemetryPushed struct {
	Snapshot *models.TelemetrySnapshot
}

// OptimisticPatch applies a local change ahead of server confirmation.
// A nil field is left untouched. State patches both the desired value and
// the telemetry-reported live value.
type OptimisticPatch struct {
	Key   string
	Auto  *bool
	State *string
}

// CommandFailed marks a patched actuator stale. The patch is kept.
type CommandFailed struct {
	Key string
	Err error
}

func (PollReceived) isEvent()    {}
func (TelemetryPushed) isEvent() {}
func (OptimisticPatch) isEvent() {}
func (CommandFailed) isEvent()   {}

// Reduce returns the state after ev. The input state is never modified.
func Reduce(s State, ev Event) State {
	switch e := ev.(type) {
	case PollReceived:
		d := e.Device.Clone()
		return State{Device: &d, Sync: map[string]SyncStatus{}}

	case TelemetryPushed:
		if s.Device == nil {
			return s
		}
		next := s.clone()
		next.Device.LastTelemetry = e.Snapshot.Clone()
		return next

	case OptimisticPatch:
		if s.Device == nil {
			return s
		}
		next := s.clone()
		ctrl := next.Device.ControlActuators[e.Key]
		if e.Auto != nil {
			ctrl.Auto = *e.Auto
		}
		if e.State != nil {
			ctrl.Desired = *e.State
			ctrl.Reported = ""
			setLiveState(next.Device, e.Key, *e.State)
		}
		next.Device.ControlActuators[e.Key] = ctrl
		next.Sync[e.Key] = PendingOptimistic
		return next

	case CommandFailed:
		// A poll that landed while the command was in flight already
		// replaced the optimistic value.
		if s.Device == nil || s.Sync[e.Key] != PendingOptimistic {
			return s
		}
		next := s.clone()
		next.Sync[e.Key] = FailedStale
		return next
	}

	return s
}

func (s State) clone() State {
	next := State{Sync: make(map[string]SyncStatus, len(s.Sync))}
	for k, v := range s.Sync {
		next.Sync[k] = v
	}
	if s.Device != nil {
		d := s.Device.Clone()
		next.Device = &d
	}
	return next
}

func setLiveState(d *models.Device, key, state string) {
	if d.LastTelemetry == nil {
		d.LastTelemetry = &models.TelemetrySnapshot{Fields: map[string]models.Value{}}
	}
	if d.LastTelemetry.Actuators == nil {
		d.LastTelemetry.Actuators = map[string]string{}
	}
	d.LastTelemetry.Actuators[key] = state
}

// Status returns the sync status of key; untouched actuators are confirmed.
func (s State) Status(key string) SyncStatus {
	if st, ok := s.Sync[key]; ok {
		return st
	}
	return Confirmed
}

// ModeOf reports whether automatic control owns the actuator.
func ModeOf(ctrl models.ActuatorControl) Mode {
	if ctrl.Auto {
		return Auto
	}
	return Manual
}

// DesiredState is the control document's desired value.
func DesiredState(ctrl models.ActuatorControl) string {
	if ctrl.Desired != "" {
		return ctrl.Desired
	}
	return models.StateOff
}

// LiveState is the best-effort current value: what telemetry reported, else
// the legacy flat state, else the desired state.
func LiveState(d models.Device, key string) string {
	if d.LastTelemetry != nil {
		if v := d.LastTelemetry.Actuators[key]; v != "" {
			return v
		}
	}
	ctrl := d.ControlActuators[key]
	if ctrl.Reported != "" {
		return ctrl.Reported
	}
	return DesiredState(ctrl)
}

// Row is the display model of one actuator.
type Row struct {
	Key     string     `json:"key"`
	Type    string     `json:"type"`
	Mode    Mode       `json:"mode"`
	Auto    bool       `json:"auto"`
	Live    string     `json:"live"`
	Desired string     `json:"desired"`
	Busy    bool       `json:"busy"`
	Sync    SyncStatus `json:"sync"`
}

// Rows lists the control actuators sorted by key.
func (s State) Rows(busy map[string]bool) []Row {
	if s.Device == nil {
		return nil
	}

	keys := make([]string, 0, len(s.Device.ControlActuators))
	for k := range s.Device.ControlActuators {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	rows := make([]Row, 0, len(keys))
	for _, k := range keys {
		ctrl := s.Device.ControlActuators[k]
		typ := s.Device.ActuatorType(k)
		if typ == "" {
			typ = "-"
		}
		rows = append(rows, Row{
			Key:     k,
			Type:    typ,
			Mode:    ModeOf(ctrl),
			Auto:    ctrl.Auto,
			Live:    LiveState(*s.Device, k),
			Desired: DesiredState(ctrl),
			Busy:    busy[k],
			Sync:    s.Status(k),
		})
	}
	return rows
}
