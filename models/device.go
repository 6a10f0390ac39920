package models

import (
	"encoding/json"
	"sort"
)

const (
	StateOn   = "ON"
	StateOff  = "OFF"
	StateIdle = "IDLE"

	DefaultTimezone = "Asia/Colombo"
)

type Topics struct {
	Telemetry string `json:"telemetry,omitempty"`
	Control   string `json:"control,omitempty"`
	Config    string `json:"config,omitempty"`
}

type ActuatorConfig struct {
	Type string `json:"type,omitempty"`
}

// ActuatorControl is the desired state of one actuator. The control document
// may carry auto/state at the top level, inside "default", or both; decoding
// folds them into a single desired value and Command re-emits both shapes.
type ActuatorControl struct {
	Type    string
	Auto    bool
	Desired string
	// Reported is the legacy flat "state" as last received from the server.
	// It only feeds the live-state fallback and is never written locally.
	Reported string
}

type actuatorControlWire struct {
	Type    string  `json:"type,omitempty"`
	Auto    *bool   `json:"auto,omitempty"`
	State   *string `json:"state,omitempty"`
	Default *struct {
		Auto  *bool   `json:"auto,omitempty"`
		State *string `json:"state,omitempty"`
	} `json:"default,omitempty"`
}

func (a *ActuatorControl) UnmarshalJSON(data []byte) error {
	var w actuatorControlWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	*a = ActuatorControl{Type: w.Type}

	switch {
	case w.Auto != nil:
		a.Auto = *w.Auto
	case w.Default != nil && w.Default.Auto != nil:
		a.Auto = *w.Default.Auto
	}

	if w.State != nil {
		a.Reported = *w.State
	}

	switch {
	case w.Default != nil && w.Default.State != nil && *w.Default.State != "":
		a.Desired = *w.Default.State
	case a.Reported != "":
		a.Desired = a.Reported
	default:
		a.Desired = StateOff
	}

	return nil
}

func (a ActuatorControl) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.Command(a.Type))
}

// ActuatorCommand is the combined write for one actuator. Both the flat
// fields and the nested default are sent so consumers reading either shape
// see the same values.
type ActuatorCommand struct {
	Type    string         `json:"type,omitempty"`
	Auto    bool           `json:"auto"`
	State   string         `json:"state"`
	Default CommandDefault `json:"default"`
}

type CommandDefault struct {
	Auto  bool   `json:"auto"`
	State string `json:"state"`
}

// Command serializes the control with the given type. An empty type is
// omitted from the wire.
func (a ActuatorControl) Command(typ string) ActuatorCommand {
	return NewActuatorCommand(typ, a.Auto, a.Desired)
}

func NewActuatorCommand(typ string, auto bool, state string) ActuatorCommand {
	return ActuatorCommand{
		Type:    typ,
		Auto:    auto,
		State:   state,
		Default: CommandDefault{Auto: auto, State: state},
	}
}

// ControlRequest is the body of POST /devices/{id}/control.
type ControlRequest struct {
	Actuators map[string]ActuatorCommand `json:"actuators"`
}

// Device is the normalized device snapshot the engine works on.
type Device struct {
	ID               string                     `json:"id"`
	DisplayName      string                     `json:"displayName"`
	Model            string                     `json:"model"`
	Firmware         string                     `json:"firmware"`
	Topics           Topics                     `json:"topics"`
	Timezone         string                     `json:"timezone,omitempty"`
	ConfigActuators  map[string]ActuatorConfig  `json:"configActuators"`
	ControlActuators map[string]ActuatorControl `json:"controlActuators"`
	LastTelemetry    *TelemetrySnapshot         `json:"lastTelemetry"`
}

type deviceWire struct {
	ObjectID string `json:"_id"`
	DeviceID string `json:"deviceId"`
	Name     string `json:"name"`
	Config   struct {
		Device struct {
			DeviceID string `json:"device_id"`
			Name     string `json:"name"`
			Model    string `json:"model"`
			Firmware string `json:"firmware"`
		} `json:"device"`
		Topics    Topics                    `json:"topics"`
		Actuators map[string]ActuatorConfig `json:"actuators"`
		Scheduler struct {
			Timezone string `json:"timezone"`
		} `json:"scheduler"`
	} `json:"config"`
	Control struct {
		Actuators map[string]ActuatorControl `json:"actuators"`
	} `json:"control"`
	LastTelemetry *TelemetrySnapshot `json:"last_telemetry"`
}

// UnmarshalJSON decodes the upstream device document. Identity falls back
// from deviceId to config.device.device_id to _id; the display name from
// config name to model to the top-level name to the id.
func (d *Device) UnmarshalJSON(data []byte) error {
	var w deviceWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	dev := w.Config.Device
	*d = Device{
		ID:               firstNonEmpty(w.DeviceID, dev.DeviceID, w.ObjectID),
		Model:            firstNonEmpty(dev.Model, "-"),
		Firmware:         firstNonEmpty(dev.Firmware, "-"),
		Topics:           w.Config.Topics,
		Timezone:         w.Config.Scheduler.Timezone,
		ConfigActuators:  w.Config.Actuators,
		ControlActuators: w.Control.Actuators,
		LastTelemetry:    w.LastTelemetry,
	}
	d.DisplayName = firstNonEmpty(dev.Name, dev.Model, w.Name, d.ID, "Unnamed device")

	if d.ConfigActuators == nil {
		d.ConfigActuators = map[string]ActuatorConfig{}
	}
	if d.ControlActuators == nil {
		d.ControlActuators = map[string]ActuatorControl{}
	}

	return nil
}

// Clone deep-copies the mutable parts of the snapshot.
func (d Device) Clone() Device {
	c := d
	c.ConfigActuators = make(map[string]ActuatorConfig, len(d.ConfigActuators))
	for k, v := range d.ConfigActuators {
		c.ConfigActuators[k] = v
	}
	c.ControlActuators = make(map[string]ActuatorControl, len(d.ControlActuators))
	for k, v := range d.ControlActuators {
		c.ControlActuators[k] = v
	}
	c.LastTelemetry = d.LastTelemetry.Clone()
	return c
}

// ActuatorType prefers the control document's type over the configuration's.
func (d Device) ActuatorType(key string) string {
	if c, ok := d.ControlActuators[key]; ok && c.Type != "" {
		return c.Type
	}
	return d.ConfigActuators[key].Type
}

// ActuatorKeys is the sorted union of control and config actuator keys.
func (d Device) ActuatorKeys() []string {
	seen := make(map[string]struct{}, len(d.ControlActuators)+len(d.ConfigActuators))
	for k := range d.ControlActuators {
		seen[k] = struct{}{}
	}
	for k := range d.ConfigActuators {
		seen[k] = struct{}{}
	}

	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
