package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
)

type ValueKind int

const (
	KindNumber ValueKind = iota
	KindText
	KindBool
)

func (k ValueKind) String() string {
	return [...]string{"number", "text", "bool"}[k]
}

// Value is one scalar telemetry reading. Telemetry documents carry no fixed
// schema, so every field is decoded into one of these tagged variants.
type Value struct {
	Kind ValueKind
	Num  float64
	Text string
	Bool bool
}

func Number(v float64) Value { return Value{Kind: KindNumber, Num: v} }
func Text(s string) Value    { return Value{Kind: KindText, Text: s} }
func Bool(b bool) Value      { return Value{Kind: KindBool, Bool: b} }

// Finite reports the numeric value when the reading is a finite number.
func (v Value) Finite() (float64, bool) {
	if v.Kind != KindNumber || math.IsNaN(v.Num) || math.IsInf(v.Num, 0) {
		return 0, false
	}
	return v.Num, true
}

// String renders the value the way the latest-telemetry list shows it.
func (v Value) String() string {
	switch v.Kind {
	case KindNumber:
		return strconv.FormatFloat(v.Num, 'f', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.Bool)
	default:
		return v.Text
	}
}

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case KindNumber:
		if _, ok := v.Finite(); !ok {
			return []byte("null"), nil
		}
		return json.Marshal(v.Num)
	case KindBool:
		return json.Marshal(v.Bool)
	default:
		return json.Marshal(v.Text)
	}
}

// TelemetrySnapshot is one telemetry document: scalar fields plus the live
// state each actuator reported.
type TelemetrySnapshot struct {
	Fields    map[string]Value
	Actuators map[string]string
}

const actuatorsKey = "actuators"

func (t *TelemetrySnapshot) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("telemetry snapshot: %w", err)
	}

	t.Fields = make(map[string]Value, len(raw))
	t.Actuators = nil

	for key, msg := range raw {
		if key == actuatorsKey {
			t.Actuators = decodeActuatorStates(msg)
			continue
		}
		if v, ok := decodeScalar(msg); ok {
			t.Fields[key] = v
		}
	}

	return nil
}

func (t TelemetrySnapshot) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(t.Fields)+1)
	for k, v := range t.Fields {
		out[k] = v
	}
	if t.Actuators != nil {
		out[actuatorsKey] = t.Actuators
	}
	return json.Marshal(out)
}

// Clone returns a deep copy so reducers never share maps between states.
func (t *TelemetrySnapshot) Clone() *TelemetrySnapshot {
	if t == nil {
		return nil
	}
	c := &TelemetrySnapshot{Fields: make(map[string]Value, len(t.Fields))}
	for k, v := range t.Fields {
		c.Fields[k] = v
	}
	if t.Actuators != nil {
		c.Actuators = make(map[string]string, len(t.Actuators))
		for k, v := range t.Actuators {
			c.Actuators[k] = v
		}
	}
	return c
}

// Field returns a named scalar, reporting whether it exists.
func (t *TelemetrySnapshot) Field(key string) (Value, bool) {
	if t == nil {
		return Value{}, false
	}
	v, ok := t.Fields[key]
	return v, ok
}

// ScalarField is one entry of the latest-telemetry list.
type ScalarField struct {
	Key   string `json:"k"`
	Value Value  `json:"v"`
}

// Scalars lists every scalar field sorted by key.
func (t *TelemetrySnapshot) Scalars() []ScalarField {
	if t == nil {
		return nil
	}
	out := make([]ScalarField, 0, len(t.Fields))
	for k, v := range t.Fields {
		out = append(out, ScalarField{Key: k, Value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func decodeScalar(msg json.RawMessage) (Value, bool) {
	trimmed := bytes.TrimSpace(msg)
	if len(trimmed) == 0 {
		return Value{}, false
	}

	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return Value{}, false
		}
		return Text(s), true
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(trimmed, &b); err != nil {
			return Value{}, false
		}
		return Bool(b), true
	case 'n', '{', '[':
		return Value{}, false
	default:
		var f float64
		if err := json.Unmarshal(trimmed, &f); err != nil {
			return Value{}, false
		}
		return Number(f), true
	}
}

func decodeActuatorStates(msg json.RawMessage) map[string]string {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(msg, &raw); err != nil {
		return nil
	}

	out := make(map[string]string, len(raw))
	for k, m := range raw {
		if v, ok := decodeScalar(m); ok {
			if s := v.String(); s != "" {
				out[k] = s
			}
		}
	}
	return out
}
