package liveness

import (
	"encoding/json"
	"math"
	"time"

	"iotconsole/models"
)

// DefaultMaxAge is the staleness threshold shared by the list and detail
// views so a device shows the same status on both.
const DefaultMaxAge = 60 * time.Second

// Status is a device's liveness at a given instant.
type Status struct {
	Online     bool
	LastSeenMs *int64
	// AgeMs is +Inf when no instant resolves. It may be negative when the
	// device clock runs ahead of ours.
	AgeMs float64
}

// Estimate classifies the device against maxAge. A non-positive maxAge
// selects DefaultMaxAge.
func Estimate(d *models.Device, now time.Time, maxAge time.Duration) Status {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}

	var snap *models.TelemetrySnapshot
	if d != nil {
		snap = d.LastTelemetry
	}

	ms, ok := Resolve(snap)
	if !ok {
		return Status{Online: false, AgeMs: math.Inf(1)}
	}

	age := float64(now.UnixMilli() - ms)
	return Status{
		Online:     age <= float64(maxAge.Milliseconds()),
		LastSeenMs: &ms,
		AgeMs:      age,
	}
}

// SecondsAgo rounds the age to whole seconds; ok is false when unknown.
func (s Status) SecondsAgo() (int64, bool) {
	if s.LastSeenMs == nil {
		return 0, false
	}
	return int64(math.Round(s.AgeMs / 1000)), true
}

func (s Status) MarshalJSON() ([]byte, error) {
	out := struct {
		Online     bool     `json:"online"`
		LastSeenMs *int64   `json:"lastSeenMs"`
		AgeMs      *float64 `json:"ageMs"`
		SecondsAgo *int64   `json:"secondsAgo"`
	}{Online: s.Online, LastSeenMs: s.LastSeenMs}

	if sec, ok := s.SecondsAgo(); ok {
		out.SecondsAgo = &sec
	}

	if !math.IsInf(s.AgeMs, 0) && !math.IsNaN(s.AgeMs) {
		age := s.AgeMs
		out.AgeMs = &age
	}
	return json.Marshal(out)
}
