// Package liveness derives when a device was last heard from and whether it
// should be considered online.
package liveness

import (
	"math"
	"time"

	"github.com/araddon/dateparse"

	"iotconsole/models"
)

// TimestampFields are consulted in order before the identifier fallback.
var TimestampFields = []string{"updatedAt", "createdAt", "ts", "timestamp"}

// IDField holds the embedded-timestamp identifier.
const IDField = "_id"

// Resolve returns the instant a snapshot was produced, in Unix milliseconds.
// ok is false when no source yields a usable instant; that is a valid
// "unknown" outcome, not an error.
func Resolve(s *models.TelemetrySnapshot) (ms int64, ok bool) {
	if s == nil {
		return 0, false
	}

	for _, key := range TimestampFields {
		v, present := s.Field(key)
		if !present {
			continue
		}
		if ms, ok := parseInstant(v); ok {
			return ms, true
		}
	}

	id, present := s.Field(IDField)
	if !present || id.Kind != models.KindText {
		return 0, false
	}
	return ObjectIDMillis(id.Text)
}

// ObjectIDMillis decodes the leading 8 hex characters of an object
// identifier as big-endian seconds since the epoch. Like parseInt, decoding
// stops at the first non-hex character. No hex digits, or a zero prefix,
// means unknown.
func ObjectIDMillis(id string) (int64, bool) {
	if len(id) < 8 {
		return 0, false
	}

	var sec int64
	digits := 0
	for _, c := range id[:8] {
		d, ok := hexDigit(c)
		if !ok {
			break
		}
		sec = sec<<4 | int64(d)
		digits++
	}
	if digits == 0 || sec == 0 {
		return 0, false
	}
	return sec * 1000, true
}

func hexDigit(c rune) (int, bool) {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0'), true
	case c >= 'a' && c <= 'f':
		return int(c-'a') + 10, true
	case c >= 'A' && c <= 'F':
		return int(c-'A') + 10, true
	}
	return 0, false
}

// parseInstant treats numbers as epoch milliseconds and strings as dates.
// Empty strings and zero are absent values.
func parseInstant(v models.Value) (int64, bool) {
	switch v.Kind {
	case models.KindNumber:
		f, ok := v.Finite()
		if !ok || f == 0 || math.Abs(f) > maxDateMillis {
			return 0, false
		}
		return int64(f), true
	case models.KindText:
		if v.Text == "" {
			return 0, false
		}
		t, err := dateparse.ParseIn(v.Text, time.UTC)
		if err != nil {
			return 0, false
		}
		return t.UnixMilli(), true
	}
	return 0, false
}

// maxDateMillis is the largest representable date offset.
const maxDateMillis = 8.64e15
