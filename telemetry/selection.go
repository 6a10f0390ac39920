package telemetry

import "slices"

const (
	// MaxSelected caps how many fields are plotted at once.
	MaxSelected = 4
	// DefaultSelected is how many leading fields are picked initially.
	DefaultSelected = 2
)

// Selection is the set of plotted fields. It seeds itself once, the first
// time it observes a non-empty key list, and is left alone afterwards so a
// refresh never overrides what the operator picked.
type Selection struct {
	keys   []string
	seeded bool
}

// Observe offers the current discovered key list.
func (s *Selection) Observe(available []string) {
	if s.seeded || len(available) == 0 {
		return
	}
	s.seeded = true
	s.keys = leading(available)
}

// Toggle removes a selected key or appends an unselected one. Appending
// past MaxSelected is a no-op. It reports whether the selection changed.
func (s *Selection) Toggle(key string) bool {
	if i := slices.Index(s.keys, key); i >= 0 {
		s.keys = slices.Delete(slices.Clone(s.keys), i, i+1)
		return true
	}
	if len(s.keys) >= MaxSelected {
		return false
	}
	s.keys = append(slices.Clone(s.keys), key)
	return true
}

// Reset reselects the leading discovered keys.
func (s *Selection) Reset(available []string) {
	s.seeded = len(available) > 0 || s.seeded
	s.keys = leading(available)
}

func (s *Selection) Keys() []string {
	return slices.Clone(s.keys)
}

func (s *Selection) Contains(key string) bool {
	return slices.Contains(s.keys, key)
}

func leading(available []string) []string {
	n := min(DefaultSelected, len(available))
	return slices.Clone(available[:n])
}
