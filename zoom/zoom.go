// Package zoom tracks interactive range selection over a telemetry series.
package zoom

import "encoding/json"

// Domain is a committed time range in Unix milliseconds with Min < Max.
type Domain struct {
	Min int64
	Max int64
}

func (d Domain) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]int64{d.Min, d.Max})
}

// Normalize orders a pair ascending. Equal values are a click, not a
// range, and yield no domain.
func Normalize(a, b int64) (Domain, bool) {
	if a == b {
		return Domain{}, false
	}
	if a > b {
		a, b = b, a
	}
	return Domain{Min: a, Max: b}, true
}

type State int

const (
	Idle State = iota
	Dragging
)

func (s State) String() string {
	return [...]string{"IDLE", "DRAGGING"}[s]
}

// Controller turns pointer and overview-slider interactions into a
// committed domain. A nil committed domain means the full data range. The
// committed domain is independent of field selection and is cleared when the
// underlying device changes.
type Controller struct {
	deviceID    string
	state       State
	anchor      int64
	provisional *int64
	committed   *Domain
}

// NewController creates a controller bound to a device.
func NewController(deviceID string) *Controller {
	return &Controller{deviceID: deviceID}
}

// SetDevice rebinds the controller, resetting the committed domain when the
// identity actually changes.
func (c *Controller) SetDevice(deviceID string) {
	if c.deviceID == deviceID {
		return
	}
	c.deviceID = deviceID
	c.Reset()
}

// PointerDown starts a drag at x. A nil x (no data point under the pointer)
// is ignored.
func (c *Controller) PointerDown(x *int64) {
	if x == nil {
		return
	}
	c.state = Dragging
	c.anchor = *x
	c.provisional = nil
}

// PointerMove records the provisional end of the selection band while
// dragging. It never touches the committed domain.
func (c *Controller) PointerMove(x *int64) {
	if c.state != Dragging || x == nil {
		return
	}
	v := *x
	c.provisional = &v
}

// PointerUp ends a drag and commits the band when it spans a range. It
// reports whether the committed domain changed.
func (c *Controller) PointerUp() bool {
	defer c.idle()

	if c.state != Dragging || c.provisional == nil {
		return false
	}
	d, ok := Normalize(c.anchor, *c.provisional)
	if !ok {
		return false
	}
	c.committed = &d
	return true
}

// Slide commits the instants found at the given indices of the current
// series. Out-of-range indices and equal instants leave the domain as is.
func (c *Controller) Slide(instants []int64, startIdx, endIdx int) bool {
	if startIdx < 0 || endIdx < 0 || startIdx >= len(instants) || endIdx >= len(instants) {
		return false
	}
	d, ok := Normalize(instants[startIdx], instants[endIdx])
	if !ok {
		return false
	}
	c.committed = &d
	return true
}

// Reset returns to the full data range and abandons any drag.
func (c *Controller) Reset() {
	c.committed = nil
	c.idle()
}

func (c *Controller) idle() {
	c.state = Idle
	c.provisional = nil
}

func (c *Controller) State() State { return c.state }

// Committed returns the committed domain, or nil for the full range.
func (c *Controller) Committed() *Domain {
	if c.committed == nil {
		return nil
	}
	d := *c.committed
	return &d
}

// Band returns the in-progress selection for live feedback.
func (c *Controller) Band() (Domain, bool) {
	if c.state != Dragging || c.provisional == nil {
		return Domain{}, false
	}
	a, b := c.anchor, *c.provisional
	if a > b {
		a, b = b, a
	}
	return Domain{Min: a, Max: b}, true
}

// Snapshot is the serializable controller state.
type Snapshot struct {
	State     string  `json:"state"`
	Committed *Domain `json:"committed"`
	Band      *Domain `json:"band,omitempty"`
}

func (c *Controller) Snapshot() Snapshot {
	s := Snapshot{State: c.state.String(), Committed: c.Committed()}
	if b, ok := c.Band(); ok {
		s.Band = &b
	}
	return s
}
