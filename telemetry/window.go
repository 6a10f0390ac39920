// Package telemetry turns a telemetry history response into a plottable,
// time-bounded series and derives field selection and axis ranges from it.
package telemetry

import (
	"encoding/json"
	"sort"
	"time"

	"iotconsole/liveness"
	"iotconsole/models"
)

// DefaultWindow is how far back the plotted history reaches.
const DefaultWindow = 24 * time.Hour

// InstantKey is the reserved key the resolved instant is rendered under. It
// cannot collide with a plotted field because it is excluded from discovery.
const InstantKey = "__ms"

// Point is one retained history row with its resolved instant.
type Point struct {
	AtMs int64
	Row  *models.TelemetrySnapshot
}

func (p Point) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(p.Row.Fields)+1)
	for k, v := range p.Row.Fields {
		out[k] = v
	}
	out[InstantKey] = p.AtMs
	return json.Marshal(out)
}

// Build keeps the rows whose instant resolves and is no older than
// now-window, sorted ascending by instant. A non-positive window selects
// DefaultWindow.
func Build(rows []*models.TelemetrySnapshot, now time.Time, window time.Duration) []Point {
	if window <= 0 {
		window = DefaultWindow
	}
	from := now.Add(-window).UnixMilli()

	points := make([]Point, 0, len(rows))
	for _, r := range rows {
		ms, ok := liveness.Resolve(r)
		if !ok || ms < from {
			continue
		}
		points = append(points, Point{AtMs: ms, Row: r})
	}

	sort.SliceStable(points, func(i, j int) bool { return points[i].AtMs < points[j].AtMs })
	return points
}

// Instants returns the resolved instants of the series in order.
func Instants(points []Point) []int64 {
	out := make([]int64, len(points))
	for i, p := range points {
		out[i] = p.AtMs
	}
	return out
}

// Span is the first and last instant of a non-empty series.
func Span(points []Point) (first, last int64, ok bool) {
	if len(points) == 0 {
		return 0, 0, false
	}
	return points[0].AtMs, points[len(points)-1].AtMs, true
}

// Clip returns the contiguous run of points within [min, max].
func Clip(points []Point, min, max int64) []Point {
	lo := sort.Search(len(points), func(i int) bool { return points[i].AtMs >= min })
	hi := sort.Search(len(points), func(i int) bool { return points[i].AtMs > max })
	if lo >= hi {
		return nil
	}
	return points[lo:hi]
}

// reservedKeys never appear in the numeric field list.
var reservedKeys = map[string]struct{}{
	InstantKey:       {},
	liveness.IDField: {},
	"deviceId":       {},
	"id":             {},
	"device":         {},
	"actuators":      {},
}

// NumericKeys is the alphabetically sorted union of non-reserved keys that
// hold a finite number in at least one retained row.
func NumericKeys(points []Point) []string {
	seen := make(map[string]struct{})
	for _, p := range points {
		for k, v := range p.Row.Fields {
			if _, reserved := reservedKeys[k]; reserved {
				continue
			}
			if _, ok := v.Finite(); ok {
				seen[k] = struct{}{}
			}
		}
	}

	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
