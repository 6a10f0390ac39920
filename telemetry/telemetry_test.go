package telemetry

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iotconsole/models"
)

var now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func row(at time.Time, fields map[string]models.Value) *models.TelemetrySnapshot {
	f := map[string]models.Value{"ts": models.Number(float64(at.UnixMilli()))}
	for k, v := range fields {
		f[k] = v
	}
	return &models.TelemetrySnapshot{Fields: f}
}

func TestBuildFiltersAndSorts(t *testing.T) {
	rows := []*models.TelemetrySnapshot{
		row(now.Add(-time.Hour), map[string]models.Value{"temp": models.Number(20)}),
		row(now.Add(-25*time.Hour), map[string]models.Value{"temp": models.Number(1)}),
		{Fields: map[string]models.Value{"temp": models.Number(5)}},
		row(now.Add(-3*time.Hour), map[string]models.Value{"temp": models.Number(18)}),
		row(now.Add(-2*time.Hour), map[string]models.Value{"temp": models.Number(19)}),
	}

	points := Build(rows, now, 0)
	require.Len(t, points, 3)

	for i := 1; i < len(points); i++ {
		assert.LessOrEqual(t, points[i-1].AtMs, points[i].AtMs)
	}
	for _, p := range points {
		assert.GreaterOrEqual(t, p.AtMs, now.Add(-DefaultWindow).UnixMilli())
	}
	assert.Equal(t, float64(18), points[0].Row.Fields["temp"].Num)
}

func TestBuildKeepsWindowBoundary(t *testing.T) {
	rows := []*models.TelemetrySnapshot{row(now.Add(-DefaultWindow), nil)}
	assert.Len(t, Build(rows, now, DefaultWindow), 1)
}

func TestNumericKeys(t *testing.T) {
	rows := []*models.TelemetrySnapshot{
		row(now.Add(-time.Minute), map[string]models.Value{
			"temp":     models.Number(20),
			"status":   models.Text("ok"),
			"deviceId": models.Number(7),
			"id":       models.Number(1),
			"_id":      models.Text("65a1b2c3d4e5f60718293a4b"),
		}),
		row(now.Add(-2*time.Minute), map[string]models.Value{
			"humidity": models.Number(55),
			"relay":    models.Bool(true),
		}),
	}

	keys := NumericKeys(Build(rows, now, 0))
	assert.Equal(t, []string{"humidity", "temp", "ts"}, keys)
}

func TestPointMarshalUsesReservedKey(t *testing.T) {
	p := Point{AtMs: 42, Row: &models.TelemetrySnapshot{Fields: map[string]models.Value{"temp": models.Number(1.5)}}}

	b, err := json.Marshal(p)
	require.NoError(t, err)
	assert.JSONEq(t, `{"__ms":42,"temp":1.5}`, string(b))
}

func TestClipAndSpan(t *testing.T) {
	points := []Point{{AtMs: 10}, {AtMs: 20}, {AtMs: 30}, {AtMs: 40}}

	assert.Equal(t, []int64{20, 30}, Instants(Clip(points, 15, 30)))
	assert.Nil(t, Clip(points, 41, 50))

	first, last, ok := Span(points)
	require.True(t, ok)
	assert.Equal(t, int64(10), first)
	assert.Equal(t, int64(40), last)

	_, _, ok = Span(nil)
	assert.False(t, ok)
}

func TestSelection(t *testing.T) {
	var s Selection
	s.Observe(nil)
	assert.Empty(t, s.Keys())

	s.Observe([]string{"a", "b", "c", "d", "e", "f"})
	assert.Equal(t, []string{"a", "b"}, s.Keys())

	assert.True(t, s.Toggle("a"))
	assert.Equal(t, []string{"b"}, s.Keys())

	s.Observe([]string{"a", "b", "c"})
	assert.Equal(t, []string{"b"}, s.Keys(), "refresh must not reseed")

	assert.True(t, s.Toggle("c"))
	assert.True(t, s.Toggle("d"))
	assert.True(t, s.Toggle("e"))
	assert.False(t, s.Toggle("f"), "fifth field is rejected")
	assert.Len(t, s.Keys(), MaxSelected)
	assert.False(t, s.Contains("f"))

	s.Reset([]string{"x", "y", "z"})
	assert.Equal(t, []string{"x", "y"}, s.Keys())
}

func TestSelectionStaysEmptyAfterDeselectingAll(t *testing.T) {
	var s Selection
	s.Observe([]string{"a"})
	require.True(t, s.Toggle("a"))

	s.Observe([]string{"a", "b"})
	assert.Empty(t, s.Keys())
}

func TestAxisRange(t *testing.T) {
	points := []Point{
		{Row: &models.TelemetrySnapshot{Fields: map[string]models.Value{"a": models.Number(1), "b": models.Number(100)}}},
		{Row: &models.TelemetrySnapshot{Fields: map[string]models.Value{"a": models.Number(2)}}},
		{Row: &models.TelemetrySnapshot{Fields: map[string]models.Value{"a": models.Number(9), "c": models.Text("x")}}},
	}

	r := AxisRange(points, []string{"a"})
	assert.False(t, r.Auto)
	assert.Equal(t, 0.36, r.Lo)
	assert.Equal(t, 9.64, r.Hi)

	flat := []Point{{Row: &models.TelemetrySnapshot{Fields: map[string]models.Value{"a": models.Number(5)}}}}
	assert.Equal(t, Range{Lo: 4, Hi: 6}, AxisRange(flat, []string{"a"}))

	assert.True(t, AxisRange(points, []string{"c"}).Auto)
	assert.True(t, AxisRange(points, nil).Auto)
	assert.True(t, AxisRange(nil, []string{"a"}).Auto)
}

func TestRangeMarshal(t *testing.T) {
	b, err := json.Marshal(Range{Auto: true})
	require.NoError(t, err)
	assert.JSONEq(t, `["auto","auto"]`, string(b))

	b, err = json.Marshal(Range{Lo: 0.36, Hi: 9.64})
	require.NoError(t, err)
	assert.JSONEq(t, `[0.36,9.64]`, string(b))
}

func TestColors(t *testing.T) {
	keys := []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j", "k"}
	colors := Colors(keys)

	assert.Len(t, colors, len(keys))
	assert.Equal(t, Palette[1], colors["b"])
	assert.Equal(t, Palette[0], colors["k"], "wraps around the palette")
	assert.NotContains(t, colors, "missing")
}
