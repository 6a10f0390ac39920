package telemetry

import (
	"encoding/json"
	"math"
)

// PaddingRatio is the share of the data span added on each side of the range.
const PaddingRatio = 0.08

// Range is a value-axis range. Auto delegates to the renderer's default.
type Range struct {
	Auto bool
	Lo   float64
	Hi   float64
}

func (r Range) MarshalJSON() ([]byte, error) {
	if r.Auto {
		return json.Marshal([2]string{"auto", "auto"})
	}
	return json.Marshal([2]float64{r.Lo, r.Hi})
}

// AxisRange scans the selected fields of every point. Equal extremes are
// widened by one unit each way; otherwise the span is padded by
// PaddingRatio and the bounds are rounded outwards to two decimals, which
// keeps the axis from jittering as points stream in.
func AxisRange(points []Point, selected []string) Range {
	if len(points) == 0 || len(selected) == 0 {
		return Range{Auto: true}
	}

	lo, hi := math.Inf(1), math.Inf(-1)
	for _, p := range points {
		for _, key := range selected {
			v, ok := p.Row.Fields[key].Finite()
			if !ok {
				continue
			}
			lo = math.Min(lo, v)
			hi = math.Max(hi, v)
		}
	}

	if math.IsInf(lo, 0) || math.IsInf(hi, 0) {
		return Range{Auto: true}
	}
	if lo == hi {
		return Range{Lo: lo - 1, Hi: hi + 1}
	}

	pad := (hi - lo) * PaddingRatio
	return Range{
		Lo: math.Floor((lo-pad)*100) / 100,
		Hi: math.Ceil((hi+pad)*100) / 100,
	}
}
