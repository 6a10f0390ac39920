package telemetry

// Palette is indexed by a field's position in the discovered key list, so
// a field keeps its colour across selection changes and refreshes.
var Palette = []string{
	"#22c55e",
	"#3b82f6",
	"#f59e0b",
	"#ef4444",
	"#a855f7",
	"#06b6d4",
	"#f97316",
	"#84cc16",
	"#e11d48",
	"#14b8a6",
}

// Colors maps every discovered key to its colour.
func Colors(keys []string) map[string]string {
	out := make(map[string]string, len(keys))
	for i, k := range keys {
		out[k] = Palette[i%len(Palette)]
	}
	return out
}
