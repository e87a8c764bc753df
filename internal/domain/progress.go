package domain

// StageWindow is the slice of the overall 0-100 progress range a stage owns.
type StageWindow struct {
	Lo float64
	Hi float64
}

var (
	RetrievalWindow = StageWindow{Lo: 10, Hi: 50}
	TranscodeWindow = StageWindow{Lo: 50, Hi: 100}
)

// Scale maps a stage-local percentage (0-100) into the window.
func (w StageWindow) Scale(raw float64) float64 {
	if raw < 0 {
		raw = 0
	}
	if raw > 100 {
		raw = 100
	}
	return w.Lo + (w.Hi-w.Lo)*raw/100
}

// Midpoint is used when a stage cannot measure its own progress.
func (w StageWindow) Midpoint() float64 {
	return (w.Lo + w.Hi) / 2
}

// ProgressGate decides which progress samples are worth persisting. It keeps
// reported values non-decreasing within the window and lets through every
// Nth sample plus the final one.
type ProgressGate struct {
	Window      StageWindow
	SampleEvery int

	samples int
	last    float64
}

// NewProgressGate returns a gate for the window. sampleEvery <= 1 passes every sample.
func NewProgressGate(window StageWindow, sampleEvery int) *ProgressGate {
	return &ProgressGate{Window: window, SampleEvery: sampleEvery, last: window.Lo}
}

// Observe records a raw stage-local sample and returns the scaled value and
// whether it should be written to the store.
func (g *ProgressGate) Observe(raw float64) (float64, bool) {
	g.samples++
	scaled := g.Window.Scale(raw)
	if scaled < g.last {
		scaled = g.last
	}
	g.last = scaled

	if raw >= 100 {
		return scaled, true
	}
	if g.SampleEvery <= 1 {
		return scaled, true
	}
	return scaled, g.samples%g.SampleEvery == 0
}

// Last returns the highest value observed so far.
func (g *ProgressGate) Last() float64 {
	return g.last
}
