package classifier

// Accumulator maintains a running per-class score sum across the frames of
// one video. It is only ever written by the request's own frame loop (or by
// one post-batch reduction in turbo mode), never concurrently.
type Accumulator struct {
	sums   []float64
	frames int
}

// NewAccumulator creates an accumulator for the given class count.
func NewAccumulator(classes int) *Accumulator {
	return &Accumulator{sums: make([]float64, classes)}
}

// Add folds one frame's score row into the running sum.
func (a *Accumulator) Add(row []float32) {
	for i, v := range row {
		a.sums[i] += float64(v)
	}
	a.frames++
}

// FramesScored returns how many rows were added.
func (a *Accumulator) FramesScored() int {
	return a.frames
}

// Mean returns the per-class mean across added rows, or an empty row when
// no frame produced a score. An empty mean is a degraded-but-valid result,
// not an error.
func (a *Accumulator) Mean() []float32 {
	if a.frames == 0 {
		return []float32{}
	}
	mean := make([]float32, len(a.sums))
	for i, sum := range a.sums {
		mean[i] = float32(sum / float64(a.frames))
	}
	return mean
}
