// Package sampler computes frame timestamps for uniform video sampling.
package sampler

// DefaultEndMargin keeps timestamps away from end-of-stream, where seeking
// is unreliable.
const DefaultEndMargin = 0.05

// Sample places count timestamps at the midpoints of count equal
// sub-intervals of [0, durationSec]. Returns an empty slice when the
// duration or count is non-positive.
func Sample(durationSec float64, count int) []float64 {
	if durationSec <= 0 || count <= 0 {
		return []float64{}
	}

	timestamps := make([]float64, count)
	for k := 0; k < count; k++ {
		timestamps[k] = (float64(k) + 0.5) / float64(count) * durationSec
	}
	return timestamps
}

// Clamp caps every timestamp to durationSec-marginSec (never below 0).
func Clamp(durationSec float64, timestamps []float64, marginSec float64) []float64 {
	limit := durationSec - marginSec
	if limit < 0 {
		limit = 0
	}

	clamped := make([]float64, len(timestamps))
	for i, ts := range timestamps {
		switch {
		case ts > limit:
			clamped[i] = limit
		case ts < 0:
			clamped[i] = 0
		default:
			clamped[i] = ts
		}
	}
	return clamped
}
