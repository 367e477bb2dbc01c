package classifier

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccumulatorMean(t *testing.T) {
	acc := NewAccumulator(3)
	acc.Add([]float32{0.2, 0.5, 0.3})
	acc.Add([]float32{0.4, 0.1, 0.5})

	mean := acc.Mean()
	require.Len(t, mean, 3)
	assert.InDelta(t, 0.3, mean[0], 1e-6)
	assert.InDelta(t, 0.3, mean[1], 1e-6)
	assert.InDelta(t, 0.4, mean[2], 1e-6)
	assert.Equal(t, 2, acc.FramesScored())
}

func TestAccumulatorOrderInvariant(t *testing.T) {
	rows := [][]float32{
		{0.9, 0.1},
		{0.2, 0.8},
		{0.5, 0.5},
	}

	forward := NewAccumulator(2)
	for _, row := range rows {
		forward.Add(row)
	}
	backward := NewAccumulator(2)
	for i := len(rows) - 1; i >= 0; i-- {
		backward.Add(rows[i])
	}

	f, b := forward.Mean(), backward.Mean()
	for i := range f {
		assert.InDelta(t, f[i], b[i], 1e-6)
	}
}

func TestAccumulatorEmpty(t *testing.T) {
	acc := NewAccumulator(4)
	assert.Empty(t, acc.Mean())
	assert.Equal(t, 0, acc.FramesScored())
}
