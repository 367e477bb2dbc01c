package pool

import (
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunIndexAlignment(t *testing.T) {
	jobs := make([]Job[int], 20)
	for i := range jobs {
		i := i
		jobs[i] = func() (int, error) {
			// Reverse the natural completion order.
			time.Sleep(time.Duration(20-i) * time.Millisecond)
			return i * 10, nil
		}
	}

	results := Run(jobs, 4)
	require.Len(t, results, 20)
	for i, res := range results {
		assert.NoError(t, res.Err)
		assert.Equal(t, i*10, res.Value)
	}
}

func TestRunFailureIsolation(t *testing.T) {
	jobs := []Job[string]{
		func() (string, error) { return "a", nil },
		func() (string, error) { return "", errors.New("boom") },
		func() (string, error) { return "c", nil },
	}

	results := Run(jobs, 2)
	assert.Equal(t, "a", results[0].Value)
	assert.EqualError(t, results[1].Err, "boom")
	assert.Equal(t, "c", results[2].Value)
}

func TestRunPanicCaptured(t *testing.T) {
	jobs := []Job[int]{
		func() (int, error) { panic("bad frame") },
		func() (int, error) { return 7, nil },
	}

	results := Run(jobs, 2)
	require.Error(t, results[0].Err)
	assert.Contains(t, results[0].Err.Error(), "bad frame")
	assert.Equal(t, 7, results[1].Value)
}

func TestRunBoundsConcurrency(t *testing.T) {
	var inFlight, peak int64
	jobs := make([]Job[struct{}], 30)
	for i := range jobs {
		jobs[i] = func() (struct{}, error) {
			n := atomic.AddInt64(&inFlight, 1)
			for {
				p := atomic.LoadInt64(&peak)
				if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			atomic.AddInt64(&inFlight, -1)
			return struct{}{}, nil
		}
	}

	Run(jobs, 3)
	assert.LessOrEqual(t, atomic.LoadInt64(&peak), int64(3))
}

func TestRunClampsConcurrency(t *testing.T) {
	jobs := []Job[int]{func() (int, error) { return 1, nil }}

	for _, k := range []int{-5, 0, 1, 100} {
		results := Run(jobs, k)
		require.Len(t, results, 1)
		assert.Equal(t, 1, results[0].Value)
	}
}

func TestRunEmpty(t *testing.T) {
	assert.Empty(t, Run[int](nil, 4))
}

func TestFirstError(t *testing.T) {
	results := []Result[int]{
		{Value: 1},
		{Err: errors.New("broken")},
		{Err: errors.New("also broken")},
	}
	err := FirstError(results)
	require.Error(t, err)
	assert.Equal(t, "job 1: broken", err.Error())

	assert.NoError(t, FirstError([]Result[int]{{Value: 1}}))
}

func TestValues(t *testing.T) {
	ok := []Result[int]{{Value: 1}, {Value: 2}}
	values, all := Values(ok)
	assert.True(t, all)
	assert.Equal(t, []int{1, 2}, values)

	mixed := []Result[int]{{Value: 1}, {Err: fmt.Errorf("nope")}}
	values, all = Values(mixed)
	assert.False(t, all)
	assert.Equal(t, []int{1, 0}, values)
}
