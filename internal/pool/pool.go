// Package pool provides a bounded worker pool: a queue of jobs executed by
// at most K goroutines, with results collected into index-aligned slots.
package pool

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Job produces one value or fails.
type Job[T any] func() (T, error)

// Result is the outcome of one job, stored at the job's submission index.
type Result[T any] struct {
	Value T
	Err   error
}

// Run executes jobs with at most concurrency in flight. Workers claim jobs
// in FIFO submission order; a slow job delays only the worker that picked it
// up. A job's failure (or panic) is captured in its own slot and never
// aborts siblings. The returned slice is index-aligned to jobs.
func Run[T any](jobs []Job[T], concurrency int) []Result[T] {
	results := make([]Result[T], len(jobs))
	if len(jobs) == 0 {
		return results
	}

	if concurrency < 1 {
		concurrency = 1
	}
	if concurrency > len(jobs) {
		concurrency = len(jobs)
	}

	var next int64 = -1
	var wg sync.WaitGroup

	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				i := int(atomic.AddInt64(&next, 1))
				if i >= len(jobs) {
					return
				}
				results[i] = runOne(jobs[i])
			}
		}()
	}

	wg.Wait()
	return results
}

func runOne[T any](job Job[T]) (res Result[T]) {
	defer func() {
		if r := recover(); r != nil {
			res.Err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	res.Value, res.Err = job()
	return res
}

// FirstError returns the first captured failure, nil if all jobs succeeded.
func FirstError[T any](results []Result[T]) error {
	for i := range results {
		if results[i].Err != nil {
			return fmt.Errorf("job %d: %w", i, results[i].Err)
		}
	}
	return nil
}

// Values unpacks results into a value slice; the bool is false if any job
// failed.
func Values[T any](results []Result[T]) ([]T, bool) {
	values := make([]T, len(results))
	ok := true
	for i := range results {
		if results[i].Err != nil {
			ok = false
			continue
		}
		values[i] = results[i].Value
	}
	return values, ok
}
