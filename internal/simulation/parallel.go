package simulation

import (
	"fmt"
	"runtime/debug"

	"golang.org/x/sync/errgroup"
)

// indexError is the first failure of a chunk.
type indexError struct {
	index int
	err   error
}

// parallelFor calls fn for every index in [0, n) using up to workers
// goroutines. Every chunk runs to its first error, so the reported error is
// always the one with the lowest index whatever the worker count. Panics are
// recovered and reported as errors.
func parallelFor(workers, n int, fn func(i int) error) error {
	if n == 0 {
		return nil
	}
	if workers <= 1 {
		return runChunk(0, n, fn).err
	}

	chunk := max(1, n/(workers*4))
	chunks := (n + chunk - 1) / chunk
	failures := make([]indexError, chunks)

	var g errgroup.Group
	g.SetLimit(workers)
	for c := 0; c < chunks; c++ {
		lo, hi := c*chunk, min(n, (c+1)*chunk)
		g.Go(func() error {
			failures[c] = runChunk(lo, hi, fn)
			return nil
		})
	}
	_ = g.Wait()

	for _, f := range failures {
		if f.err != nil {
			return f.err
		}
	}
	return nil
}

func runChunk(lo, hi int, fn func(i int) error) (failure indexError) {
	i := lo
	defer func() {
		if r := recover(); r != nil {
			failure = indexError{index: i, err: fmt.Errorf("panic at index %d: %v\n%s", i, r, debug.Stack())}
		}
	}()
	for ; i < hi; i++ {
		if err := fn(i); err != nil {
			return indexError{index: i, err: err}
		}
	}
	return indexError{}
}
