package simulation

import "github.com/GoSim-25-26J-441/diffusion-core/internal/history"

// Observer receives every committed iteration, in order, from the goroutine
// driving the run. Observers must not retain or modify it.
type Observer interface {
	OnIteration(runID string, it *history.Iteration)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(runID string, it *history.Iteration)

func (f ObserverFunc) OnIteration(runID string, it *history.Iteration) { f(runID, it) }
