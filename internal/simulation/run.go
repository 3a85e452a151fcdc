package simulation

import (
	"maps"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/GoSim-25-26J-441/diffusion-core/pkg/models"
)

// RunManager tracks the lifecycle record of a run.
type RunManager struct {
	run   *models.Run
	clock clock.Clock
	mu    sync.RWMutex
}

// NewRunManager creates a run record in the initialized state.
func NewRunManager(runID, protocol string, seed int64, clk clock.Clock) *RunManager {
	return &RunManager{
		run: &models.Run{
			ID:       runID,
			Status:   models.RunStatusInitialized,
			Protocol: protocol,
			Seed:     seed,
			Metadata: make(map[string]string),
		},
		clock: clk,
	}
}

// Start marks the run as running. The start time is kept across resumes.
func (rm *RunManager) Start() {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	rm.run.Status = models.RunStatusRunning
	if rm.run.StartTime.IsZero() {
		rm.run.StartTime = rm.clock.Now()
	}
	rm.run.EndTime = time.Time{}
}

// Stop marks the run as stopped by its stop condition.
func (rm *RunManager) Stop(summary *models.RunSummary) {
	rm.finish(models.RunStatusStopped, func(r *models.Run) { r.Summary = summary })
}

// Checkpoint marks the run as suspended.
func (rm *RunManager) Checkpoint(summary *models.RunSummary) {
	rm.finish(models.RunStatusCheckpointed, func(r *models.Run) { r.Summary = summary })
}

// Fail marks the run as failed.
func (rm *RunManager) Fail(err error) {
	rm.finish(models.RunStatusFailed, func(r *models.Run) { r.Error = err.Error() })
}

func (rm *RunManager) finish(status models.RunStatus, update func(*models.Run)) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	rm.run.Status = status
	rm.run.EndTime = rm.clock.Now()
	if !rm.run.StartTime.IsZero() {
		rm.run.Duration = rm.run.EndTime.Sub(rm.run.StartTime)
	}
	update(rm.run)
}

// restore sets the status a restored run starts in.
func (rm *RunManager) restore(status models.RunStatus, iteration int32) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.run.Status = status
	rm.run.Iteration = iteration
}

// SetIteration records the number of completed iterations.
func (rm *RunManager) SetIteration(n int32) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.run.Iteration = n
}

// SetCheckpoint records where the last checkpoint was written.
func (rm *RunManager) SetCheckpoint(ref string) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.run.Checkpoint = ref
}

// SetMetadata attaches a key/value pair to the run record.
func (rm *RunManager) SetMetadata(key, value string) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.run.Metadata[key] = value
}

// Status returns the current status.
func (rm *RunManager) Status() models.RunStatus {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return rm.run.Status
}

// GetRun returns a copy of the run record.
func (rm *RunManager) GetRun() *models.Run {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	runCopy := *rm.run
	runCopy.Metadata = maps.Clone(rm.run.Metadata)
	if rm.run.Summary != nil {
		summary := *rm.run.Summary
		runCopy.Summary = &summary
	}
	return &runCopy
}
