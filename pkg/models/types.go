package models

import (
	"time"
)

// RunStatus represents the status of a diffusion run
type RunStatus string

const (
	RunStatusInitialized  RunStatus = "initialized"
	RunStatusRunning      RunStatus = "running"
	RunStatusStopped      RunStatus = "stopped"
	RunStatusCheckpointed RunStatus = "checkpointed"
	RunStatusFailed       RunStatus = "failed"
)

// Terminal reports whether no further transition is possible from s.
// Checkpointed runs can be resumed, so they are not terminal.
func (s RunStatus) Terminal() bool {
	return s == RunStatusStopped || s == RunStatusFailed
}

// Valid reports whether s is one of the known statuses.
func (s RunStatus) Valid() bool {
	switch s {
	case RunStatusInitialized, RunStatusRunning, RunStatusStopped, RunStatusCheckpointed, RunStatusFailed:
		return true
	}
	return false
}

// ParseRunStatus converts the persisted form back into a RunStatus.
func ParseRunStatus(s string) (RunStatus, error) {
	st := RunStatus(s)
	if !st.Valid() {
		return "", &StateCorruptionError{Reason: "unknown run status " + s}
	}
	return st, nil
}

// Run represents a diffusion run managed by the daemon
type Run struct {
	ID         string            `json:"id"`
	Status     RunStatus         `json:"status"`
	Protocol   string            `json:"protocol"`
	Seed       int64             `json:"seed"`
	Iteration  int32             `json:"iteration"`
	StartTime  time.Time         `json:"start_time"`
	EndTime    time.Time         `json:"end_time,omitempty"`
	Duration   time.Duration     `json:"duration,omitempty"`
	Summary    *RunSummary       `json:"summary,omitempty"`
	Error      string            `json:"error,omitempty"`
	Checkpoint string            `json:"checkpoint,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// RunSummary contains aggregated diffusion counts for a run
type RunSummary struct {
	Iterations      int32   `json:"iterations"`
	Users           int     `json:"users"`
	Pieces          int     `json:"pieces"`
	TotalSeen       int64   `json:"total_seen"`
	TotalPropagated int64   `json:"total_propagated"`
	TotalExpired    int64   `json:"total_expired"`
	ActiveRecords   int64   `json:"active_records"`
	Coverage        float64 `json:"coverage"` // reached users / users, averaged over pieces
}
