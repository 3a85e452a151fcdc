package models

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration marks invalid protocol or run configuration.
	ErrConfiguration = errors.New("configuration error")
	// ErrStateCorruption marks a checkpoint that cannot be restored.
	ErrStateCorruption = errors.New("state corruption")
	// ErrIterationFailed marks an aborted iteration.
	ErrIterationFailed = errors.New("iteration failed")
	// ErrTerminal is returned when an operation is attempted on a stopped or failed run.
	ErrTerminal = errors.New("run is in a terminal state")
	// ErrRunNotFound is returned by run stores for unknown ids.
	ErrRunNotFound = errors.New("run not found")
)

// ConfigurationError reports an unknown strategy, an incompatible combination
// or malformed parameters. It is always raised before the first iteration.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return "configuration error: " + e.Reason
	}
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

func (e *ConfigurationError) Is(target error) bool { return target == ErrConfiguration }

// StateCorruptionError reports a checkpoint blob that failed validation.
type StateCorruptionError struct {
	Reason string
	Err    error
}

func (e *StateCorruptionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("state corruption: %s: %v", e.Reason, e.Err)
	}
	return "state corruption: " + e.Reason
}

func (e *StateCorruptionError) Unwrap() error { return e.Err }

func (e *StateCorruptionError) Is(target error) bool { return target == ErrStateCorruption }

// IterationFailure reports a strategy failure. The iteration is discarded.
type IterationFailure struct {
	Iteration int32
	Stage     string
	Err       error
}

func (e *IterationFailure) Error() string {
	return fmt.Sprintf("iteration %d failed in %s: %v", e.Iteration, e.Stage, e.Err)
}

func (e *IterationFailure) Unwrap() error { return e.Err }

func (e *IterationFailure) Is(target error) bool { return target == ErrIterationFailed }

// Configf builds a ConfigurationError for field.
func Configf(field, format string, args ...any) error {
	return &ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Corruptf builds a StateCorruptionError without an underlying cause.
func Corruptf(format string, args ...any) error {
	return &StateCorruptionError{Reason: fmt.Sprintf(format, args...)}
}
