package api

import (
	"errors"
	"fmt"
)

// BusyError indicates the engine's distributed lock could not be acquired
// within the bounded wait. The caller is expected to retry; nothing is
// queued on its behalf.
type BusyError struct {
	EngineID string
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("engine %s is busy, retry later", e.EngineID)
}

// IsBusy checks if an error is or wraps a BusyError.
func IsBusy(err error) bool {
	var busyErr *BusyError
	return errors.As(err, &busyErr)
}

// NewBusyError creates a BusyError for the given engine.
func NewBusyError(engineID string) *BusyError {
	return &BusyError{EngineID: engineID}
}

// EngineNotFoundError indicates a status query for an engine that has no
// record, i.e. is Absent.
type EngineNotFoundError struct {
	EngineID string
}

func (e *EngineNotFoundError) Error() string {
	return fmt.Sprintf("engine %s not found", e.EngineID)
}

// IsEngineNotFound checks if an error is or wraps an EngineNotFoundError.
func IsEngineNotFound(err error) bool {
	var notFoundErr *EngineNotFoundError
	return errors.As(err, &notFoundErr)
}

// NewEngineNotFoundError creates an EngineNotFoundError for the given engine.
func NewEngineNotFoundError(engineID string) *EngineNotFoundError {
	return &EngineNotFoundError{EngineID: engineID}
}

// StaleWorkloadError indicates a Start on a Failed engine whose previous
// workload is still present. The operator must issue Stop before a fresh
// provisioning attempt can begin.
type StaleWorkloadError struct {
	EngineID    string
	WorkloadRef string
}

func (e *StaleWorkloadError) Error() string {
	return fmt.Sprintf("engine %s has a stale failed workload %s, stop it before starting again", e.EngineID, e.WorkloadRef)
}

// IsStaleWorkload checks if an error is or wraps a StaleWorkloadError.
func IsStaleWorkload(err error) bool {
	var staleErr *StaleWorkloadError
	return errors.As(err, &staleErr)
}
