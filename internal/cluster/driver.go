package cluster

import (
	"context"
	"errors"
	"fmt"
	"time"

	"engineroom/internal/engine"
)

// ErrReadyTimeout indicates a workload did not become ready within the
// provisioning wait window.
var ErrReadyTimeout = errors.New("workload did not become ready in time")

// ErrWorkloadNotFound indicates the referenced workload does not exist.
// Deletion treats this as success: the workload is already gone.
var ErrWorkloadNotFound = errors.New("workload not found")

// SpecConflictError indicates an engine's workload already exists with a
// different spec than the one requested. This is never resolved
// automatically; the caller must stop the engine first.
type SpecConflictError struct {
	EngineID  string
	Existing  string
	Requested string
}

func (e *SpecConflictError) Error() string {
	return fmt.Sprintf("workload for engine %s already exists with conflicting spec (existing image %s, requested %s)",
		e.EngineID, e.Existing, e.Requested)
}

// IsSpecConflict checks if an error is or wraps a SpecConflictError.
func IsSpecConflict(err error) bool {
	var specErr *SpecConflictError
	return errors.As(err, &specErr)
}

// CrashLoopError indicates the workload's pods are restarting past the
// configured threshold inside the readiness wait window.
type CrashLoopError struct {
	WorkloadRef string
	Restarts    int32
}

func (e *CrashLoopError) Error() string {
	return fmt.Sprintf("workload %s is crash-looping (%d restarts)", e.WorkloadRef, e.Restarts)
}

// IsCrashLoop checks if an error is or wraps a CrashLoopError.
func IsCrashLoop(err error) bool {
	var crashErr *CrashLoopError
	return errors.As(err, &crashErr)
}

// Driver turns orchestrator intents into cluster mutations. Implementations
// carry no lifecycle logic: they create, observe and delete workloads and
// normalize cluster API errors into the types above.
type Driver interface {
	// CreateWorkload provisions the deployment and service for an engine and
	// returns the workload reference. Idempotent: an existing workload with a
	// matching spec yields the same reference, a mismatched one yields a
	// SpecConflictError.
	CreateWorkload(ctx context.Context, engineID string, spec engine.ImageSpec) (string, error)

	// WaitReady blocks until the workload serves traffic and returns its
	// routable endpoint. Fails with ErrReadyTimeout or a CrashLoopError.
	WaitReady(ctx context.Context, ref string, timeout time.Duration) (string, error)

	// DeleteWorkload tears the workload down with the given grace period.
	// A missing workload is success.
	DeleteWorkload(ctx context.Context, ref string, gracePeriod time.Duration) error

	// WorkloadExists reports whether the workload's objects are still
	// present. Used to gate a fresh Start after a failure.
	WorkloadExists(ctx context.Context, ref string) (bool, error)
}
