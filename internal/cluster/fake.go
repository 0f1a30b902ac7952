package cluster

import (
	"context"
	"fmt"
	"sync"
	"time"

	"engineroom/internal/engine"
	"engineroom/pkg/logging"
)

// FakeDriver is an in-memory Driver. It backs standalone mode, where there is
// no cluster to talk to, and the orchestrator test suites. Workloads become
// ready after ReadyDelay with a synthetic endpoint unless a failure mode is
// configured.
type FakeDriver struct {
	mu        sync.Mutex
	workloads map[string]engine.ImageSpec

	// CreateCalls counts CreateWorkload invocations, including idempotent
	// re-creates. Tests assert on this to prove single provisioning under
	// concurrency.
	CreateCalls int

	// DeleteCalls counts DeleteWorkload invocations.
	DeleteCalls int

	// ReadyDelay is how long WaitReady blocks before reporting readiness.
	ReadyDelay time.Duration

	// Endpoint is returned by WaitReady. Defaults to a fixed address.
	Endpoint string

	// NeverReady makes WaitReady run into its timeout.
	NeverReady bool

	// CrashLoop makes WaitReady fail with a CrashLoopError.
	CrashLoop bool

	// DeleteErr makes DeleteWorkload fail, leaving the workload in place.
	DeleteErr error
}

// NewFakeDriver creates an empty fake driver.
func NewFakeDriver() *FakeDriver {
	return &FakeDriver{
		workloads: make(map[string]engine.ImageSpec),
		Endpoint:  "10.0.0.5:9000",
	}
}

var _ Driver = (*FakeDriver)(nil)

func (f *FakeDriver) CreateWorkload(ctx context.Context, engineID string, spec engine.ImageSpec) (string, error) {
	ref := WorkloadName(engineID)

	f.mu.Lock()
	defer f.mu.Unlock()

	f.CreateCalls++
	if existing, ok := f.workloads[ref]; ok {
		if !existing.Equal(spec) {
			return "", &SpecConflictError{EngineID: engineID, Existing: existing.Image, Requested: spec.Image}
		}
		return ref, nil
	}
	f.workloads[ref] = spec
	logging.Debug("Cluster", "fake driver created workload %s", ref)
	return ref, nil
}

func (f *FakeDriver) WaitReady(ctx context.Context, ref string, timeout time.Duration) (string, error) {
	f.mu.Lock()
	_, ok := f.workloads[ref]
	crashLoop := f.CrashLoop
	neverReady := f.NeverReady
	delay := f.ReadyDelay
	endpoint := f.Endpoint
	f.mu.Unlock()

	if !ok {
		return "", fmt.Errorf("wait for %s: %w", ref, ErrWorkloadNotFound)
	}
	if crashLoop {
		return "", &CrashLoopError{WorkloadRef: ref, Restarts: 5}
	}
	if neverReady {
		select {
		case <-time.After(timeout):
			return "", fmt.Errorf("workload %s: %w", ref, ErrReadyTimeout)
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return endpoint, nil
}

func (f *FakeDriver) DeleteWorkload(ctx context.Context, ref string, gracePeriod time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.DeleteCalls++
	if f.DeleteErr != nil {
		return f.DeleteErr
	}
	delete(f.workloads, ref)
	return nil
}

func (f *FakeDriver) WorkloadExists(ctx context.Context, ref string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.workloads[ref]
	return ok, nil
}

// WorkloadCount reports how many live workloads the fake holds.
func (f *FakeDriver) WorkloadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.workloads)
}
