package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"engineroom/internal/api"
	"engineroom/internal/cluster"
	"engineroom/internal/coordination"
	"engineroom/internal/engine"
	"engineroom/internal/registry"
	"engineroom/pkg/logging"
	pkgstrings "engineroom/pkg/strings"
)

// casAttempts bounds the internal retry of compare-and-set writes. Conflicts
// only arise against lock-free Touch writes, so a handful of attempts is
// plenty.
const casAttempts = 5

// Config holds the orchestrator's timing knobs.
type Config struct {
	// Root is the coordination store namespace root.
	Root string

	// LockTimeout bounds the wait for an engine's distributed lock. A Start
	// or Stop that cannot acquire the lock in time fails with Busy.
	LockTimeout time.Duration

	// ProvisionTimeout bounds the wait for a new workload to become ready.
	ProvisionTimeout time.Duration

	// DeleteGracePeriod is passed through to workload deletion.
	DeleteGracePeriod time.Duration
}

// Orchestrator drives engines through their lifecycle. Reads are served from
// the registry cache; writes go through the coordination store under the
// engine's lock.
type Orchestrator struct {
	store    coordination.Store
	driver   cluster.Driver
	registry *registry.Registry
	cfg      Config
}

// New creates an orchestrator over the given store, driver and registry.
func New(store coordination.Store, driver cluster.Driver, reg *registry.Registry, cfg Config) *Orchestrator {
	return &Orchestrator{
		store:    store,
		driver:   driver,
		registry: reg,
		cfg:      cfg,
	}
}

var _ api.Orchestrator = (*Orchestrator)(nil)

// Start drives an engine to Ready. Idempotent: when the engine is already
// Provisioning or Ready the current record is returned and no cluster
// mutation happens. A provisioning failure is reported as a Failed record
// with ErrorDetail set, not as an error; only spec conflicts and stale
// failed workloads surface as hard errors.
func (o *Orchestrator) Start(ctx context.Context, engineID string, spec engine.ImageSpec) (api.EngineStatus, error) {
	lock, err := o.acquireLock(ctx, engineID)
	if err != nil {
		return api.AbsentStatus(engineID), err
	}
	defer o.releaseLock(engineID, lock)

	nodePath := coordination.EngineNodePath(o.cfg.Root, engineID)

	data, version, err := o.store.Get(nodePath)
	switch {
	case err == nil:
		rec, decodeErr := engine.Unmarshal(data)
		if decodeErr != nil {
			return api.AbsentStatus(engineID), decodeErr
		}
		switch rec.State {
		case engine.StateProvisioning, engine.StateReady:
			logging.Debug("Orchestrator", "start for engine %s is a no-op, state is %s", engineID, rec.State)
			return api.StatusFromRecord(rec), nil
		case engine.StateStopping:
			return api.StatusFromRecord(rec), api.NewBusyError(engineID)
		case engine.StateFailed:
			// A fresh attempt is only allowed once the old workload is
			// confirmed gone; otherwise the operator must stop it first.
			if rec.WorkloadRef != "" {
				exists, checkErr := o.driver.WorkloadExists(ctx, rec.WorkloadRef)
				if checkErr != nil {
					return api.StatusFromRecord(rec), checkErr
				}
				if exists {
					return api.StatusFromRecord(rec), &api.StaleWorkloadError{EngineID: engineID, WorkloadRef: rec.WorkloadRef}
				}
			}
			if delErr := o.store.Delete(nodePath, version); delErr != nil && !errors.Is(delErr, coordination.ErrNoNode) {
				return api.StatusFromRecord(rec), delErr
			}
			logging.Info("Orchestrator", "engine %s: cleared failed record, provisioning fresh", engineID)
		}
	case errors.Is(err, coordination.ErrNoNode):
		// First Start for this engine.
	default:
		return api.AbsentStatus(engineID), err
	}

	return o.provision(ctx, engineID, spec)
}

// provision runs Absent -> Provisioning -> Ready|Failed under the held lock.
func (o *Orchestrator) provision(ctx context.Context, engineID string, spec engine.ImageSpec) (api.EngineStatus, error) {
	nodePath := coordination.EngineNodePath(o.cfg.Root, engineID)

	rec := engine.NewRecord(engineID, spec)
	data, err := rec.Marshal()
	if err != nil {
		return api.AbsentStatus(engineID), err
	}
	if err := o.store.Create(nodePath, data); err != nil {
		return api.AbsentStatus(engineID), fmt.Errorf("failed to create record for engine %s: %w", engineID, err)
	}
	version := int32(0)
	logging.Info("Orchestrator", "engine %s: Absent -> Provisioning (image %s)", engineID, spec.Image)

	ref, err := o.driver.CreateWorkload(ctx, engineID, spec)
	if err != nil {
		if _, werr := o.markFailed(nodePath, rec, version, err); werr != nil {
			return api.StatusFromRecord(rec), werr
		}
		if cluster.IsSpecConflict(err) {
			return api.StatusFromRecord(rec), err
		}
		logging.Warn("Orchestrator", "engine %s: Provisioning -> Failed: %v", engineID, err)
		return api.StatusFromRecord(rec), nil
	}

	rec.WorkloadRef = ref
	version, err = o.writeRecord(nodePath, rec, version)
	if err != nil {
		return api.StatusFromRecord(rec), err
	}

	endpoint, err := o.driver.WaitReady(ctx, ref, o.cfg.ProvisionTimeout)
	if err != nil {
		// The workload stays up for diagnostics; the reaper or an operator
		// Stop reclaims it.
		if _, werr := o.markFailed(nodePath, rec, version, err); werr != nil {
			return api.StatusFromRecord(rec), werr
		}
		logging.Warn("Orchestrator", "engine %s: Provisioning -> Failed: %v", engineID, err)
		return api.StatusFromRecord(rec), nil
	}

	if err := rec.Transition(engine.StateReady); err != nil {
		return api.StatusFromRecord(rec), err
	}
	rec.Endpoint = endpoint
	if _, err := o.writeRecord(nodePath, rec, version); err != nil {
		return api.StatusFromRecord(rec), err
	}

	logging.Info("Orchestrator", "engine %s: Provisioning -> Ready at %s", engineID, endpoint)
	return api.StatusFromRecord(rec), nil
}

// Stop drives an engine to Absent. Stop on an absent engine succeeds without
// contacting the cluster. A Stop racing an in-flight Start queues behind the
// engine lock and applies once the in-flight transition completes.
func (o *Orchestrator) Stop(ctx context.Context, engineID string) (api.EngineStatus, error) {
	lock, err := o.acquireLock(ctx, engineID)
	if err != nil {
		return api.AbsentStatus(engineID), err
	}
	defer o.releaseLock(engineID, lock)

	nodePath := coordination.EngineNodePath(o.cfg.Root, engineID)

	data, version, err := o.store.Get(nodePath)
	if errors.Is(err, coordination.ErrNoNode) {
		logging.Debug("Orchestrator", "stop for absent engine %s is a no-op", engineID)
		return api.AbsentStatus(engineID), nil
	}
	if err != nil {
		return api.AbsentStatus(engineID), err
	}
	rec, err := engine.Unmarshal(data)
	if err != nil {
		return api.AbsentStatus(engineID), err
	}

	if rec.State != engine.StateStopping {
		fromState := rec.State
		// A record still in Provisioning here means the provisioner died
		// mid-flight; there is no direct edge to Stopping, so the record is
		// failed first and teardown proceeds from there.
		if rec.State == engine.StateProvisioning {
			if err := rec.Transition(engine.StateFailed); err != nil {
				return api.StatusFromRecord(rec), err
			}
			rec.ErrorDetail = "provisioning interrupted by stop"
		}
		if err := rec.Transition(engine.StateStopping); err != nil {
			return api.StatusFromRecord(rec), err
		}
		version, err = o.writeRecord(nodePath, rec, version)
		if err != nil {
			return api.StatusFromRecord(rec), err
		}
		logging.Info("Orchestrator", "engine %s: %s -> Stopping", engineID, fromState)
	}

	// A crash before the workload reference was recorded can still have left
	// a deterministically named workload behind; fall back to the derived
	// name so teardown reclaims it.
	ref := rec.WorkloadRef
	if ref == "" {
		ref = cluster.WorkloadName(engineID)
	}
	if err := o.driver.DeleteWorkload(ctx, ref, o.cfg.DeleteGracePeriod); err != nil {
		rec.ErrorDetail = pkgstrings.SingleLine(err.Error(), pkgstrings.DefaultErrorDetailMaxLen)
		if _, werr := o.writeRecord(nodePath, rec, version); werr != nil {
			logging.Error("Orchestrator", werr, "engine %s: failed to record teardown error", engineID)
		}
		return api.StatusFromRecord(rec), err
	}

	if err := o.deleteRecord(nodePath, version); err != nil {
		return api.StatusFromRecord(rec), err
	}

	logging.Info("Orchestrator", "engine %s: Stopping -> Absent", engineID)
	return api.AbsentStatus(engineID), nil
}

// Status reports the registry's view of an engine. Reads take no lock and
// can be stale by at most the watch propagation delay.
func (o *Orchestrator) Status(engineID string) api.EngineStatus {
	if rec, ok := o.registry.Get(engineID); ok {
		return api.StatusFromRecord(rec)
	}
	return api.AbsentStatus(engineID)
}

// List reports all non-absent engines, ordered by engine id.
func (o *Orchestrator) List() []api.EngineStatus {
	records := o.registry.ListActive()
	statuses := make([]api.EngineStatus, len(records))
	for i, rec := range records {
		statuses[i] = api.StatusFromRecord(rec)
	}
	return statuses
}

// Touch refreshes the engine's last-activity timestamp with a lock-free
// compare-and-set retry loop. Version conflicts against concurrent
// transitions are resolved by re-reading; they never surface to the caller.
func (o *Orchestrator) Touch(ctx context.Context, engineID string) error {
	nodePath := coordination.EngineNodePath(o.cfg.Root, engineID)

	for attempt := 0; attempt < casAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		data, version, err := o.store.Get(nodePath)
		if errors.Is(err, coordination.ErrNoNode) {
			return api.NewEngineNotFoundError(engineID)
		}
		if err != nil {
			return err
		}
		rec, err := engine.Unmarshal(data)
		if err != nil {
			return err
		}

		rec.LastActivityAt = time.Now().UTC()
		updated, err := rec.Marshal()
		if err != nil {
			return err
		}

		err = o.store.Set(nodePath, updated, version)
		if errors.Is(err, coordination.ErrVersionConflict) {
			continue
		}
		return err
	}
	return fmt.Errorf("failed to touch engine %s after %d attempts: %w", engineID, casAttempts, coordination.ErrVersionConflict)
}

func (o *Orchestrator) acquireLock(ctx context.Context, engineID string) (coordination.Lock, error) {
	lock, err := o.store.AcquireLock(ctx, coordination.LockPath(o.cfg.Root, engineID), o.cfg.LockTimeout)
	if errors.Is(err, coordination.ErrLockTimeout) {
		return nil, api.NewBusyError(engineID)
	}
	if err != nil {
		return nil, err
	}
	return lock, nil
}

func (o *Orchestrator) releaseLock(engineID string, lock coordination.Lock) {
	if err := lock.Release(); err != nil {
		logging.Warn("Orchestrator", "failed to release lock for engine %s: %v", engineID, err)
	}
}

// markFailed transitions the record to Failed with the cause recorded.
func (o *Orchestrator) markFailed(nodePath string, rec *engine.Record, version int32, cause error) (int32, error) {
	if err := rec.Transition(engine.StateFailed); err != nil {
		return version, err
	}
	rec.ErrorDetail = pkgstrings.SingleLine(cause.Error(), pkgstrings.DefaultErrorDetailMaxLen)
	return o.writeRecord(nodePath, rec, version)
}

// deleteRecord removes the record with a version-checked delete. A conflict
// can only come from a lock-free Touch landing after the last write, so the
// version is re-read and the delete retried; a node already gone is success.
func (o *Orchestrator) deleteRecord(nodePath string, version int32) error {
	for attempt := 0; attempt < casAttempts; attempt++ {
		err := o.store.Delete(nodePath, version)
		if err == nil || errors.Is(err, coordination.ErrNoNode) {
			return nil
		}
		if !errors.Is(err, coordination.ErrVersionConflict) {
			return err
		}
		_, freshVersion, readErr := o.store.Get(nodePath)
		if errors.Is(readErr, coordination.ErrNoNode) {
			return nil
		}
		if readErr != nil {
			return readErr
		}
		version = freshVersion
	}
	return fmt.Errorf("failed to delete record %s after %d attempts: %w", nodePath, casAttempts, coordination.ErrVersionConflict)
}

// writeRecord applies a compare-and-set write of the record. A version
// conflict can only come from a lock-free Touch, so it is resolved by folding
// in the newer activity timestamp and retrying against the fresh version.
func (o *Orchestrator) writeRecord(nodePath string, rec *engine.Record, version int32) (int32, error) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		data, err := rec.Marshal()
		if err != nil {
			return version, err
		}

		err = o.store.Set(nodePath, data, version)
		if err == nil {
			return version + 1, nil
		}
		if !errors.Is(err, coordination.ErrVersionConflict) {
			return version, err
		}

		current, freshVersion, readErr := o.store.Get(nodePath)
		if readErr != nil {
			return version, readErr
		}
		latest, decodeErr := engine.Unmarshal(current)
		if decodeErr != nil {
			return version, decodeErr
		}
		if latest.LastActivityAt.After(rec.LastActivityAt) {
			rec.LastActivityAt = latest.LastActivityAt
		}
		version = freshVersion
	}
	return version, fmt.Errorf("failed to write record %s after %d attempts: %w", nodePath, casAttempts, coordination.ErrVersionConflict)
}
