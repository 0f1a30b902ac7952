package reaper

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"engineroom/internal/api"
	"engineroom/internal/engine"
)

// stubOrchestrator records Stop calls against a fixed engine list.
type stubOrchestrator struct {
	mu       sync.Mutex
	engines  []api.EngineStatus
	stopped  []string
	stopErrs map[string]error
}

func (s *stubOrchestrator) Start(ctx context.Context, engineID string, spec engine.ImageSpec) (api.EngineStatus, error) {
	return api.AbsentStatus(engineID), nil
}

func (s *stubOrchestrator) Stop(ctx context.Context, engineID string) (api.EngineStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err, ok := s.stopErrs[engineID]; ok {
		return api.AbsentStatus(engineID), err
	}
	s.stopped = append(s.stopped, engineID)
	return api.AbsentStatus(engineID), nil
}

func (s *stubOrchestrator) Status(engineID string) api.EngineStatus {
	return api.AbsentStatus(engineID)
}

func (s *stubOrchestrator) List() []api.EngineStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]api.EngineStatus(nil), s.engines...)
}

func (s *stubOrchestrator) Touch(ctx context.Context, engineID string) error { return nil }

func (s *stubOrchestrator) stoppedEngines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.stopped...)
}

func status(engineID string, state engine.State, lastActivity, updated time.Time) api.EngineStatus {
	return api.EngineStatus{
		EngineID:       engineID,
		State:          state,
		UpdatedAt:      updated,
		LastActivityAt: lastActivity,
	}
}

func TestSweepStopsIdleReadyEngines(t *testing.T) {
	now := time.Now().UTC()
	orch := &stubOrchestrator{
		engines: []api.EngineStatus{
			status("idle", engine.StateReady, now.Add(-time.Hour), now.Add(-time.Hour)),
			status("active", engine.StateReady, now.Add(-time.Minute), now.Add(-time.Minute)),
			status("provisioning", engine.StateProvisioning, now.Add(-time.Hour), now.Add(-time.Hour)),
		},
	}

	r := New(orch, Config{Interval: time.Minute, IdleThreshold: 30 * time.Minute})
	r.Sweep(context.Background())

	assert.Equal(t, []string{"idle"}, orch.stoppedEngines())
}

func TestSweepReclaimsExpiredFailedEngines(t *testing.T) {
	now := time.Now().UTC()
	orch := &stubOrchestrator{
		engines: []api.EngineStatus{
			status("old-failure", engine.StateFailed, now.Add(-3*time.Hour), now.Add(-3*time.Hour)),
			status("fresh-failure", engine.StateFailed, now.Add(-time.Minute), now.Add(-time.Minute)),
		},
	}

	r := New(orch, Config{
		Interval:        time.Minute,
		IdleThreshold:   30 * time.Minute,
		FailedRetention: time.Hour,
	})
	r.Sweep(context.Background())

	assert.Equal(t, []string{"old-failure"}, orch.stoppedEngines())
}

func TestSweepKeepsFailedEnginesWhenRetentionDisabled(t *testing.T) {
	now := time.Now().UTC()
	orch := &stubOrchestrator{
		engines: []api.EngineStatus{
			status("old-failure", engine.StateFailed, now.Add(-24*time.Hour), now.Add(-24*time.Hour)),
		},
	}

	r := New(orch, Config{Interval: time.Minute, IdleThreshold: 30 * time.Minute})
	r.Sweep(context.Background())

	assert.Empty(t, orch.stoppedEngines())
}

func TestSweepContinuesPastBusyEngines(t *testing.T) {
	now := time.Now().UTC()
	orch := &stubOrchestrator{
		engines: []api.EngineStatus{
			status("contended", engine.StateReady, now.Add(-time.Hour), now.Add(-time.Hour)),
			status("idle", engine.StateReady, now.Add(-time.Hour), now.Add(-time.Hour)),
		},
		stopErrs: map[string]error{"contended": api.NewBusyError("contended")},
	}

	r := New(orch, Config{Interval: time.Minute, IdleThreshold: 30 * time.Minute})
	r.Sweep(context.Background())

	assert.Equal(t, []string{"idle"}, orch.stoppedEngines())
}

func TestScheduledSweepFires(t *testing.T) {
	now := time.Now().UTC()
	orch := &stubOrchestrator{
		engines: []api.EngineStatus{
			status("idle", engine.StateReady, now.Add(-time.Hour), now.Add(-time.Hour)),
		},
	}

	r := New(orch, Config{Interval: time.Second, IdleThreshold: 30 * time.Minute})
	require.NoError(t, r.Start(context.Background()))
	defer r.Stop()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if len(orch.stoppedEngines()) > 0 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("scheduled sweep never stopped the idle engine")
}
