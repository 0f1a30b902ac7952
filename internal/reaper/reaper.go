package reaper

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"engineroom/internal/api"
	"engineroom/internal/engine"
	"engineroom/pkg/logging"
)

// Config holds the reaper's sweep policy.
type Config struct {
	// Interval is the sweep cadence.
	Interval time.Duration

	// IdleThreshold is how long a Ready engine may sit without activity
	// before it is stopped.
	IdleThreshold time.Duration

	// FailedRetention is how long a Failed engine is kept around for
	// diagnostics before its workload is reclaimed. Zero disables reclaiming
	// failed engines entirely.
	FailedRetention time.Duration

	// MaxParallel bounds concurrent Stop calls within one sweep.
	MaxParallel int
}

// Reaper periodically stops engines nobody is using. It is a policy layer
// over the orchestrator: each reclaim is an ordinary Stop, so it contends on
// the same per-engine locks as API callers and loses ties gracefully.
type Reaper struct {
	orch api.Orchestrator
	cfg  Config
	cron *cron.Cron
}

// New creates a reaper over the orchestrator.
func New(orch api.Orchestrator, cfg Config) *Reaper {
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 4
	}
	return &Reaper{
		orch: orch,
		cfg:  cfg,
		cron: cron.New(),
	}
}

// Start schedules the sweep. Sweeps run until Stop is called; ctx bounds the
// Stop calls issued by each sweep.
func (r *Reaper) Start(ctx context.Context) error {
	spec := fmt.Sprintf("@every %s", r.cfg.Interval)
	_, err := r.cron.AddFunc(spec, func() { r.Sweep(ctx) })
	if err != nil {
		return fmt.Errorf("failed to schedule reaper sweep: %w", err)
	}
	r.cron.Start()
	logging.Info("Reaper", "sweeping every %s (idle threshold %s)", r.cfg.Interval, r.cfg.IdleThreshold)
	return nil
}

// Stop halts the schedule and waits for an in-flight sweep to finish.
func (r *Reaper) Stop() {
	<-r.cron.Stop().Done()
}

// Sweep stops every idle Ready engine and every expired Failed engine. One
// engine failing to stop never aborts the rest of the sweep.
func (r *Reaper) Sweep(ctx context.Context) {
	now := time.Now().UTC()

	var victims []string
	for _, status := range r.orch.List() {
		if r.expired(status, now) {
			victims = append(victims, status.EngineID)
		}
	}
	if len(victims) == 0 {
		return
	}

	logging.Info("Reaper", "reclaiming %d engine(s): %v", len(victims), victims)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.MaxParallel)
	for _, engineID := range victims {
		engineID := engineID
		g.Go(func() error {
			if _, err := r.orch.Stop(ctx, engineID); err != nil {
				if api.IsBusy(err) {
					// Someone else holds the lock; the engine is either being
					// used or already being torn down. Next sweep decides.
					logging.Debug("Reaper", "engine %s is busy, skipping", engineID)
					return nil
				}
				logging.Error("Reaper", err, "failed to stop engine %s", engineID)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (r *Reaper) expired(status api.EngineStatus, now time.Time) bool {
	switch status.State {
	case engine.StateReady:
		return now.Sub(status.LastActivityAt) > r.cfg.IdleThreshold
	case engine.StateFailed:
		return r.cfg.FailedRetention > 0 && now.Sub(status.UpdatedAt) > r.cfg.FailedRetention
	default:
		return false
	}
}
