package app

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"golang.org/x/sync/errgroup"
	"k8s.io/client-go/kubernetes"
	ctrl "sigs.k8s.io/controller-runtime"

	"engineroom/internal/cluster"
	"engineroom/internal/config"
	"engineroom/internal/coordination"
	"engineroom/internal/orchestrator"
	"engineroom/internal/pvc"
	"engineroom/internal/reaper"
	"engineroom/internal/registry"
	"engineroom/internal/server"
	"engineroom/pkg/logging"
)

// Application holds the wired service. Construction connects everything;
// Run drives the lifecycle.
type Application struct {
	cfg config.Config

	store    coordination.Store
	driver   cluster.Driver
	registry *registry.Registry
	orch     *orchestrator.Orchestrator
	reaper   *reaper.Reaper
	models   *pvc.Manager
	server   *server.Server
}

// NewApplication wires the service from configuration. In standalone mode the
// coordination store and the cluster driver are in-process fakes, everything
// above them is the real thing.
func NewApplication(cfg config.Config, version string) (*Application, error) {
	a := &Application{cfg: cfg}

	if cfg.Standalone {
		logging.Info("App", "standalone mode: in-memory coordination store, fake cluster driver")
		a.store = coordination.NewMemoryStore()
		a.driver = cluster.NewFakeDriver()
	} else {
		store, err := coordination.NewZooKeeperStore(cfg.Coordination.Servers, cfg.Coordination.SessionTimeout.Std())
		if err != nil {
			return nil, fmt.Errorf("failed to connect to coordination store: %w", err)
		}
		a.store = store

		restConfig, err := ctrl.GetConfig()
		if err != nil {
			return nil, fmt.Errorf("failed to load kubernetes configuration: %w", err)
		}
		client, err := kubernetes.NewForConfig(restConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create kubernetes client: %w", err)
		}
		a.driver = cluster.NewKubernetesDriver(client, cluster.Options{
			Namespace:          cfg.Cluster.Namespace,
			CrashLoopThreshold: int32(cfg.Cluster.CrashLoopThreshold),
			RetryAttempts:      cfg.Cluster.RetryAttempts,
			RetryBaseDelay:     cfg.Cluster.RetryBaseDelay.Std(),
			RetryMaxDelay:      cfg.Cluster.RetryMaxDelay.Std(),
		})
	}

	a.registry = registry.New(a.store, cfg.Coordination.Root)
	a.orch = orchestrator.New(a.store, a.driver, a.registry, orchestrator.Config{
		Root:              cfg.Coordination.Root,
		LockTimeout:       cfg.Orchestrator.LockTimeout.Std(),
		ProvisionTimeout:  cfg.Orchestrator.ProvisionTimeout.Std(),
		DeleteGracePeriod: cfg.Orchestrator.DeleteGracePeriod.Std(),
	})

	if cfg.Reaper.Enabled {
		a.reaper = reaper.New(a.orch, reaper.Config{
			Interval:        cfg.Reaper.Interval.Std(),
			IdleThreshold:   cfg.Reaper.IdleTimeout.Std(),
			FailedRetention: cfg.Reaper.FailedRetention.Std(),
			MaxParallel:     cfg.Reaper.MaxParallel,
		})
	}

	// The model volume is optional: without it the model routes are off but
	// engine lifecycle still works.
	if _, err := os.Stat(cfg.Models.BasePath); err == nil {
		a.models = pvc.NewManager(cfg.Models.BasePath)
	} else if errors.Is(err, fs.ErrNotExist) {
		logging.Warn("App", "model base path %s does not exist, model routes disabled", cfg.Models.BasePath)
	} else {
		return nil, fmt.Errorf("failed to check model base path: %w", err)
	}

	var models server.ModelStore
	if a.models != nil {
		models = a.models
	}
	a.server = server.New(a.orch, models, server.Options{
		DefaultImage: cfg.Cluster.DefaultImage,
		PullSecret:   cfg.Cluster.PullSecret,
		Version:      version,
	})

	return a, nil
}

// Run starts every component and blocks until ctx is cancelled or a component
// fails.
func (a *Application) Run(ctx context.Context) error {
	if err := a.registry.Start(ctx); err != nil {
		return fmt.Errorf("failed to start registry: %w", err)
	}
	defer a.registry.Stop()

	if a.models != nil {
		if err := a.models.Start(ctx); err != nil {
			return fmt.Errorf("failed to start model volume manager: %w", err)
		}
		defer a.models.Close()
	}

	if a.reaper != nil {
		if err := a.reaper.Start(ctx); err != nil {
			return fmt.Errorf("failed to start reaper: %w", err)
		}
		defer a.reaper.Stop()
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.server.Run(ctx, a.cfg.HTTP.Listen)
	})

	err := g.Wait()
	a.store.Close()
	return err
}
