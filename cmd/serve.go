package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"

	"engineroom/internal/app"
	"engineroom/internal/config"
	"engineroom/pkg/logging"
)

// serveConfigPath is the configuration file the serve command loads. Missing
// file means defaults plus environment overrides.
var serveConfigPath string

// serveDebug enables verbose logging across the application.
var serveDebug bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the engineroom API server",
	Long: `Starts the HTTP API, connects to the coordination store and the
Kubernetes cluster, and runs the engine registry and the idle reaper until
terminated.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	return run(cmd, false)
}

// run bootstraps and runs the application; standalone forces the in-process
// store and driver regardless of configuration.
func run(cmd *cobra.Command, standalone bool) error {
	level := logging.LevelInfo
	if serveDebug {
		level = logging.LevelDebug
	}
	logging.Init(level, os.Stderr)

	cfg, err := config.LoadConfig(serveConfigPath)
	if err != nil {
		return err
	}
	if standalone {
		cfg.Standalone = true
	}

	application, err := app.NewApplication(cfg, GetVersion())
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Tell systemd we are up; a no-op outside a notify socket.
	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		logging.Debug("App", "sd_notify not available: %v", err)
	}
	defer func() {
		_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	}()

	return application.Run(ctx)
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveConfigPath, "config", "/etc/engineroom/config.yaml", "Path to the configuration file")
	serveCmd.Flags().BoolVar(&serveDebug, "debug", false, "Enable debug logging")
}
