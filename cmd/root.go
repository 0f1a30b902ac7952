package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd is the entry point when the application is called without any
// subcommands.
var rootCmd = &cobra.Command{
	Use:   "engineroom",
	Short: "Lifecycle orchestrator for model inference engines on Kubernetes",
	Long: `engineroom turns stateless start/stop-model requests into running
inference workloads on a Kubernetes cluster. It coordinates replicas through
a ZooKeeper-style store, keeps at most one live workload per engine, and
reclaims engines nobody is using.`,
	SilenceUsage: true,
}

// SetVersion sets the version for the root command. Called from the main
// package to inject the build version.
func SetVersion(v string) {
	rootCmd.Version = v
}

// GetVersion returns the current version of the application.
func GetVersion() string {
	return rootCmd.Version
}

// Execute runs the root command. Called by main.main().
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "engineroom version %s\n" .Version}}`)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
