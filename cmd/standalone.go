package cmd

import (
	"github.com/spf13/cobra"
)

// standaloneCmd runs the service without external dependencies: in-memory
// coordination store, fake cluster driver. For local development against the
// full HTTP API.
var standaloneCmd = &cobra.Command{
	Use:   "standalone",
	Short: "Start engineroom in standalone mode",
	Long: `Standalone mode runs the full API against an in-memory coordination
store and a fake cluster driver. Engines "provision" instantly with a
synthetic endpoint; nothing touches a real cluster.`,
	Args: cobra.NoArgs,
	RunE: runStandalone,
}

func runStandalone(cmd *cobra.Command, args []string) error {
	return run(cmd, true)
}

func init() {
	rootCmd.AddCommand(standaloneCmd)
	standaloneCmd.Flags().AddFlagSet(serveCmd.Flags())
}
