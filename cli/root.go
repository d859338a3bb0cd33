// Package cli hosts the flowgate command line entrypoints.
package cli

import (
	"github.com/spf13/cobra"
)

func RootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "flowgate",
		Short: "Workflow routing and tracking service",
		Long: "Flowgate accepts workflow submissions, dispatches them to external " +
			"execution endpoints and tracks their state across queries, polls and callbacks.",
		SilenceUsage: true,
	}
	root.PersistentFlags().String("log-level", "info", "Log level: debug, info, warn, error, disabled")
	root.PersistentFlags().Bool("log-json", false, "Emit logs as JSON")
	root.PersistentFlags().Bool("log-source", false, "Annotate logs with source locations")
	root.PersistentFlags().String("env-file", "", "Path to an env file loaded before configuration")
	root.AddCommand(ServeCmd())
	return root
}
