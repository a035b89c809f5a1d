package commands

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command
func NewRootCmd() *cobra.Command {
	var configFile string

	rootCmd := &cobra.Command{
		Use:           "guardrail",
		Short:         "Load and run untrusted gateway plugins inside a sandbox",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path")

	rootCmd.AddCommand(
		newScanCommand(),
		newChecksumCommand(),
		newCheckCommand(),
		newLoadCommand(&configFile),
		newCallCommand(&configFile),
		newServeCommand(&configFile),
		newVersionCommand(),
	)

	return rootCmd
}
