// Command bcat publishes catalog bundles, serves catalogs, and keeps a
// local repo of bundles up to date.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ndlib/bcat/server"
)

var (
	configFile string
	configSet  bool
)

func main() {
	if err := rootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          "bcat",
		Short:        "Versioned content-addressed bundle catalogs",
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			configSet = cmd.Flags().Changed("config")
		},
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "bcat.toml", "configuration file")

	root.AddCommand(
		serveCommand(),
		ensureCommand(),
		verifyCommand(),
		cleanupCommand(),
		trackCommand(),
		untrackCommand(),
		statusCommand(),
		publishCommand(),
		distributeCommand(),
		inspectCommand(),
		versionCommand(),
	)
	return root
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "bcat", server.Version)
		},
	}
}
