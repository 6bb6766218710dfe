package main

import (
	"os"

	"github.com/danmuck/tensorpool/internal/logging"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "tpoolctl [command]",
		Short:        "tensorpool region and session tooling",
		Long:         `tpoolctl creates and inspects shared-memory regions, serves the admin API and runs a local producer/consumer demo.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logging.ConfigureRuntime()
		},
	}
	root.AddCommand(configCmd(), createCmd(), inspectCmd(), serveCmd(), demoCmd())
	return root
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		log.Error().Err(err).Msg("tpoolctl failed")
		os.Exit(1)
	}
}
