package cli

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"graphrunner/cmd/cli/runcmd"
	"graphrunner/internal/config"
)

var RootCmd = &cobra.Command{
	Use:   "grctl",
	Short: "GraphRunner - builds and serves routing graphs",
	Long: `GraphRunner prepares road network and transit data, builds routing tiles and serves every
built graph from its own routing container.

At a minimum, you need to start the scheduler, at least 1 worker and the API server, or run all of
them in one process with "grctl run all".`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
		zerolog.SetGlobalLevel(config.FromCobraCmd(cmd).Level())
	},
}

func init() {
	RootCmd.PersistentFlags().StringP("config", "c", "", "config file path")
	RootCmd.AddCommand(runcmd.Command)
	RootCmd.AddCommand(migrateCmd)
	RootCmd.AddCommand(submitCmd)
}

func Execute() {
	if err := RootCmd.Execute(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "%v", err)
		os.Exit(1)
	}
}
