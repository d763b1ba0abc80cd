package runcmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"graphrunner/internal/config"
	"graphrunner/internal/scheduler"
)

var schedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Starts the scheduler process",
	Long:  "Starts the maintenance scheduler: promotes delayed units, recovers units of dead workers and reconciles containers",
	Run: func(cmd *cobra.Command, args []string) {
		log.Info().Msg("Running scheduler process")
		conf := config.FromCobraCmd(cmd)

		svc := mustServices(conf)

		ctx, cancel := context.WithCancel(context.Background())
		sch := scheduler.NewMaintenance(svc.queue, svc.coordinator, svc.observer, scheduler.SpecsFromConfig(conf))

		defer func() {
			cancel()
			sch.Stop()
			svc.Close()
		}()

		if err := sch.Start(ctx); err != nil {
			log.Error().Err(err).Msg("Failed to start scheduler")
			return
		}

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

		log.Info().Msgf("Received signal %v, shutting down...", <-sigCh)
	},
}
