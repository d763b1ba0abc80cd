package runcmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"graphrunner/internal/config"
	"graphrunner/internal/worker"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Runs a worker process",
	Long:  "Runs a worker process that executes the prepare, build and serve units of build tasks",
	Run: func(cmd *cobra.Command, args []string) {
		log.Info().Msg("Running worker process")
		conf := config.FromCobraCmd(cmd)

		svc := mustServices(conf)
		defer svc.Close()

		wrk := worker.NewWorker(svc.queue, svc.coordinator.Handle, svc.observer.OnFailure, worker.OptionsFromConfig(conf))

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		errCh := make(chan error, 1)
		go func() {
			errCh <- wrk.Start()
		}()

		select {
		case err := <-errCh:
			if err != nil {
				log.Error().Err(err).Str("worker_id", wrk.ID).Msg("Ran into problems")
				svc.Close()
				os.Exit(1)
			}
		case sig := <-sigCh:
			log.Info().Msgf("Received signal %v, shutting down...", sig)
			wrk.Stop()
			if err := <-errCh; err != nil {
				log.Error().Err(err).Str("worker_id", wrk.ID).Msg("Worker did not stop cleanly")
			}
		}
	},
}
