package runcmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"graphrunner/internal/api"
	"graphrunner/internal/config"
	"graphrunner/internal/scheduler"
	"graphrunner/internal/worker"
)

var allCmd = &cobra.Command{
	Use:   "all",
	Short: "Runs the worker, scheduler and API server in one process",
	Long: `Runs the worker, scheduler and API server in one process.

This is the only mode in which the in-memory store is useful, since the record of a task must be
visible to the process that executes its units.`,
	Run: func(cmd *cobra.Command, args []string) {
		log.Info().Msg("Running all services")
		conf := config.FromCobraCmd(cmd)

		svc := mustServices(conf)
		defer svc.Close()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		wrk := worker.NewWorker(svc.queue, svc.coordinator.Handle, svc.observer.OnFailure, worker.OptionsFromConfig(conf))
		sch := scheduler.NewMaintenance(svc.queue, svc.coordinator, svc.observer, scheduler.SpecsFromConfig(conf))

		g, ctx := errgroup.WithContext(ctx)
		srv := api.New(ctx, svc.coordinator, api.ConfigFromGRConfig(conf))
		g.Go(wrk.Start)
		g.Go(func() error {
			<-ctx.Done()
			wrk.Stop()
			return nil
		})
		g.Go(func() error {
			if err := sch.Start(ctx); err != nil {
				return err
			}
			<-ctx.Done()
			sch.Stop()
			return nil
		})
		g.Go(srv.Run)

		if err := g.Wait(); err != nil {
			log.Error().Err(err).Msg("Stopped on error")
		}
	},
}
