package runcmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"graphrunner/internal/api"
	"graphrunner/internal/config"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Runs the API server",
	Run: func(cmd *cobra.Command, args []string) {
		log.Info().Msg("Running API server")
		conf := config.FromCobraCmd(cmd)

		svc := mustServices(conf)
		defer svc.Close()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		srv := api.New(ctx, svc.coordinator, api.ConfigFromGRConfig(conf))
		if err := srv.Run(); err != nil {
			log.Error().Err(err).Msg("API server stopped")
		}
	},
}
