package cli

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"graphrunner/internal/config"
	"graphrunner/internal/database"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Creates the database schema",
	Run: func(cmd *cobra.Command, args []string) {
		conf := config.FromCobraCmd(cmd)

		db, err := database.New(conf)
		if err != nil {
			log.Fatal().Err(err).Msg("Could not connect to database")
		}
		defer func() {
			if err := db.Close(); err != nil {
				log.Error().Err(err).Msg("Could not close db cleanly")
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := database.Migrate(ctx, db); err != nil {
			log.Error().Err(err).Msg("Migration failed")
			return
		}
		log.Info().Str("database", conf.Database.Name).Msg("Schema is up to date")
	},
}
