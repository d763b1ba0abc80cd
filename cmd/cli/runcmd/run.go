package runcmd

import (
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"graphrunner/internal/config"
	"graphrunner/internal/container"
	"graphrunner/internal/database"
	"graphrunner/internal/fetcher"
	"graphrunner/internal/observer"
	"graphrunner/internal/pipeline"
	"graphrunner/internal/queue"
	"graphrunner/internal/store"
	"graphrunner/internal/tasks"
)

var Command = &cobra.Command{
	Use:   "run",
	Short: "Run service",
	Long:  "Run service from a selected list of services",
}

func init() {
	Command.AddCommand(workerCmd)
	Command.AddCommand(schedulerCmd)
	Command.AddCommand(serverCmd)
	Command.AddCommand(allCmd)
}

// services are the long-lived dependencies shared by the worker, scheduler and server processes
type services struct {
	db          *sqlx.DB
	store       store.Store
	queue       *queue.RedisClient
	coordinator *pipeline.Coordinator
	observer    *observer.Observer
}

func mustServices(conf *config.GRConfig) *services {
	s := &services{queue: mustQueue(conf)}

	switch conf.Store.Backend {
	case "memory":
		log.Warn().Msg("Using the in-memory store, task records are lost on exit")
		s.store = store.NewMemoryStore()
	case "", "postgres":
		s.db = mustDatabase(conf)
		s.store = store.NewPostgresStore(s.db)
	default:
		log.Fatal().Str("backend", conf.Store.Backend).Msg("Unknown store backend")
	}

	client, err := container.NewDockerClient(conf.Docker.Endpoint)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not create docker client")
	}
	manager := container.NewManager(client, container.OptionsFromConfig(conf))

	s.coordinator = pipeline.New(s.store, s.queue, manager, fetcher.New(), pipeline.OptionsFromConfig(conf))
	s.observer = observer.New(s.store, tasks.LimitsFromConfig(conf), observer.NewDiagnostics(conf.Diagnostics.Command))
	return s
}

func (s *services) Close() {
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			log.Error().Err(err).Msg("Could not close db cleanly on shutdown")
		}
	}
	if err := s.queue.Close(); err != nil {
		log.Error().Err(err).Msg("Could not close redis queue cleanly on shutdown")
	}
}

func mustDatabase(conf *config.GRConfig) *sqlx.DB {
	db, err := database.New(conf)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not connect to database")
	}

	return db
}

func mustQueue(conf *config.GRConfig) *queue.RedisClient {
	redis, err := queue.NewRedisClient(conf.Queue.Host, conf.Queue.Password, conf.Queue.DB)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not connect to redis queue")
	}
	return redis
}
