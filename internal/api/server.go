package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"graphrunner/internal/config"
	"graphrunner/internal/container"
	"graphrunner/internal/models"
	"graphrunner/internal/pipeline"
)

// Pipeline is the set of coordinator operations exposed over HTTP, see pipeline.Coordinator
type Pipeline interface {
	Submit(ctx context.Context, sub pipeline.Submission) (*models.BuildTask, error)
	Recreate(ctx context.Context, id int64, runAt time.Time) (*models.BuildTask, error)
	Delete(ctx context.Context, id int64) error
	Status(ctx context.Context, id int64) (*pipeline.StatusView, error)
	ListTasks(ctx context.Context, limit int) ([]models.BuildTask, error)

	ListFeeds(ctx context.Context) ([]models.GtfsSource, error)
	RegisterFeed(ctx context.Context, feed *models.GtfsSource) error

	StartContainer(ctx context.Context, id int64) (container.Result, error)
	StopContainer(ctx context.Context, id int64) (container.Result, error)
	RestartContainer(ctx context.Context, id int64) (container.Result, error)
	RemoveContainer(ctx context.Context, id int64) (container.Result, error)
	ContainerStatus(ctx context.Context, id int64) (container.Status, error)
	Containers(ctx context.Context) (container.SystemStats, error)

	GetServeConfig(ctx context.Context, id int64) (*pipeline.ServeConfig, error)
	UpdateServeConfig(ctx context.Context, id int64, body []byte, opts pipeline.UpdateOptions) (*pipeline.UpdateResult, error)

	Reconcile(ctx context.Context) (pipeline.ReconcileReport, error)
}

type Server struct {
	ctx      context.Context
	pipeline Pipeline
	router   *chi.Mux
	config   *Config
}

type Config struct {
	Host string
	Port int

	// Location interprets submission times given without a zone offset
	Location *time.Location
}

func ConfigFromGRConfig(conf *config.GRConfig) *Config {
	return &Config{
		Host:     conf.Server.Host,
		Port:     conf.Server.Port,
		Location: conf.Location(),
	}
}

// New creates a new API server instance
func New(ctx context.Context, p Pipeline, config *Config) *Server {
	if config.Location == nil {
		config.Location = time.UTC
	}
	s := &Server{
		ctx:      ctx,
		pipeline: p,
		router:   chi.NewRouter(),
		config:   config,
	}

	// Set up middleware
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)

	s.router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		serveJson(w, map[string]string{"status": "ok"})
	})
	s.router.Handle("/metrics", promhttp.Handler())

	s.router.Route("/api", func(r chi.Router) {
		r.Mount("/builds", NewBuildRouter(p, config.Location, chi.NewRouter()))
		r.Mount("/feeds", NewFeedRouter(p, chi.NewRouter()))
		r.Get("/containers", s.ListContainers)
		r.Post("/reconcile", s.Reconcile)
	})

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) Addr() string {
	return net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))
}

// Run serves until the server context is cancelled, then shuts down gracefully
func (s *Server) Run() error {
	srv := &http.Server{
		Addr:              s.Addr(),
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("API server listening")
		errs <- srv.ListenAndServe()
	}()

	select {
	case err := <-errs:
		return err
	case <-s.ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("could not shut down API server: %w", err)
		}
		return nil
	}
}

func (s *Server) ListContainers(w http.ResponseWriter, r *http.Request) {
	stats, err := s.pipeline.Containers(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	serveJson(w, stats)
}

func (s *Server) Reconcile(w http.ResponseWriter, r *http.Request) {
	report, err := s.pipeline.Reconcile(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	serveJson(w, report)
}

func readJson(w http.ResponseWriter, r *http.Request, payload any) error {
	defer func() {
		if err := r.Body.Close(); err != nil {
			log.Error().Err(err).Msg("Could not close request body")
		}
	}()

	err := json.NewDecoder(r.Body).Decode(payload)
	if err != nil {
		http.Error(w, "could not parse request body to payload", http.StatusBadRequest)
	}
	return err
}

// readOptionalJson is readJson for endpoints whose body may be left out
func readOptionalJson(w http.ResponseWriter, r *http.Request, payload any) error {
	defer func() {
		if err := r.Body.Close(); err != nil {
			log.Error().Err(err).Msg("Could not close request body")
		}
	}()

	err := json.NewDecoder(r.Body).Decode(payload)
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		http.Error(w, "could not parse request body to payload", http.StatusBadRequest)
	}
	return err
}

func serveJson(w http.ResponseWriter, payload any) {
	serveJsonStatus(w, http.StatusOK, payload)
}

func serveJsonStatus(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	err := json.NewEncoder(w).Encode(payload)
	if err != nil {
		log.Error().Err(err).Msg("JSON encoding issue")
	}
}

// writeError maps coordinator errors to status codes. Unexpected errors are logged and hidden.
func writeError(w http.ResponseWriter, err error) {
	var code int
	switch {
	case errors.Is(err, pipeline.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, pipeline.ErrConflict), errors.Is(err, pipeline.ErrNotReady):
		code = http.StatusConflict
	case errors.Is(err, pipeline.ErrInvalidInput), errors.Is(err, pipeline.ErrInvalidConfig):
		code = http.StatusBadRequest
	default:
		log.Error().Err(err).Msg("Request failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	serveJsonStatus(w, code, map[string]string{"error": err.Error()})
}

func idParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "invalid build id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func boolQuery(r *http.Request, key string) bool {
	v, err := strconv.ParseBool(r.URL.Query().Get(key))
	return err == nil && v
}
