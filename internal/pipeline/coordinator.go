package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"graphrunner/internal/config"
	"graphrunner/internal/container"
	"graphrunner/internal/metrics"
	"graphrunner/internal/models"
	"graphrunner/internal/queue"
	"graphrunner/internal/store"
	"graphrunner/internal/tasks"
)

var (
	// ErrNotFound is returned for operations on a build task that does not exist
	ErrNotFound = errors.New("build task not found")
	// ErrConflict is returned when a container operation would interfere with a running build phase
	ErrConflict = errors.New("build task is busy")
	// ErrNotReady is returned for container operations on a task without build output
	ErrNotReady = errors.New("build task has no build output yet")
	// ErrInvalidInput is returned for malformed submissions
	ErrInvalidInput = errors.New("invalid input")
)

var graphNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,62}$`)

// Publisher is the part of the queue the coordinator hands units of work to
type Publisher interface {
	Publish(ctx context.Context, message queue.TaskMessage) error
	PublishAt(ctx context.Context, message queue.TaskMessage, at time.Time) error
	Revoke(ctx context.Context, buildTaskID int64) (int, error)
}

// Containers is the lifecycle manager of the serving containers, see container.Manager
type Containers interface {
	Start(ctx context.Context, graph, dataDir string, port int) container.Result
	Stop(ctx context.Context, graph string) container.Result
	Restart(ctx context.Context, graph string) container.Result
	Remove(ctx context.Context, graph string, force bool) container.Result
	Status(ctx context.Context, graph string) container.Status
	ListManaged(ctx context.Context) ([]container.Managed, error)
	SystemStats(ctx context.Context) (container.SystemStats, error)
	MountPoint() string
}

// Fetcher downloads remote artifacts, see fetcher.Fetcher
type Fetcher interface {
	FetchToFile(ctx context.Context, url, dest string) (int64, error)
}

type Options struct {
	GraphRoot      string
	OsmSourceDir   string
	ConfigTemplate string
	BuildCommand   []string
	FlushLines     int
	PreviewHead    int
	PreviewTail    int
	StaleAfter     time.Duration
	Limits         tasks.Limits
	Location       *time.Location
}

func OptionsFromConfig(conf *config.GRConfig) Options {
	return Options{
		GraphRoot:      conf.Paths.GraphRoot,
		OsmSourceDir:   conf.Paths.OsmSourceDir,
		ConfigTemplate: conf.Paths.ConfigTemplate,
		BuildCommand:   conf.Builder.Command,
		FlushLines:     conf.Logs.FlushLines,
		PreviewHead:    conf.Logs.PreviewHead,
		PreviewTail:    conf.Logs.PreviewTail,
		StaleAfter:     conf.StaleAfter(),
		Limits:         tasks.LimitsFromConfig(conf),
		Location:       conf.Location(),
	}
}

// Coordinator drives build tasks through the prepare, build and serve phases. Each phase runs as its
// own unit of work on the queue and publishes the next one when it succeeds.
type Coordinator struct {
	store      store.Store
	queue      Publisher
	containers Containers
	fetcher    Fetcher
	opts       Options

	now func() time.Time
}

func New(st store.Store, q Publisher, containers Containers, f Fetcher, opts Options) *Coordinator {
	if opts.FlushLines <= 0 {
		opts.FlushLines = 25
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	return &Coordinator{
		store:      st,
		queue:      q,
		containers: containers,
		fetcher:    f,
		opts:       opts,
		now:        time.Now,
	}
}

// Submission is a request to build (and then serve) a graph
type Submission struct {
	Name    string  `json:"name"`
	OsmFile string  `json:"osm_file"`
	FeedIDs []int64 `json:"feed_ids"`
	// RunAt delays the pipeline start. The zero value starts it right away.
	RunAt time.Time `json:"-"`
}

func (s Submission) validate() error {
	var errs []error
	if !graphNamePattern.MatchString(s.Name) {
		errs = append(errs, fmt.Errorf("name %q must be 1-63 letters, digits, '.', '_' or '-'", s.Name))
	}
	if strings.TrimSpace(s.OsmFile) == "" {
		errs = append(errs, errors.New("osm_file is required"))
	}
	for _, id := range s.FeedIDs {
		if id <= 0 {
			errs = append(errs, fmt.Errorf("feed id %d is invalid", id))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidInput, errors.Join(errs...))
	}
	return nil
}

// ParseRunAt reads a start time. Times without a zone offset are wall clock times in loc. The empty
// string means now and yields the zero time.
func ParseRunAt(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t.UTC(), nil
	}
	for _, layout := range []string{"2006-01-02T15:04:05", "2006-01-02T15:04", "2006-01-02 15:04:05", "2006-01-02 15:04"} {
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: unrecognised time %q", ErrInvalidInput, value)
}

// Submit records a new pending task and schedules its prepare unit
func (c *Coordinator) Submit(ctx context.Context, sub Submission) (*models.BuildTask, error) {
	sub.Name = strings.TrimSpace(sub.Name)
	sub.OsmFile = strings.TrimSpace(sub.OsmFile)
	if err := sub.validate(); err != nil {
		return nil, err
	}

	task := &models.BuildTask{
		Name:    sub.Name,
		OsmFile: sub.OsmFile,
		FeedIDs: append(models.FeedRefs{}, sub.FeedIDs...),
		Status:  models.StatusPending,
	}
	if err := c.store.CreateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("could not create build task: %w", err)
	}
	logger := log.With().Int64("task_id", task.ID).Str("graph", task.Name).Logger()

	rec, err := tasks.Load(ctx, c.store, task.ID, c.opts.Limits)
	if err != nil {
		return nil, err
	}

	msg := queue.NewMessage(queue.KindPrepare, task.ID)
	if !sub.RunAt.IsZero() && sub.RunAt.After(c.now()) {
		err = c.queue.PublishAt(ctx, msg, sub.RunAt.UTC())
		rec.Log("Build scheduled for %s (%s UTC)",
			sub.RunAt.In(c.opts.Location).Format("2006-01-02 15:04 MST"), sub.RunAt.UTC().Format("2006-01-02 15:04"))
	} else {
		err = c.queue.Publish(ctx, msg)
		rec.Log("Build queued")
	}
	if err != nil {
		logger.Error().Err(err).Msg("Could not schedule prepare unit")
		_ = rec.Fail(context.WithoutCancel(ctx), "Could not schedule the build: %v", err)
		return nil, fmt.Errorf("could not schedule build task: %w", err)
	}
	if err := rec.Save(ctx); err != nil {
		logger.Warn().Err(err).Msg("Could not persist submission log")
	}

	logger.Info().Time("run_at", sub.RunAt).Msg("Build task submitted")
	out := rec.Task()
	return &out, nil
}

// Recreate submits a fresh task with the inputs of an existing one. The original is left untouched.
func (c *Coordinator) Recreate(ctx context.Context, id int64, runAt time.Time) (*models.BuildTask, error) {
	task, err := c.getTask(ctx, id)
	if err != nil {
		return nil, err
	}
	return c.Submit(ctx, Submission{
		Name:    task.Name,
		OsmFile: task.OsmFile,
		FeedIDs: task.FeedIDs,
		RunAt:   runAt,
	})
}

// Delete revokes the task's pending units, removes its container and artifacts when no other task
// uses the same graph name, then deletes the record. Units that are already past revocation find the
// record gone and stop.
func (c *Coordinator) Delete(ctx context.Context, id int64) error {
	task, err := c.getTask(ctx, id)
	if err != nil {
		return err
	}
	logger := log.With().Int64("task_id", id).Str("graph", task.Name).Logger()

	if n, err := c.queue.Revoke(ctx, id); err != nil {
		logger.Warn().Err(err).Msg("Could not revoke units of deleted task")
	} else if n > 0 {
		logger.Info().Int("units", n).Msg("Revoked pending units")
	}

	others, err := c.store.CountByName(ctx, task.Name, id)
	if err != nil {
		return err
	}
	if others == 0 {
		res := c.containers.Remove(ctx, task.Name, true)
		if res.Status == container.StatusError {
			logger.Warn().Str("message", res.Message).Msg("Could not remove container")
		}
		if dir := c.outputDir(task); dir != "" {
			if err := os.RemoveAll(dir); err != nil {
				logger.Warn().Err(err).Str("dir", dir).Msg("Could not remove graph directory")
			}
		}
	} else {
		logger.Info().Int("others", others).Msg("Graph name still in use, keeping container and artifacts")
	}

	if err := c.store.DeleteTask(ctx, id); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	logger.Info().Msg("Build task deleted")
	return nil
}

// Handle executes a unit of work. Phase failures are recorded on the task, so a returned error means
// the failure could not even be recorded.
func (c *Coordinator) Handle(ctx context.Context, msg queue.TaskMessage) (err error) {
	defer func() {
		metrics.ObserveUnit(string(msg.Kind), err)
	}()

	switch msg.Kind {
	case queue.KindPrepare:
		return c.Prepare(ctx, msg.BuildTaskID)
	case queue.KindBuild:
		return c.Build(ctx, msg.BuildTaskID)
	case queue.KindServe:
		return c.Serve(ctx, msg.BuildTaskID)
	default:
		return fmt.Errorf("unknown unit kind %q", msg.Kind)
	}
}

func (c *Coordinator) ListTasks(ctx context.Context, limit int) ([]models.BuildTask, error) {
	return c.store.ListTasks(ctx, limit)
}

func (c *Coordinator) ListFeeds(ctx context.Context) ([]models.GtfsSource, error) {
	return c.store.ListFeeds(ctx)
}

// RegisterFeed adds a transit feed to the registry, or updates the feed with the same source id
func (c *Coordinator) RegisterFeed(ctx context.Context, feed *models.GtfsSource) error {
	var errs []error
	if strings.TrimSpace(feed.Name) == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if !graphNamePattern.MatchString(feed.SourceID) {
		errs = append(errs, fmt.Errorf("source_id %q must be letters, digits, '.', '_' or '-'", feed.SourceID))
	}
	if !strings.HasPrefix(feed.URL, "http://") && !strings.HasPrefix(feed.URL, "https://") {
		errs = append(errs, errors.New("url must be http or https"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidInput, errors.Join(errs...))
	}
	return c.store.CreateFeed(ctx, feed)
}

func (c *Coordinator) getTask(ctx context.Context, id int64) (*models.BuildTask, error) {
	task, err := c.store.GetTask(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	return task, err
}

// graphDir is where the artifacts of a graph live
func (c *Coordinator) graphDir(name string) string {
	return filepath.Join(c.opts.GraphRoot, name)
}

func (c *Coordinator) outputDir(task *models.BuildTask) string {
	if task.OutputDir.Valid && task.OutputDir.String != "" {
		return task.OutputDir.String
	}
	return ""
}

// fail records a phase failure. Failures of a task that was deleted in the meantime are dropped.
func (c *Coordinator) fail(ctx context.Context, rec *tasks.Record, format string, args ...any) error {
	metrics.TaskFailures.WithLabelValues("pipeline").Inc()
	log.Warn().Int64("task_id", rec.ID()).Msgf(format, args...)

	err := rec.Fail(context.WithoutCancel(ctx), format, args...)
	switch {
	case err == nil, errors.Is(err, tasks.ErrTaskGone):
		return nil
	default:
		return fmt.Errorf("could not record failure of task %d: %w", rec.ID(), err)
	}
}

// checkpoint saves a record mid-phase. stop is true when the phase must end: the task was deleted, or
// something else (the failure observer, a concurrent build) has ended it.
func (c *Coordinator) checkpoint(ctx context.Context, rec *tasks.Record) (stop bool, err error) {
	err = rec.Save(ctx)
	switch {
	case err == nil:
		return false, nil
	case errors.Is(err, tasks.ErrTaskGone):
		log.Info().Int64("task_id", rec.ID()).Msg("Build task was deleted, stopping")
		return true, nil
	case errors.Is(err, tasks.ErrTerminal):
		log.Info().Int64("task_id", rec.ID()).Msg("Build task was marked failed elsewhere, stopping")
		return true, nil
	case errors.Is(err, store.ErrActiveBuild):
		return true, c.fail(ctx, rec, "A build of graph %q is already in progress, cancelling this task", rec.Task().Name)
	default:
		return true, c.fail(ctx, rec, "Could not save task state: %v", err)
	}
}
