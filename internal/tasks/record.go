package tasks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/guregu/null/v5"
	"github.com/rs/zerolog/log"
	"graphrunner/internal/config"
	"graphrunner/internal/models"
	"graphrunner/internal/store"
	"graphrunner/internal/tasklog"
)

var (
	// ErrTaskGone means the task was deleted. Nothing depends on the write that hit it.
	ErrTaskGone = errors.New("build task no longer exists")
	// ErrTerminal is returned when a pipeline write would move a task out of the error state
	ErrTerminal = errors.New("build task is in error state")
	// ErrInvalidTransition is returned for a status change the transition table forbids
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Limits bounds the stored task logs
type Limits struct {
	MaxSize int
	TrimTo  int
}

func LimitsFromConfig(conf *config.GRConfig) Limits {
	return Limits{MaxSize: conf.Logs.MaxSize, TrimTo: conf.Logs.TrimTo}
}

// Record is the in-process handle on a build task. It buffers changes and writes only the fields it
// changed. A write that hits a concurrent modification re-fetches the row, merges the owned fields
// on top of it and tries once more. Record is safe for concurrent use.
type Record struct {
	mu      sync.Mutex
	id      int64
	store   store.Store
	task    *models.BuildTask
	limits  Limits
	revive  bool
	gone    bool
	dirty   map[store.Field]bool
	unsaved []string

	now func() time.Time
}

// Load fetches a task for a pipeline phase. Such records never move a task out of error.
func Load(ctx context.Context, st store.Store, id int64, limits Limits) (*Record, error) {
	return load(ctx, st, id, limits, false)
}

// LoadControl fetches a task for container control, which may bring an errored task back to serving
func LoadControl(ctx context.Context, st store.Store, id int64, limits Limits) (*Record, error) {
	return load(ctx, st, id, limits, true)
}

func load(ctx context.Context, st store.Store, id int64, limits Limits, revive bool) (*Record, error) {
	task, err := st.GetTask(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrTaskGone
	} else if err != nil {
		return nil, err
	}
	return newRecord(st, task, limits, revive), nil
}

func newRecord(st store.Store, task *models.BuildTask, limits Limits, revive bool) *Record {
	return &Record{
		id:     task.ID,
		store:  st,
		task:   task,
		limits: limits,
		revive: revive,
		dirty:  map[store.Field]bool{},
		now:    time.Now,
	}
}

func (r *Record) ID() int64 {
	return r.id
}

// Task returns a snapshot of the task including unsaved changes
func (r *Record) Task() models.BuildTask {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.task.Clone()
}

func (r *Record) Status() models.TaskStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.task.Status
}

// Transition moves the task to status to. Timestamps owned by the target phase are set as well.
// Nothing is written until Save.
func (r *Record) Transition(to models.TaskStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	from := r.task.Status
	if from == models.StatusError && to != models.StatusError && !r.revive {
		return ErrTerminal
	}
	if from == models.StatusError && to == models.StatusError {
		return nil
	}
	if !models.CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	r.task.Status = to
	r.mark(store.FieldStatus)

	now := r.now().UTC()
	switch to {
	case models.StatusPreparing:
		r.task.StartedAt = null.TimeFrom(now)
		r.mark(store.FieldStartedAt)
	case models.StatusBuilt:
		r.task.IsReady = true
		r.task.FinishedAt = null.TimeFrom(now)
		r.mark(store.FieldIsReady, store.FieldFinishedAt)
	case models.StatusError:
		if !r.task.FinishedAt.Valid {
			r.task.FinishedAt = null.TimeFrom(now)
			r.mark(store.FieldFinishedAt)
		}
	}
	return nil
}

// Fail moves the task to error, logs the reason and saves
func (r *Record) Fail(ctx context.Context, format string, args ...any) error {
	if err := r.Transition(models.StatusError); err != nil {
		return err
	}
	r.Log(format, args...)
	return r.Save(ctx)
}

// Repair overwrites the status without consulting the transition table. It is reserved for
// reconciliation against the live container state.
func (r *Record) Repair(status models.TaskStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.task.Status != status {
		r.task.Status = status
		r.mark(store.FieldStatus)
	}
}

// Update applies fn to the task and marks fields as changed
func (r *Record) Update(fn func(t *models.BuildTask), fields ...store.Field) {
	r.mu.Lock()
	defer r.mu.Unlock()

	fn(r.task)
	r.mark(fields...)
}

// SetServing records whether a container serves the task, and on which port
func (r *Record) SetServing(serving bool, port int) {
	r.Update(func(t *models.BuildTask) {
		t.IsServing = serving
		if port > 0 {
			t.ServePort = null.IntFrom(int64(port))
		}
	}, store.FieldIsServing, store.FieldServePort)
}

// Log appends a timestamped line to the task logs. Nothing is written until Save.
func (r *Record) Log(format string, args ...any) {
	text := format
	if len(args) > 0 {
		text = fmt.Sprintf(format, args...)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.appendLines([]string{tasklog.Line(r.now(), text)})
}

// AddLog appends a timestamped line and persists the logs. Persistence failures are swallowed so
// logging never aborts a phase.
func (r *Record) AddLog(ctx context.Context, format string, args ...any) {
	r.Log(format, args...)
	r.saveLogs(ctx)
}

// AppendLines persists lines that are already formatted, such as a batch of process output.
// Persistence failures are swallowed.
func (r *Record) AppendLines(ctx context.Context, lines []string) {
	r.mu.Lock()
	r.appendLines(lines)
	r.mu.Unlock()
	r.saveLogs(ctx)
}

func (r *Record) saveLogs(ctx context.Context) {
	err := r.Save(ctx)
	switch {
	case err == nil, errors.Is(err, ErrTaskGone):
	default:
		log.Warn().Err(err).Int64("task_id", r.id).Msg("Could not persist task logs")
	}
}

func (r *Record) appendLines(lines []string) {
	r.task.Logs = tasklog.Append(r.task.Logs, r.limits.MaxSize, r.limits.TrimTo, lines...)
	r.task.LastLogAt = null.TimeFrom(r.now().UTC())
	r.unsaved = append(r.unsaved, lines...)
	r.mark(store.FieldLogs, store.FieldLastLogAt)
}

func (r *Record) mark(fields ...store.Field) {
	for _, f := range fields {
		r.dirty[f] = true
	}
}

// Save writes the changed fields. It returns ErrTaskGone once the task was deleted, and ErrTerminal
// when a concurrent writer moved the task to error while this record wanted it elsewhere. In that
// case only the logs are merged.
func (r *Record) Save(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.gone {
		return ErrTaskGone
	}
	if len(r.dirty) == 0 {
		return nil
	}

	fields := r.dirtyFields()
	err := r.store.UpdateTask(ctx, r.task, fields...)
	if errors.Is(err, store.ErrConflict) {
		err = r.mergeAndRetry(ctx, fields)
	}

	switch {
	case err == nil:
		r.clean()
		return nil
	case errors.Is(err, store.ErrNotFound):
		r.gone = true
		return ErrTaskGone
	case errors.Is(err, ErrTerminal):
		r.clean()
		return err
	default:
		return err
	}
}

// mergeAndRetry re-fetches the row, lays the owned fields over it and writes once more
func (r *Record) mergeAndRetry(ctx context.Context, fields []store.Field) error {
	fresh, err := r.store.GetTask(ctx, r.id)
	if err != nil {
		return err
	}

	terminal := fresh.Status == models.StatusError && r.task.Status != models.StatusError &&
		r.dirty[store.FieldStatus] && !r.revive

	merged := fresh.Clone()
	if len(r.unsaved) > 0 {
		merged.Logs = tasklog.Append(fresh.Logs, r.limits.MaxSize, r.limits.TrimTo, r.unsaved...)
		merged.LastLogAt = r.task.LastLogAt
	}

	if terminal {
		fields = nil
		if len(r.unsaved) > 0 {
			fields = []store.Field{store.FieldLogs, store.FieldLastLogAt}
		}
	} else {
		for _, f := range fields {
			copyField(merged, r.task, f)
		}
	}

	if len(fields) > 0 {
		if err := r.store.UpdateTask(ctx, merged, fields...); err != nil {
			return err
		}
	}
	r.task = merged
	if terminal {
		return ErrTerminal
	}
	return nil
}

// Refresh discards unsaved changes and reloads the task
func (r *Record) Refresh(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, err := r.store.GetTask(ctx, r.id)
	if errors.Is(err, store.ErrNotFound) {
		r.gone = true
		return ErrTaskGone
	} else if err != nil {
		return err
	}
	r.task = task
	r.clean()
	return nil
}

func (r *Record) clean() {
	r.dirty = map[store.Field]bool{}
	r.unsaved = nil
}

func (r *Record) dirtyFields() []store.Field {
	fields := make([]store.Field, 0, len(r.dirty))
	for _, f := range store.AllFields {
		if r.dirty[f] {
			fields = append(fields, f)
		}
	}
	return fields
}

// copyField copies a field other than logs from src to dst
func copyField(dst, src *models.BuildTask, f store.Field) {
	switch f {
	case store.FieldStatus:
		dst.Status = src.Status
	case store.FieldStartedAt:
		dst.StartedAt = src.StartedAt
	case store.FieldFinishedAt:
		dst.FinishedAt = src.FinishedAt
	case store.FieldLastLogAt:
		dst.LastLogAt = src.LastLogAt
	case store.FieldOutputDir:
		dst.OutputDir = src.OutputDir
	case store.FieldIsReady:
		dst.IsReady = src.IsReady
	case store.FieldIsServing:
		dst.IsServing = src.IsServing
	case store.FieldServePort:
		dst.ServePort = src.ServePort
	}
}
