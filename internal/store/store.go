package store

import (
	"context"
	"errors"

	"graphrunner/internal/models"
)

var (
	// ErrNotFound is returned when the requested row does not exist (anymore)
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when an update was based on a stale version of the row
	ErrConflict = errors.New("record was modified concurrently")
	// ErrActiveBuild is returned when a write would put two tasks with the same name in the build phases
	ErrActiveBuild = errors.New("another build for this graph is in progress")
)

// Field is an updatable column of the build task table
type Field string

const (
	FieldStatus     Field = "status"
	FieldStartedAt  Field = "started_at"
	FieldFinishedAt Field = "finished_at"
	FieldLogs       Field = "logs"
	FieldLastLogAt  Field = "last_log_at"
	FieldOutputDir  Field = "output_dir"
	FieldIsReady    Field = "is_ready"
	FieldIsServing  Field = "is_serving"
	FieldServePort  Field = "serve_port"
)

// AllFields are the fields a pipeline phase may own
var AllFields = []Field{
	FieldStatus, FieldStartedAt, FieldFinishedAt, FieldLogs, FieldLastLogAt,
	FieldOutputDir, FieldIsReady, FieldIsServing, FieldServePort,
}

// Store is the durable record of build tasks and the feed registry.
//
// UpdateTask is optimistic: it only succeeds when task.Version matches the stored version, and bumps
// task.Version on success. A stale version yields ErrConflict, a deleted row ErrNotFound.
type Store interface {
	CreateTask(ctx context.Context, task *models.BuildTask) error
	GetTask(ctx context.Context, id int64) (*models.BuildTask, error)
	UpdateTask(ctx context.Context, task *models.BuildTask, fields ...Field) error
	DeleteTask(ctx context.Context, id int64) error
	ListTasks(ctx context.Context, limit int) ([]models.BuildTask, error)
	HasActiveBuild(ctx context.Context, name string, excludeID int64) (bool, error)
	CountByName(ctx context.Context, name string, excludeID int64) (int, error)

	CreateFeed(ctx context.Context, feed *models.GtfsSource) error
	GetFeed(ctx context.Context, id int64) (*models.GtfsSource, error)
	ListFeeds(ctx context.Context) ([]models.GtfsSource, error)
}

func fieldsOrAll(fields []Field) []Field {
	if len(fields) == 0 {
		return AllFields
	}
	return fields
}
