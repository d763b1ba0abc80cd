package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"graphrunner/internal/models"
)

const uniqueViolation = "23505"

// PostgresStore persists build tasks and feeds in the `graph` schema
type PostgresStore struct {
	db *sqlx.DB
}

func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) CreateTask(ctx context.Context, task *models.BuildTask) error {
	if task.Status == "" {
		task.Status = models.StatusPending
	}
	if task.FeedIDs == nil {
		task.FeedIDs = models.FeedRefs{}
	}

	rows, err := s.db.NamedQueryContext(ctx, `
INSERT INTO graph.build_task (name, osm_file, feed_ids, status)
VALUES (:name, :osm_file, :feed_ids, :status)
RETURNING id, created_at, version`, task)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return err
		}
		return errors.New("insert returned no row")
	}
	return rows.Scan(&task.ID, &task.CreatedAt, &task.Version)
}

func (s *PostgresStore) GetTask(ctx context.Context, id int64) (*models.BuildTask, error) {
	var task models.BuildTask
	if err := s.db.GetContext(ctx, &task, `SELECT * FROM graph.build_task WHERE id = $1`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &task, nil
}

func (s *PostgresStore) UpdateTask(ctx context.Context, task *models.BuildTask, fields ...Field) error {
	fields = fieldsOrAll(fields)
	set := make([]string, len(fields))
	for i, f := range fields {
		set[i] = fmt.Sprintf("%s = :%s", f, f)
	}

	query := fmt.Sprintf(`
UPDATE graph.build_task
SET %s,
	version = version + 1
WHERE id = :id
  AND version = :version`, strings.Join(set, ",\n\t"))

	res, err := s.db.NamedExecContext(ctx, query, task)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrActiveBuild
		}
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists bool
		if err := s.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM graph.build_task WHERE id = $1)`, task.ID); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrConflict
	}

	task.Version++
	return nil
}

func (s *PostgresStore) DeleteTask(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM graph.build_task WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListTasks(ctx context.Context, limit int) ([]models.BuildTask, error) {
	tasks := []models.BuildTask{}
	query := `SELECT * FROM graph.build_task ORDER BY created_at DESC, id DESC`
	var err error
	if limit > 0 {
		err = s.db.SelectContext(ctx, &tasks, query+` LIMIT $1`, limit)
	} else {
		err = s.db.SelectContext(ctx, &tasks, query)
	}
	return tasks, err
}

func (s *PostgresStore) HasActiveBuild(ctx context.Context, name string, excludeID int64) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists, `
SELECT EXISTS(
	SELECT 1
	FROM graph.build_task
	WHERE name = $1
	  AND id <> $2
	  AND status IN ($3, $4)
)`, name, excludeID, models.StatusPreparing, models.StatusBuilding)
	return exists, err
}

func (s *PostgresStore) CountByName(ctx context.Context, name string, excludeID int64) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM graph.build_task WHERE name = $1 AND id <> $2`, name, excludeID)
	return n, err
}

func (s *PostgresStore) CreateFeed(ctx context.Context, feed *models.GtfsSource) error {
	return s.db.QueryRowxContext(ctx, `
INSERT INTO graph.gtfs_source (name, source_id, url, is_active)
VALUES ($1, $2, $3, $4)
ON CONFLICT (source_id) DO UPDATE SET
	name = EXCLUDED.name,
	url = EXCLUDED.url,
	is_active = EXCLUDED.is_active
RETURNING id, created_at`,
		feed.Name, feed.SourceID, feed.URL, feed.IsActive,
	).Scan(&feed.ID, &feed.CreatedAt)
}

func (s *PostgresStore) GetFeed(ctx context.Context, id int64) (*models.GtfsSource, error) {
	var feed models.GtfsSource
	if err := s.db.GetContext(ctx, &feed, `SELECT * FROM graph.gtfs_source WHERE id = $1`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &feed, nil
}

func (s *PostgresStore) ListFeeds(ctx context.Context) ([]models.GtfsSource, error) {
	feeds := []models.GtfsSource{}
	err := s.db.SelectContext(ctx, &feeds, `SELECT * FROM graph.gtfs_source ORDER BY name`)
	return feeds, err
}
