package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/guregu/null/v5"
	"graphrunner/internal/models"
	"graphrunner/internal/tasklog"
)

// StatusView is what callers see of a task: its state and a bounded preview of its logs
type StatusView struct {
	ID             int64             `json:"id"`
	Name           string            `json:"name"`
	OsmFile        string            `json:"osm_file"`
	FeedIDs        models.FeedRefs   `json:"feed_ids"`
	Status         models.TaskStatus `json:"status"`
	Ready          bool              `json:"ready"`
	Serving        bool              `json:"serving"`
	ServePort      null.Int          `json:"serve_port"`
	OutputDir      null.String       `json:"output_dir"`
	CreatedAt      time.Time         `json:"created_at"`
	StartedAt      null.Time         `json:"started_at"`
	FinishedAt     null.Time         `json:"finished_at"`
	LastLogAt      null.Time         `json:"last_log_at"`
	LogsPreview    string            `json:"logs_preview"`
	LogsTotalLines int               `json:"logs_total_lines"`
	Stale          bool              `json:"stale"`
	Warning        string            `json:"warning,omitempty"`
}

// Status returns the status view of a task
func (c *Coordinator) Status(ctx context.Context, id int64) (*StatusView, error) {
	task, err := c.getTask(ctx, id)
	if err != nil {
		return nil, err
	}
	return c.view(task, c.now()), nil
}

func (c *Coordinator) view(task *models.BuildTask, now time.Time) *StatusView {
	preview, total := tasklog.Preview(task.Logs, c.opts.PreviewHead, c.opts.PreviewTail)
	v := &StatusView{
		ID:             task.ID,
		Name:           task.Name,
		OsmFile:        task.OsmFile,
		FeedIDs:        task.FeedIDs,
		Status:         task.Status,
		Ready:          task.IsReady,
		Serving:        task.IsServing,
		ServePort:      task.ServePort,
		OutputDir:      task.OutputDir,
		CreatedAt:      task.CreatedAt,
		StartedAt:      task.StartedAt,
		FinishedAt:     task.FinishedAt,
		LastLogAt:      task.LastLogAt,
		LogsPreview:    preview,
		LogsTotalLines: total,
	}

	if quiet, ok := c.quietFor(task, now); ok {
		v.Stale = true
		v.Warning = fmt.Sprintf("no build output since %s, the build process may have been killed", humanize.RelTime(now.Add(-quiet), now, "ago", "from now"))
	}
	return v
}

// quietFor reports how long a building task has been silent, when that exceeds the stale threshold
func (c *Coordinator) quietFor(task *models.BuildTask, now time.Time) (time.Duration, bool) {
	if task.Status != models.StatusBuilding || c.opts.StaleAfter <= 0 {
		return 0, false
	}
	last := task.LastLogAt
	if !last.Valid {
		last = task.StartedAt
	}
	if !last.Valid {
		return 0, false
	}
	quiet := now.Sub(last.Time)
	return quiet, quiet > c.opts.StaleAfter
}
