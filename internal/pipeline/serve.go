package pipeline

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"
	"graphrunner/internal/models"
	"graphrunner/internal/tasks"
)

// Serve writes the serve config of a built task and starts its container
func (c *Coordinator) Serve(ctx context.Context, id int64) error {
	rec, err := tasks.Load(ctx, c.store, id, c.opts.Limits)
	if errors.Is(err, tasks.ErrTaskGone) {
		log.Info().Int64("task_id", id).Msg("Build task was deleted before serving")
		return nil
	} else if err != nil {
		return err
	}

	task := rec.Task()
	if task.IsServing {
		rec.AddLog(ctx, "Container already active")
		return nil
	}
	if task.Status != models.StatusBuilt {
		log.Warn().Int64("task_id", id).Str("status", string(task.Status)).Msg("Skipping serving of task that is not built")
		return nil
	}
	outputDir := c.outputDir(&task)
	if outputDir == "" {
		return c.fail(ctx, rec, "Container start failed: task has no output directory")
	}

	rec.AddLog(ctx, "Starting routing container")
	source, err := c.materializeServeConfig(outputDir)
	if err != nil {
		return c.fail(ctx, rec, "Container start failed: could not write the serve config: %v", err)
	}
	if source != "" {
		rec.Log("Serve config generated from %s", source)
	} else {
		rec.Log("Serve config generated from defaults")
	}

	res := c.containers.Start(ctx, task.Name, outputDir, 0)
	if !res.Serving() {
		return c.fail(ctx, rec, "Container start failed: %s", res.Message)
	}

	if err := rec.Transition(models.StatusServing); err != nil {
		if errors.Is(err, tasks.ErrTerminal) {
			return nil
		}
		return c.fail(ctx, rec, "Could not record the container start: %v", err)
	}
	rec.SetServing(true, res.Port)
	rec.Log("%s", res.Message)
	rec.Log("Endpoint: http://localhost:%d/route", res.Port)
	_, err = c.checkpoint(ctx, rec)
	return err
}
