package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"graphrunner/internal/container"
	"graphrunner/internal/metrics"
	"graphrunner/internal/models"
	"graphrunner/internal/tasks"
)

// loadControl fetches a task for a container operation. Tasks inside a build phase are refused.
func (c *Coordinator) loadControl(ctx context.Context, id int64) (*tasks.Record, models.BuildTask, error) {
	rec, err := tasks.LoadControl(ctx, c.store, id, c.opts.Limits)
	if errors.Is(err, tasks.ErrTaskGone) {
		return nil, models.BuildTask{}, ErrNotFound
	} else if err != nil {
		return nil, models.BuildTask{}, err
	}
	task := rec.Task()
	if task.Status.InProgress() {
		return nil, task, fmt.Errorf("%w: task is %s", ErrConflict, task.Status)
	}
	return rec, task, nil
}

// StartContainer starts (or reuses) the container of a built task
func (c *Coordinator) StartContainer(ctx context.Context, id int64) (container.Result, error) {
	rec, task, err := c.loadControl(ctx, id)
	if err != nil {
		return container.Result{}, err
	}
	outputDir := c.outputDir(&task)
	if outputDir == "" || !task.IsReady {
		return container.Result{}, ErrNotReady
	}

	if !hasServeConfig(&task) {
		if _, err := c.materializeServeConfig(outputDir); err != nil {
			return container.Result{}, fmt.Errorf("could not write the serve config: %w", err)
		}
	}

	res := c.containers.Start(ctx, task.Name, outputDir, 0)
	if res.Serving() {
		c.markServing(rec, res)
	} else {
		rec.Log("Container start failed: %s", res.Message)
	}
	return res, c.save(ctx, rec)
}

// StopContainer stops the container of a task. The task falls back to built.
func (c *Coordinator) StopContainer(ctx context.Context, id int64) (container.Result, error) {
	rec, task, err := c.loadControl(ctx, id)
	if err != nil {
		return container.Result{}, err
	}

	res := c.containers.Stop(ctx, task.Name)
	switch res.Status {
	case container.StatusStopped, container.StatusNotFound:
		c.markIdle(rec)
		rec.Log("Container stopped")
	default:
		rec.Log("Container stop failed: %s", res.Message)
	}
	return res, c.save(ctx, rec)
}

// RestartContainer restarts the container of a task and records the port it is bound to
func (c *Coordinator) RestartContainer(ctx context.Context, id int64) (container.Result, error) {
	rec, task, err := c.loadControl(ctx, id)
	if err != nil {
		return container.Result{}, err
	}

	res := c.containers.Restart(ctx, task.Name)
	switch {
	case res.Serving():
		c.markServing(rec, res)
	case res.Status == container.StatusNotFound:
		c.markIdle(rec)
		rec.Log("Container restart failed: %s", res.Message)
	default:
		rec.Log("Container restart failed: %s", res.Message)
	}
	return res, c.save(ctx, rec)
}

// RemoveContainer force-removes the container of a task. Artifacts are kept.
func (c *Coordinator) RemoveContainer(ctx context.Context, id int64) (container.Result, error) {
	rec, task, err := c.loadControl(ctx, id)
	if err != nil {
		return container.Result{}, err
	}

	res := c.containers.Remove(ctx, task.Name, true)
	switch res.Status {
	case container.StatusRemoved, container.StatusNotFound:
		c.markIdle(rec)
		rec.Log("Container removed")
	default:
		rec.Log("Container removal failed: %s", res.Message)
	}
	return res, c.save(ctx, rec)
}

// ContainerStatus reports the live state of a task's container
func (c *Coordinator) ContainerStatus(ctx context.Context, id int64) (container.Status, error) {
	task, err := c.getTask(ctx, id)
	if err != nil {
		return container.Status{}, err
	}
	return c.containers.Status(ctx, task.Name), nil
}

// Containers lists the managed containers with their state
func (c *Coordinator) Containers(ctx context.Context) (container.SystemStats, error) {
	return c.containers.SystemStats(ctx)
}

func (c *Coordinator) markServing(rec *tasks.Record, res container.Result) {
	if err := rec.Transition(models.StatusServing); err != nil {
		log.Warn().Err(err).Int64("task_id", rec.ID()).Msg("Could not mark task serving")
	}
	rec.SetServing(true, res.Port)
	rec.Log("%s (port %d)", res.Message, res.Port)
}

func (c *Coordinator) markIdle(rec *tasks.Record) {
	rec.SetServing(false, 0)
	if rec.Status() == models.StatusServing {
		rec.Repair(models.StatusBuilt)
	}
}

func (c *Coordinator) save(ctx context.Context, rec *tasks.Record) error {
	err := rec.Save(ctx)
	if errors.Is(err, tasks.ErrTaskGone) {
		return ErrNotFound
	}
	return err
}

// ReconcileReport summarises a reconciliation pass
type ReconcileReport struct {
	Checked int `json:"checked"`
	Updated int `json:"updated"`
	Running int `json:"running_containers"`
}

// Reconcile aligns the serving flags of stored tasks with the live containers. The live state wins,
// except that tasks inside a build phase are never touched. Only the newest task of a graph name with
// built tiles owns its container.
func (c *Coordinator) Reconcile(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport

	managed, err := c.containers.ListManaged(ctx)
	if err != nil {
		return report, fmt.Errorf("could not list containers: %w", err)
	}
	live := make(map[string]container.Managed, len(managed))
	for _, m := range managed {
		live[m.Graph] = m
		if m.Running {
			report.Running++
		}
	}
	metrics.ContainersRunning.Set(float64(report.Running))

	all, err := c.store.ListTasks(ctx, 0)
	if err != nil {
		return report, err
	}

	owned := map[string]bool{}
	for _, task := range all {
		if task.Status.InProgress() {
			continue
		}
		report.Checked++

		m, found := live[task.Name]
		owner := task.IsReady && !owned[task.Name]
		if task.IsReady {
			owned[task.Name] = true
		}
		running := found && m.Running && owner

		if !needsRepair(task, running, m.Port) {
			continue
		}
		rec, err := tasks.LoadControl(ctx, c.store, task.ID, c.opts.Limits)
		if errors.Is(err, tasks.ErrTaskGone) {
			continue
		} else if err != nil {
			return report, err
		}
		if rec.Status().InProgress() {
			continue
		}

		if running {
			rec.SetServing(true, m.Port)
			if rec.Status() == models.StatusBuilt {
				rec.Repair(models.StatusServing)
			}
		} else {
			c.markIdle(rec)
		}
		if err := rec.Save(ctx); err != nil && !errors.Is(err, tasks.ErrTaskGone) {
			log.Warn().Err(err).Int64("task_id", task.ID).Msg("Could not reconcile task")
			continue
		}
		report.Updated++
		log.Info().Int64("task_id", task.ID).Str("graph", task.Name).Bool("serving", running).Msg("Reconciled task with container state")
	}
	return report, nil
}

func needsRepair(task models.BuildTask, running bool, port int) bool {
	if running {
		portDiffers := port > 0 && (!task.ServePort.Valid || task.ServePort.Int64 != int64(port))
		return !task.IsServing || task.Status == models.StatusBuilt || portDiffers
	}
	return task.IsServing || task.Status == models.StatusServing
}
