package pipeline

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"graphrunner/internal/container"
	"graphrunner/internal/models"
	"graphrunner/internal/store"
	"graphrunner/internal/tasks"
)

// builtTask stores a task that went through a successful build, optionally flagged as serving
func builtTask(t *testing.T, env *testEnv, name string, servingPort int) int64 {
	t.Helper()
	ctx := context.Background()
	task := &models.BuildTask{Name: name, OsmFile: name + ".pbf"}
	require.NoError(t, env.store.CreateTask(ctx, task))

	rec, err := tasks.Load(ctx, env.store, task.ID, testLimits)
	require.NoError(t, err)
	rec.Update(func(bt *models.BuildTask) {
		bt.OutputDir.SetValid(filepath.Join(env.graphRoot, name))
	}, store.FieldOutputDir)
	for _, s := range []models.TaskStatus{models.StatusPreparing, models.StatusBuilding, models.StatusBuilt} {
		require.NoError(t, rec.Transition(s))
	}
	if servingPort > 0 {
		require.NoError(t, rec.Transition(models.StatusServing))
		rec.SetServing(true, servingPort)
	}
	require.NoError(t, rec.Save(ctx))
	return task.ID
}

func TestContainerControlLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	task := env.serveGraph(t, "demo")

	res, err := env.coord.StopContainer(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, container.StatusStopped, res.Status)
	got := env.task(t, task.ID)
	assert.Equal(t, models.StatusBuilt, got.Status)
	assert.False(t, got.IsServing)

	res, err = env.coord.StartContainer(ctx, task.ID)
	require.NoError(t, err)
	assert.True(t, res.Serving())
	got = env.task(t, task.ID)
	assert.Equal(t, models.StatusServing, got.Status)
	assert.True(t, got.IsServing)

	env.containers.restartPort = 8042
	_, err = env.coord.RestartContainer(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(8042), env.task(t, task.ID).ServePort.Int64)

	status, err := env.coord.ContainerStatus(ctx, task.ID)
	require.NoError(t, err)
	assert.True(t, status.Running)
	assert.Equal(t, 8042, status.Port)

	stats, err := env.coord.Containers(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Running)

	res, err = env.coord.RemoveContainer(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, container.StatusRemoved, res.Status)
	got = env.task(t, task.ID)
	assert.Equal(t, models.StatusBuilt, got.Status)
	assert.False(t, got.IsServing)
	assert.DirExists(t, got.OutputDir.String)
	assert.Contains(t, got.Logs, "Container removed")
}

func TestContainerControlGuards(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.coord.StartContainer(ctx, 999)
	assert.ErrorIs(t, err, ErrNotFound)

	pending, err := env.coord.Submit(ctx, Submission{Name: "demo", OsmFile: "demo.pbf"})
	require.NoError(t, err)
	_, err = env.coord.StartContainer(ctx, pending.ID)
	assert.ErrorIs(t, err, ErrConflict)
	_, err = env.coord.StopContainer(ctx, pending.ID)
	assert.ErrorIs(t, err, ErrConflict)

	// failed during preparation, nothing to serve
	env.queue.drain(t, env.coord)
	require.Equal(t, models.StatusError, env.task(t, pending.ID).Status)
	_, err = env.coord.StartContainer(ctx, pending.ID)
	assert.ErrorIs(t, err, ErrNotReady)
	assert.Empty(t, env.containers.started)
}

func TestStartContainerRevivesFailedTask(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	task := env.serveGraph(t, "demo")

	rec, err := tasks.Load(ctx, env.store, task.ID, testLimits)
	require.NoError(t, err)
	require.NoError(t, rec.Fail(ctx, "Worker lost"))
	require.Equal(t, models.StatusError, env.task(t, task.ID).Status)

	res, err := env.coord.StartContainer(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, container.StatusAlreadyRunning, res.Status)
	got := env.task(t, task.ID)
	assert.Equal(t, models.StatusServing, got.Status)
	assert.True(t, got.IsServing)
}

func TestStartContainerFailureKeepsStatus(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := builtTask(t, env, "demo", 0)
	env.containers.startFailure = "Failed to start container: port is already allocated"

	res, err := env.coord.StartContainer(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, container.StatusError, res.Status)
	got := env.task(t, id)
	assert.Equal(t, models.StatusBuilt, got.Status)
	assert.False(t, got.IsServing)
	assert.Contains(t, got.Logs, "port is already allocated")
}

func TestReconcile(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	oldAlpha := builtTask(t, env, "alpha", 0)
	alpha := builtTask(t, env, "alpha", 0)
	beta := builtTask(t, env, "beta", 8003)
	delta := builtTask(t, env, "delta", 8004)

	gamma := &models.BuildTask{Name: "gamma", OsmFile: "gamma.pbf"}
	require.NoError(t, env.store.CreateTask(ctx, gamma))
	setStatus(t, env.store, gamma.ID, models.StatusPreparing, models.StatusBuilding)

	env.containers.running["alpha"] = 8005
	env.containers.running["gamma"] = 8006
	env.containers.running["delta"] = 8007

	report, err := env.coord.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, report.Checked)
	assert.Equal(t, 3, report.Updated)
	assert.Equal(t, 3, report.Running)

	got := env.task(t, alpha)
	assert.Equal(t, models.StatusServing, got.Status)
	assert.True(t, got.IsServing)
	assert.Equal(t, int64(8005), got.ServePort.Int64)

	got = env.task(t, oldAlpha)
	assert.Equal(t, models.StatusBuilt, got.Status)
	assert.False(t, got.IsServing)

	got = env.task(t, beta)
	assert.Equal(t, models.StatusBuilt, got.Status)
	assert.False(t, got.IsServing)

	got = env.task(t, delta)
	assert.Equal(t, models.StatusServing, got.Status)
	assert.Equal(t, int64(8007), got.ServePort.Int64)

	got = env.task(t, gamma.ID)
	assert.Equal(t, models.StatusBuilding, got.Status)
	assert.False(t, got.IsServing)

	// a second pass has nothing left to repair
	report, err = env.coord.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Updated)
}

func TestReconcileFlagsFailedTaskWithLiveContainer(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := builtTask(t, env, "demo", 0)

	rec, err := tasks.Load(ctx, env.store, id, testLimits)
	require.NoError(t, err)
	require.NoError(t, rec.Fail(ctx, "Serving phase lost"))
	env.containers.running["demo"] = 8002

	report, err := env.coord.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Updated)

	got := env.task(t, id)
	assert.True(t, got.IsServing)
	assert.Equal(t, int64(8002), got.ServePort.Int64)
	assert.Equal(t, models.StatusError, got.Status)
}
