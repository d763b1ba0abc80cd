package pipeline

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"graphrunner/internal/container"
	"graphrunner/internal/models"
	"graphrunner/internal/store"
)

func TestDefaultTemplateIsValid(t *testing.T) {
	var doc map[string]any
	require.NoError(t, json.Unmarshal(defaultTemplate, &doc))
	assert.NoError(t, ValidateServeConfig(doc))
	assert.Contains(t, doc, "mjolnir")
}

func TestValidateServeConfig(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"mjolnir not an object", `{"mjolnir": []}`, "mjolnir must be an object"},
		{"tile_dir not a string", `{"mjolnir": {"tile_dir": 3}}`, "mjolnir.tile_dir must be a string"},
		{"bad logging type", `{"mjolnir": {"logging": {"type": "syslog"}}}`, "std or file"},
		{"listen not a string", `{"httpd": {"service": {"listen": 8002}}}`, "httpd.service.listen must be a string"},
		{"unknown action", `{"loki": {"actions": ["route", "teleport"]}}`, "unknown action teleport"},
		{"actions not a list", `{"loki": {"actions": "route"}}`, "loki.actions must be a list"},
		{"limit not a number", `{"service_limits": {"auto": {"max_distance": "far"}}}`, "service_limits.auto.max_distance must be a number"},
		{"allow switch not a bool", `{"service_limits": {"status": {"allow_verbose": 1}}}`, "service_limits.status.allow_verbose must be a boolean"},
		{"limits not an object", `{"service_limits": 5}`, "service_limits must be an object"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			var doc map[string]any
			require.NoError(t, json.Unmarshal([]byte(test.doc), &doc))
			err := ValidateServeConfig(doc)
			require.Error(t, err)
			assert.Contains(t, err.Error(), test.want)
		})
	}

	var ok map[string]any
	require.NoError(t, json.Unmarshal([]byte(`{"service_limits": {"max_exclude_locations": 50, "auto": {"max_distance": 5000000.0}}}`), &ok))
	assert.NoError(t, ValidateServeConfig(ok))
}

func TestGetServeConfigDerivesUntilWritten(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.addOsm(t, "demo.pbf")
	env.upload(t, "demo", "city.zip")

	task, err := env.coord.Submit(ctx, Submission{Name: "demo", OsmFile: "demo.pbf"})
	require.NoError(t, err)

	_, err = env.coord.GetServeConfig(ctx, task.ID)
	assert.ErrorIs(t, err, ErrNotReady)
	_, err = env.coord.GetServeConfig(ctx, 999)
	assert.ErrorIs(t, err, ErrNotFound)

	// prepare only
	msg, _ := env.queue.pop()
	require.NoError(t, env.coord.Handle(ctx, msg))

	cfg, err := env.coord.GetServeConfig(ctx, task.ID)
	require.NoError(t, err)
	assert.False(t, cfg.Materialized)
	assert.Equal(t, filepath.Join(env.graphRoot, "demo", container.ServeConfigName), cfg.Path)
	assert.Equal(t, "/data/valhalla/build/tiles/valhalla", cfg.Config["mjolnir"].(map[string]any)["tile_dir"])
	assert.NoFileExists(t, cfg.Path)

	env.queue.drain(t, env.coord)
	cfg, err = env.coord.GetServeConfig(ctx, task.ID)
	require.NoError(t, err)
	assert.True(t, cfg.Materialized)
}

func TestUpdateServeConfig(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	task := env.serveGraph(t, "demo")
	path := filepath.Join(task.OutputDir.String, container.ServeConfigName)
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	t.Run("invalid document is refused", func(t *testing.T) {
		_, err := env.coord.UpdateServeConfig(ctx, task.ID, []byte(`{"loki": {"actions": ["teleport"]}}`), UpdateOptions{})
		assert.ErrorIs(t, err, ErrInvalidConfig)

		_, err = env.coord.UpdateServeConfig(ctx, task.ID, []byte(`[1, 2]`), UpdateOptions{})
		assert.ErrorIs(t, err, ErrInvalidConfig)
	})

	t.Run("dry run only validates", func(t *testing.T) {
		res, err := env.coord.UpdateServeConfig(ctx, task.ID, []byte(`{"mjolnir": {"tile_dir": "/x"}}`), UpdateOptions{DryRun: true})
		require.NoError(t, err)
		assert.True(t, res.Valid)
		assert.True(t, res.DryRun)
		assert.False(t, res.Written)

		after, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, before, after)
	})

	t.Run("write keeps a backup", func(t *testing.T) {
		env.coord.now = func() time.Time { return time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC) }
		defer func() { env.coord.now = time.Now }()

		res, err := env.coord.UpdateServeConfig(ctx, task.ID, []byte(`{"mjolnir": {"tile_dir": "/data/valhalla/tiles"}}`), UpdateOptions{})
		require.NoError(t, err)
		assert.True(t, res.Written)
		assert.Equal(t, path+".bak-20250304T050607Z", res.Backup)
		assert.Nil(t, res.Restart)

		backup, err := os.ReadFile(res.Backup)
		require.NoError(t, err)
		assert.Equal(t, before, backup)

		cfg, err := env.coord.GetServeConfig(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, "/data/valhalla/tiles", cfg.Config["mjolnir"].(map[string]any)["tile_dir"])
		assert.NotContains(t, cfg.Config, "httpd")
	})

	t.Run("merge patch keeps other keys", func(t *testing.T) {
		res, err := env.coord.UpdateServeConfig(ctx, task.ID, []byte(`{"httpd": {"service": {"listen": "tcp://*:8002"}}}`), UpdateOptions{Merge: true})
		require.NoError(t, err)
		assert.Equal(t, "/data/valhalla/tiles", res.Config["mjolnir"].(map[string]any)["tile_dir"])
		assert.Equal(t, "tcp://*:8002", res.Config["httpd"].(map[string]any)["service"].(map[string]any)["listen"])
	})

	t.Run("restart after write", func(t *testing.T) {
		env.containers.restartPort = 8010
		res, err := env.coord.UpdateServeConfig(ctx, task.ID, []byte(`{"mjolnir": {"timezone": "/data/valhalla/tz.sqlite"}}`), UpdateOptions{Merge: true, Restart: true})
		require.NoError(t, err)
		require.NotNil(t, res.Restart)
		assert.Equal(t, container.StatusRestarted, res.Restart.Status)
		assert.Equal(t, int64(8010), env.task(t, task.ID).ServePort.Int64)
	})
}

func TestUpdateServeConfigRestartGuard(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	dir := filepath.Join(env.graphRoot, "busy")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	path := filepath.Join(dir, container.ServeConfigName)
	require.NoError(t, writeJSON(path, map[string]any{"mjolnir": map[string]any{"tile_dir": "/old"}}))
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	task := &models.BuildTask{Name: "busy", OsmFile: "busy.pbf"}
	require.NoError(t, env.store.CreateTask(ctx, task))
	task.OutputDir.SetValid(dir)
	require.NoError(t, env.store.UpdateTask(ctx, task, store.FieldOutputDir))

	_, err = env.coord.UpdateServeConfig(ctx, task.ID, []byte(`{"mjolnir": {"tile_dir": "/new"}}`), UpdateOptions{Restart: true})
	assert.ErrorIs(t, err, ErrConflict)

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	backups, err := filepath.Glob(path + ".bak-*")
	require.NoError(t, err)
	assert.Empty(t, backups)
	assert.NotContains(t, env.containers.running, "busy")

	// a dry run with restart only validates
	res, err := env.coord.UpdateServeConfig(ctx, task.ID, []byte(`{"mjolnir": {"tile_dir": "/new"}}`), UpdateOptions{DryRun: true, Restart: true})
	require.NoError(t, err)
	assert.False(t, res.Written)
}

func TestWriteBuildConfigUsesTemplateFile(t *testing.T) {
	env := newTestEnv(t)
	tmpl := filepath.Join(t.TempDir(), "template.json")
	require.NoError(t, os.WriteFile(tmpl, []byte(`{"mjolnir": {"concurrency": 2}, "loki": {"actions": ["route"]}}`), 0o644))
	env.coord.opts.ConfigTemplate = tmpl

	dir := filepath.Join(env.graphRoot, "demo")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, env.coord.writeBuildConfig(dir))

	raw, err := os.ReadFile(filepath.Join(dir, buildConfigName))
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	mjolnir := doc["mjolnir"].(map[string]any)
	assert.Equal(t, float64(2), mjolnir["concurrency"])
	assert.Equal(t, filepath.Join(dir, "build", "tiles", "transit_tiles"), mjolnir["transit_dir"])
	assert.Equal(t, filepath.Join(dir, "build", "tiles", "transit-feeds"), mjolnir["transit_feeds_dir"])

	env.coord.opts.ConfigTemplate = filepath.Join(t.TempDir(), "missing.json")
	assert.Error(t, env.coord.writeBuildConfig(dir))
}

func TestDeriveServeConfigFallsBackToServeDoc(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, writeJSON(filepath.Join(dir, container.ServeConfigName), map[string]any{
		"httpd": map[string]any{"service": map[string]any{"access_control": map[string]any{"allow_origin": "https://maps.example.org"}}},
	}))

	doc, source, err := deriveServeConfig(dir, "/data/valhalla")
	require.NoError(t, err)
	assert.Equal(t, container.ServeConfigName, source)
	ac := doc["httpd"].(map[string]any)["service"].(map[string]any)["access_control"].(map[string]any)
	assert.Equal(t, "https://maps.example.org", ac["allow_origin"])
	assert.Equal(t, "GET, POST, OPTIONS", ac["allow_methods"])

	empty, source, err := deriveServeConfig(t.TempDir(), "/data/valhalla")
	require.NoError(t, err)
	assert.Empty(t, source)
	assert.Contains(t, empty, "httpd")
}

func TestStartContainerWritesMissingServeConfig(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	task := env.serveGraph(t, "demo")
	path := filepath.Join(task.OutputDir.String, container.ServeConfigName)

	_, err := env.coord.StopContainer(ctx, task.ID)
	require.NoError(t, err)
	require.NoError(t, os.Remove(path))

	res, err := env.coord.StartContainer(ctx, task.ID)
	require.NoError(t, err)
	assert.True(t, res.Serving())
	assert.FileExists(t, path)
	assert.Equal(t, models.StatusServing, env.task(t, task.ID).Status)
}
