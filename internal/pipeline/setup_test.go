package pipeline

import (
	"archive/zip"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"graphrunner/internal/container"
	"graphrunner/internal/fetcher"
	"graphrunner/internal/models"
	"graphrunner/internal/queue"
	"graphrunner/internal/store"
	"graphrunner/internal/tasks"
)

var testLimits = tasks.Limits{MaxSize: 200_000, TrimTo: 100_000}

// recordingQueue keeps published units in memory so tests can run them one by one
type recordingQueue struct {
	mu         sync.Mutex
	ready      []queue.TaskMessage
	scheduled  []scheduledUnit
	revoked    []int64
	publishErr error
}

type scheduledUnit struct {
	at      time.Time
	message queue.TaskMessage
}

func newRecordingQueue() *recordingQueue {
	return &recordingQueue{}
}

func (q *recordingQueue) Publish(_ context.Context, message queue.TaskMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.publishErr != nil {
		return q.publishErr
	}
	q.ready = append(q.ready, message)
	return nil
}

func (q *recordingQueue) PublishAt(_ context.Context, message queue.TaskMessage, at time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.publishErr != nil {
		return q.publishErr
	}
	q.scheduled = append(q.scheduled, scheduledUnit{at: at, message: message})
	return nil
}

func (q *recordingQueue) Revoke(_ context.Context, buildTaskID int64) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.revoked = append(q.revoked, buildTaskID)

	kept := q.ready[:0]
	n := 0
	for _, m := range q.ready {
		if m.BuildTaskID == buildTaskID {
			n++
			continue
		}
		kept = append(kept, m)
	}
	q.ready = kept
	return n, nil
}

func (q *recordingQueue) pop() (queue.TaskMessage, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.ready) == 0 {
		return queue.TaskMessage{}, false
	}
	m := q.ready[0]
	q.ready = q.ready[1:]
	return m, true
}

// drain runs queued units until the queue is empty and returns the kinds that ran
func (q *recordingQueue) drain(t *testing.T, c *Coordinator) []queue.Kind {
	t.Helper()
	var kinds []queue.Kind
	for i := 0; i < 50; i++ {
		m, ok := q.pop()
		if !ok {
			return kinds
		}
		kinds = append(kinds, m.Kind)
		require.NoError(t, c.Handle(context.Background(), m))
	}
	t.Fatal("queue did not drain")
	return nil
}

// fakeContainers hands out ports from 8002 upwards and remembers which graphs run
type fakeContainers struct {
	mu      sync.Mutex
	running map[string]int
	stopped map[string]int

	startFailure string
	restartPort  int

	started []string
	removed []string
}

func newFakeContainers() *fakeContainers {
	return &fakeContainers{running: map[string]int{}, stopped: map[string]int{}}
}

func (f *fakeContainers) Start(_ context.Context, graph, _ string, _ int) container.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, graph)

	if f.startFailure != "" {
		return container.Result{Status: container.StatusError, Message: f.startFailure}
	}
	if port, ok := f.running[graph]; ok {
		return container.Result{Status: container.StatusAlreadyRunning, Port: port, Message: "container already running"}
	}
	if port, ok := f.stopped[graph]; ok {
		delete(f.stopped, graph)
		f.running[graph] = port
		return container.Result{Status: container.StatusRestarted, Port: port, Message: "container restarted"}
	}

	used := map[int]bool{}
	for _, p := range f.running {
		used[p] = true
	}
	for _, p := range f.stopped {
		used[p] = true
	}
	port := 8002
	for used[port] {
		port++
	}
	f.running[graph] = port
	return container.Result{Status: container.StatusStarted, ContainerID: "id-" + graph, Port: port, Message: "container started"}
}

func (f *fakeContainers) Stop(_ context.Context, graph string) container.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	port, ok := f.running[graph]
	if !ok {
		if _, ok := f.stopped[graph]; ok {
			return container.Result{Status: container.StatusStopped, Message: "container stopped"}
		}
		return container.Result{Status: container.StatusNotFound, Message: "container not found"}
	}
	delete(f.running, graph)
	f.stopped[graph] = port
	return container.Result{Status: container.StatusStopped, Message: "container stopped"}
}

func (f *fakeContainers) Restart(_ context.Context, graph string) container.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	port, ok := f.running[graph]
	if !ok {
		if port, ok = f.stopped[graph]; !ok {
			return container.Result{Status: container.StatusNotFound, Message: "container not found"}
		}
		delete(f.stopped, graph)
	}
	if f.restartPort > 0 {
		port = f.restartPort
	}
	f.running[graph] = port
	return container.Result{Status: container.StatusRestarted, Port: port, Message: "container restarted"}
}

func (f *fakeContainers) Remove(_ context.Context, graph string, _ bool) container.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, graph)
	_, running := f.running[graph]
	_, stopped := f.stopped[graph]
	if !running && !stopped {
		return container.Result{Status: container.StatusNotFound, Message: "container not found"}
	}
	delete(f.running, graph)
	delete(f.stopped, graph)
	return container.Result{Status: container.StatusRemoved, Message: "container removed"}
}

func (f *fakeContainers) Status(_ context.Context, graph string) container.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	if port, ok := f.running[graph]; ok {
		return container.Status{Status: "running", Running: true, Port: port}
	}
	if port, ok := f.stopped[graph]; ok {
		return container.Status{Status: "exited", Port: port}
	}
	return container.Status{Status: container.StatusNotFound}
}

func (f *fakeContainers) ListManaged(_ context.Context) ([]container.Managed, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []container.Managed
	for g, p := range f.running {
		out = append(out, container.Managed{Graph: g, Status: "running", Running: true, Port: p})
	}
	for g, p := range f.stopped {
		out = append(out, container.Managed{Graph: g, Status: "exited", Port: p})
	}
	return out, nil
}

func (f *fakeContainers) SystemStats(ctx context.Context) (container.SystemStats, error) {
	managed, _ := f.ListManaged(ctx)
	stats := container.SystemStats{Total: len(managed), Containers: managed}
	for _, m := range managed {
		if m.Running {
			stats.Running++
		} else {
			stats.Stopped++
		}
	}
	return stats, nil
}

func (f *fakeContainers) MountPoint() string {
	return "/data/valhalla"
}

// fakeFetcher serves canned bodies by URL
type fakeFetcher struct {
	mu     sync.Mutex
	bodies map[string][]byte
	calls  []string
}

func (f *fakeFetcher) FetchToFile(_ context.Context, url, dest string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, url)

	body, ok := f.bodies[url]
	if !ok {
		return 0, &fetcher.StatusError{URL: url, Code: 404}
	}
	if err := os.WriteFile(dest, body, 0o644); err != nil {
		return 0, err
	}
	return int64(len(body)), nil
}

type testEnv struct {
	coord      *Coordinator
	store      *store.MemoryStore
	queue      *recordingQueue
	containers *fakeContainers
	fetcher    *fakeFetcher
	graphRoot  string
	osmDir     string
}

func newTestEnv(t *testing.T, builder ...string) *testEnv {
	t.Helper()
	root := t.TempDir()
	env := &testEnv{
		store:      store.NewMemoryStore(),
		queue:      newRecordingQueue(),
		containers: newFakeContainers(),
		fetcher:    &fakeFetcher{bodies: map[string][]byte{}},
		graphRoot:  filepath.Join(root, "graphs"),
		osmDir:     filepath.Join(root, "sources", "osm"),
	}
	if len(builder) == 0 {
		builder = []string{"sh", "-c", "echo building tiles; echo; echo tiles done"}
	}
	paris, err := time.LoadLocation("Europe/Paris")
	require.NoError(t, err)

	env.coord = New(env.store, env.queue, env.containers, env.fetcher, Options{
		GraphRoot:    env.graphRoot,
		OsmSourceDir: env.osmDir,
		BuildCommand: builder,
		FlushLines:   2,
		PreviewHead:  3,
		PreviewTail:  3,
		StaleAfter:   10 * time.Minute,
		Limits:       testLimits,
		Location:     paris,
	})
	require.NoError(t, os.MkdirAll(env.osmDir, 0o755))
	return env
}

func (e *testEnv) addOsm(t *testing.T, name string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(e.osmDir, name), []byte("pbf"), 0o644))
}

func (e *testEnv) task(t *testing.T, id int64) *models.BuildTask {
	t.Helper()
	task, err := e.store.GetTask(context.Background(), id)
	require.NoError(t, err)
	return task
}

// feedZip builds a GTFS archive with exception dates only
func feedZip(t *testing.T) []byte {
	t.Helper()
	return zipOf(t, map[string]string{
		"stops.txt":          "stop_id,stop_name\n1,Gare\n",
		"calendar_dates.txt": "service_id,date,exception_type\nwknd,20250103,1\nwknd,20250104,1\n",
	})
}

func zipOf(t *testing.T, entries map[string]string) []byte {
	t.Helper()
	path := filepath.Join(t.TempDir(), "feed.zip")
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	for name, content := range entries {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = fmt.Fprint(w, content)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return data
}

// setStatus walks a task through the pipeline transitions up to status
func setStatus(t *testing.T, st store.Store, id int64, path ...models.TaskStatus) {
	t.Helper()
	ctx := context.Background()
	rec, err := tasks.Load(ctx, st, id, testLimits)
	require.NoError(t, err)
	for _, s := range path {
		require.NoError(t, rec.Transition(s))
	}
	require.NoError(t, rec.Save(ctx))
}
