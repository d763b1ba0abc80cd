package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"graphrunner/internal/models"
)

// MemoryStore is a process-local Store used for development setups and tests. It enforces the
// same version checks and active-name reservation as the Postgres schema.
type MemoryStore struct {
	mu     sync.Mutex
	tasks  map[int64]*models.BuildTask
	feeds  map[int64]*models.GtfsSource
	nextID int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks: make(map[int64]*models.BuildTask),
		feeds: make(map[int64]*models.GtfsSource),
	}
}

func (m *MemoryStore) CreateTask(_ context.Context, task *models.BuildTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	task.ID = m.nextID
	task.CreatedAt = time.Now().UTC()
	task.Version = 0
	if task.Status == "" {
		task.Status = models.StatusPending
	}
	if task.FeedIDs == nil {
		task.FeedIDs = models.FeedRefs{}
	}
	m.tasks[task.ID] = task.Clone()
	return nil
}

func (m *MemoryStore) GetTask(_ context.Context, id int64) (*models.BuildTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return task.Clone(), nil
}

func (m *MemoryStore) UpdateTask(_ context.Context, task *models.BuildTask, fields ...Field) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.tasks[task.ID]
	if !ok {
		return ErrNotFound
	}
	if current.Version != task.Version {
		return ErrConflict
	}

	next := current.Clone()
	for _, f := range fieldsOrAll(fields) {
		switch f {
		case FieldStatus:
			next.Status = task.Status
		case FieldStartedAt:
			next.StartedAt = task.StartedAt
		case FieldFinishedAt:
			next.FinishedAt = task.FinishedAt
		case FieldLogs:
			next.Logs = task.Logs
		case FieldLastLogAt:
			next.LastLogAt = task.LastLogAt
		case FieldOutputDir:
			next.OutputDir = task.OutputDir
		case FieldIsReady:
			next.IsReady = task.IsReady
		case FieldIsServing:
			next.IsServing = task.IsServing
		case FieldServePort:
			next.ServePort = task.ServePort
		}
	}

	if next.Status.IsBuilding() {
		for id, other := range m.tasks {
			if id != next.ID && other.Name == next.Name && other.Status.IsBuilding() {
				return ErrActiveBuild
			}
		}
	}

	next.Version++
	m.tasks[task.ID] = next
	task.Version = next.Version
	return nil
}

func (m *MemoryStore) DeleteTask(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tasks[id]; !ok {
		return ErrNotFound
	}
	delete(m.tasks, id)
	return nil
}

func (m *MemoryStore) ListTasks(_ context.Context, limit int) ([]models.BuildTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tasks := make([]models.BuildTask, 0, len(m.tasks))
	for _, t := range m.tasks {
		tasks = append(tasks, *t.Clone())
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID > tasks[j].ID })
	if limit > 0 && len(tasks) > limit {
		tasks = tasks[:limit]
	}
	return tasks, nil
}

func (m *MemoryStore) HasActiveBuild(_ context.Context, name string, excludeID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, t := range m.tasks {
		if id != excludeID && t.Name == name && t.Status.IsBuilding() {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) CountByName(_ context.Context, name string, excludeID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for id, t := range m.tasks {
		if id != excludeID && t.Name == name {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) CreateFeed(_ context.Context, feed *models.GtfsSource) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.feeds {
		if existing.SourceID == feed.SourceID {
			existing.Name, existing.URL, existing.IsActive = feed.Name, feed.URL, feed.IsActive
			feed.ID, feed.CreatedAt = existing.ID, existing.CreatedAt
			return nil
		}
	}

	m.nextID++
	feed.ID = m.nextID
	feed.CreatedAt = time.Now().UTC()
	f := *feed
	m.feeds[feed.ID] = &f
	return nil
}

func (m *MemoryStore) GetFeed(_ context.Context, id int64) (*models.GtfsSource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	feed, ok := m.feeds[id]
	if !ok {
		return nil, ErrNotFound
	}
	f := *feed
	return &f, nil
}

func (m *MemoryStore) ListFeeds(_ context.Context) ([]models.GtfsSource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	feeds := make([]models.GtfsSource, 0, len(m.feeds))
	for _, f := range m.feeds {
		feeds = append(feeds, *f)
	}
	sort.Slice(feeds, func(i, j int) bool { return feeds[i].Name < feeds[j].Name })
	return feeds, nil
}
