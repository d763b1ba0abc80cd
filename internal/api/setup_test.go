package api_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"graphrunner/internal/api"
	"graphrunner/internal/container"
	"graphrunner/internal/models"
	"graphrunner/internal/pipeline"
)

type MockPipeline struct {
	mock.Mock
}

func (m *MockPipeline) Submit(ctx context.Context, sub pipeline.Submission) (*models.BuildTask, error) {
	args := m.Called(ctx, sub)
	task, _ := args.Get(0).(*models.BuildTask)
	return task, args.Error(1)
}

func (m *MockPipeline) Recreate(ctx context.Context, id int64, runAt time.Time) (*models.BuildTask, error) {
	args := m.Called(ctx, id, runAt)
	task, _ := args.Get(0).(*models.BuildTask)
	return task, args.Error(1)
}

func (m *MockPipeline) Delete(ctx context.Context, id int64) error {
	return m.Called(ctx, id).Error(0)
}

func (m *MockPipeline) Status(ctx context.Context, id int64) (*pipeline.StatusView, error) {
	args := m.Called(ctx, id)
	view, _ := args.Get(0).(*pipeline.StatusView)
	return view, args.Error(1)
}

func (m *MockPipeline) ListTasks(ctx context.Context, limit int) ([]models.BuildTask, error) {
	args := m.Called(ctx, limit)
	tasks, _ := args.Get(0).([]models.BuildTask)
	return tasks, args.Error(1)
}

func (m *MockPipeline) ListFeeds(ctx context.Context) ([]models.GtfsSource, error) {
	args := m.Called(ctx)
	feeds, _ := args.Get(0).([]models.GtfsSource)
	return feeds, args.Error(1)
}

func (m *MockPipeline) RegisterFeed(ctx context.Context, feed *models.GtfsSource) error {
	return m.Called(ctx, feed).Error(0)
}

func (m *MockPipeline) StartContainer(ctx context.Context, id int64) (container.Result, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(container.Result), args.Error(1)
}

func (m *MockPipeline) StopContainer(ctx context.Context, id int64) (container.Result, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(container.Result), args.Error(1)
}

func (m *MockPipeline) RestartContainer(ctx context.Context, id int64) (container.Result, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(container.Result), args.Error(1)
}

func (m *MockPipeline) RemoveContainer(ctx context.Context, id int64) (container.Result, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(container.Result), args.Error(1)
}

func (m *MockPipeline) ContainerStatus(ctx context.Context, id int64) (container.Status, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(container.Status), args.Error(1)
}

func (m *MockPipeline) Containers(ctx context.Context) (container.SystemStats, error) {
	args := m.Called(ctx)
	return args.Get(0).(container.SystemStats), args.Error(1)
}

func (m *MockPipeline) GetServeConfig(ctx context.Context, id int64) (*pipeline.ServeConfig, error) {
	args := m.Called(ctx, id)
	conf, _ := args.Get(0).(*pipeline.ServeConfig)
	return conf, args.Error(1)
}

func (m *MockPipeline) UpdateServeConfig(ctx context.Context, id int64, body []byte, opts pipeline.UpdateOptions) (*pipeline.UpdateResult, error) {
	args := m.Called(ctx, id, body, opts)
	res, _ := args.Get(0).(*pipeline.UpdateResult)
	return res, args.Error(1)
}

func (m *MockPipeline) Reconcile(ctx context.Context) (pipeline.ReconcileReport, error) {
	args := m.Called(ctx)
	return args.Get(0).(pipeline.ReconcileReport), args.Error(1)
}

func newServer(t *testing.T, p *MockPipeline) *api.Server {
	t.Helper()
	loc, err := time.LoadLocation("Europe/Paris")
	require.NoError(t, err)
	return api.New(context.Background(), p, &api.Config{Host: "127.0.0.1", Port: 8080, Location: loc})
}

// call sends a request through the server and returns the recorded response
func call(s *api.Server, method, target, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

var _ http.Handler = (*api.Server)(nil)
