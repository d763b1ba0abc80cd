package worker_test

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"
	"graphrunner/internal/queue"
)

type MockQueueClient struct {
	mock.Mock
}

func (m *MockQueueClient) Publish(ctx context.Context, message queue.TaskMessage) error {
	args := m.Called(ctx, message)
	return args.Error(0)
}

func (m *MockQueueClient) PublishAt(ctx context.Context, message queue.TaskMessage, at time.Time) error {
	args := m.Called(ctx, message, at)
	return args.Error(0)
}

func (m *MockQueueClient) Subscribe(ctx context.Context, consumer string, handler queue.Handler, onFailure queue.FailureFunc) error {
	args := m.Called(ctx, consumer, handler, onFailure)
	return args.Error(0)
}

func (m *MockQueueClient) Heartbeat(ctx context.Context, consumer string, ttl time.Duration) error {
	args := m.Called(ctx, consumer, ttl)
	return args.Error(0)
}

func (m *MockQueueClient) PromoteDue(ctx context.Context, now time.Time) (int, error) {
	args := m.Called(ctx, now)
	return args.Int(0), args.Error(1)
}

func (m *MockQueueClient) ReapLost(ctx context.Context) ([]queue.TaskMessage, error) {
	args := m.Called(ctx)
	return args.Get(0).([]queue.TaskMessage), args.Error(1)
}

func (m *MockQueueClient) Revoke(ctx context.Context, buildTaskID int64) (int, error) {
	args := m.Called(ctx, buildTaskID)
	return args.Int(0), args.Error(1)
}

func (m *MockQueueClient) Revocations(ctx context.Context) (<-chan int64, error) {
	args := m.Called(ctx)
	ch, _ := args.Get(0).(chan int64)
	return ch, args.Error(1)
}

func (m *MockQueueClient) Close() error {
	args := m.Called()
	return args.Error(0)
}
