package worker_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"graphrunner/internal/queue"
	"graphrunner/internal/worker"
)

const heartbeat = 50 * time.Millisecond

// startWorker runs w in the background and returns a channel with the result of Start
func startWorker(w *worker.Worker) <-chan error {
	done := make(chan error, 1)
	go func() { done <- w.Start() }()
	return done
}

func waitStopped(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for the worker to stop")
		return nil
	}
}

// subscribeOnce makes every Subscribe call deliver message to the handler, then wait for shutdown
func subscribeOnce(q *MockQueueClient, message func() queue.TaskMessage) {
	q.On("Subscribe", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			ctx := args.Get(0).(context.Context)
			handler := args.Get(2).(queue.Handler)
			_ = handler(ctx, message())
			<-ctx.Done()
		}).
		Return(context.Canceled)
}

func TestWorkerConsumesUnits(t *testing.T) {
	q := &MockQueueClient{}
	q.On("Heartbeat", mock.Anything, mock.Anything, 3*heartbeat).Return(nil)
	q.On("Revocations", mock.Anything).Return(make(chan int64), nil)

	var mu sync.Mutex
	var wg sync.WaitGroup
	wg.Add(3)
	handled := map[int64]bool{}
	handler := func(_ context.Context, msg queue.TaskMessage) error {
		mu.Lock()
		handled[msg.BuildTaskID] = true
		mu.Unlock()
		wg.Done()
		return nil
	}

	var next int64
	var nextMu sync.Mutex
	subscribeOnce(q, func() queue.TaskMessage {
		nextMu.Lock()
		defer nextMu.Unlock()
		next++
		return queue.NewMessage(queue.KindPrepare, next)
	})

	w := worker.NewWorker(q, handler, nil, worker.Options{Concurrency: 3, Heartbeat: heartbeat})
	assert.Equal(t, []string{w.ID + "-0", w.ID + "-1", w.ID + "-2"}, w.Consumers())

	done := startWorker(w)
	wg.Wait()
	time.Sleep(2 * heartbeat)
	w.Stop()
	require.NoError(t, waitStopped(t, done))

	assert.Equal(t, map[int64]bool{1: true, 2: true, 3: true}, handled)
	for _, consumer := range w.Consumers() {
		q.AssertCalled(t, "Subscribe", mock.Anything, consumer, mock.Anything, mock.Anything)
		q.AssertCalled(t, "Heartbeat", mock.Anything, consumer, 3*heartbeat)
	}
}

func TestWorkerCancelsRevokedUnits(t *testing.T) {
	q := &MockQueueClient{}
	revoked := make(chan int64)
	q.On("Heartbeat", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	q.On("Revocations", mock.Anything).Return(revoked, nil)

	started := make(chan struct{})
	result := make(chan error, 1)
	handler := func(ctx context.Context, msg queue.TaskMessage) error {
		close(started)
		<-ctx.Done()
		result <- ctx.Err()
		return ctx.Err()
	}
	subscribeOnce(q, func() queue.TaskMessage { return queue.NewMessage(queue.KindBuild, 7) })

	w := worker.NewWorker(q, handler, nil, worker.Options{Concurrency: 1, Heartbeat: heartbeat})
	done := startWorker(w)
	<-started

	// another task is not affected
	revoked <- 8
	select {
	case <-result:
		t.Fatal("unit of another task was cancelled")
	case <-time.After(100 * time.Millisecond):
	}

	revoked <- 7
	select {
	case err := <-result:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("revoked unit was not cancelled")
	}

	w.Stop()
	require.NoError(t, waitStopped(t, done))
}

func TestWorkerFailsWithoutRegistration(t *testing.T) {
	q := &MockQueueClient{}
	q.On("Heartbeat", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("connection refused"))

	w := worker.NewWorker(q, nil, nil, worker.Options{Concurrency: 2})
	err := w.Start()
	assert.ErrorContains(t, err, "connection refused")
	q.AssertNotCalled(t, "Subscribe", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestWorkerReturnsQueueErrors(t *testing.T) {
	q := &MockQueueClient{}
	q.On("Heartbeat", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	q.On("Revocations", mock.Anything).Return(make(chan int64), nil)
	q.On("Subscribe", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(errors.New("queue closed"))

	w := worker.NewWorker(q, nil, nil, worker.Options{Concurrency: 1, Heartbeat: heartbeat})
	err := waitStopped(t, startWorker(w))
	assert.ErrorContains(t, err, "queue closed")
}
