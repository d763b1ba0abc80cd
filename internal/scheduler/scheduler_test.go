package scheduler_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"graphrunner/internal/pipeline"
	"graphrunner/internal/queue"
	"graphrunner/internal/scheduler"
)

func TestPromoteDue(t *testing.T) {
	q := &MockQueueClient{}
	q.On("PromoteDue", mock.Anything, mock.AnythingOfType("time.Time")).Return(2, nil).Once()
	q.On("PromoteDue", mock.Anything, mock.AnythingOfType("time.Time")).Return(0, errors.New("redis down")).Once()

	m := scheduler.NewMaintenance(q, nil, nil, scheduler.Specs{})
	assert.NoError(t, m.PromoteDue(context.Background()))
	assert.ErrorContains(t, m.PromoteDue(context.Background()), "redis down")
	q.AssertExpectations(t)
}

func TestReapLostReportsUnits(t *testing.T) {
	lost := []queue.TaskMessage{
		queue.NewMessage(queue.KindBuild, 3),
		queue.NewMessage(queue.KindPrepare, 4),
	}
	q := &MockQueueClient{}
	q.On("ReapLost", mock.Anything).Return(lost, nil).Once()
	q.On("ReapLost", mock.Anything).Return([]queue.TaskMessage{}, nil).Once()

	recorder := &lostRecorder{}
	m := scheduler.NewMaintenance(q, nil, recorder, scheduler.Specs{})
	require.NoError(t, m.ReapLost(context.Background()))
	require.NoError(t, m.ReapLost(context.Background()))

	assert.Equal(t, lost, recorder.lost)
	q.AssertExpectations(t)
}

func TestReconcile(t *testing.T) {
	rec := &fakeReconciler{report: pipeline.ReconcileReport{Checked: 3, Updated: 1, Running: 2}}
	m := scheduler.NewMaintenance(&MockQueueClient{}, rec, nil, scheduler.Specs{})
	require.NoError(t, m.Reconcile(context.Background()))
	assert.Equal(t, 1, rec.count())

	rec.err = errors.New("docker unreachable")
	assert.Error(t, m.Reconcile(context.Background()))

	assert.NoError(t, scheduler.NewMaintenance(&MockQueueClient{}, nil, nil, scheduler.Specs{}).Reconcile(context.Background()))
}

func TestStartRunsJobs(t *testing.T) {
	q := &MockQueueClient{}
	q.On("PromoteDue", mock.Anything, mock.Anything).Return(0, nil)
	q.On("ReapLost", mock.Anything).Return([]queue.TaskMessage{}, nil)
	rec := &fakeReconciler{}

	m := scheduler.NewMaintenance(q, rec, &lostRecorder{}, scheduler.Specs{
		Promote: "* * * * * *",
		Reap:    "* * * * * *",
	})
	require.NoError(t, m.Start(context.Background()))
	time.Sleep(2200 * time.Millisecond)
	m.Stop()

	// reconciliation runs once at start even without a schedule
	assert.Equal(t, 1, rec.count())
	q.AssertCalled(t, "PromoteDue", mock.Anything, mock.Anything)
	q.AssertCalled(t, "ReapLost", mock.Anything)
}

func TestStartRejectsInvalidSpec(t *testing.T) {
	m := scheduler.NewMaintenance(&MockQueueClient{}, nil, nil, scheduler.Specs{Promote: "every now and then"})
	assert.ErrorContains(t, m.Start(context.Background()), "invalid promote schedule")
}

func TestDefaultSpecsParse(t *testing.T) {
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	for _, spec := range []string{"*/5 * * * * *", "*/30 * * * * *", "0 * * * * *"} {
		schedule, err := parser.Parse(spec)
		require.NoError(t, err, spec)

		from := time.Date(2025, 1, 1, 0, 0, 1, 0, time.UTC)
		assert.True(t, schedule.Next(from).After(from))
		assert.True(t, schedule.Next(from).Before(from.Add(time.Minute)))
	}
}
