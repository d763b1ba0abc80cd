package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"graphrunner/internal/config"
	"graphrunner/internal/queue"
)

type Options struct {
	Concurrency int
	Heartbeat   time.Duration
}

func OptionsFromConfig(conf *config.GRConfig) Options {
	return Options{
		Concurrency: conf.Worker.Concurrency,
		Heartbeat:   time.Duration(conf.Worker.HeartbeatSec) * time.Second,
	}
}

// Worker consumes pipeline units from the queue. Each of its consumers runs one unit at a time and
// keeps a heartbeat alive so the scheduler can recover the units of a worker that died.
type Worker struct {
	ID        string
	queue     queue.Client
	handler   queue.Handler
	onFailure queue.FailureFunc
	opts      Options
	ctx       context.Context
	cancel    context.CancelFunc

	mu      sync.Mutex
	running map[int64]map[uuid.UUID]context.CancelFunc // units in flight by build task id
}

func NewWorker(q queue.Client, handler queue.Handler, onFailure queue.FailureFunc, opts Options) *Worker {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 10 * time.Second
	}
	id := uuid.New().String()
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		ID:        id,
		queue:     q,
		handler:   handler,
		onFailure: onFailure,
		opts:      opts,
		ctx:       ctx,
		cancel:    cancel,
		running:   map[int64]map[uuid.UUID]context.CancelFunc{},
	}
}

// Consumers lists the queue consumer names of this worker
func (w *Worker) Consumers() []string {
	names := make([]string, w.opts.Concurrency)
	for i := range names {
		names[i] = fmt.Sprintf("%s-%d", w.ID, i)
	}
	return names
}

// Start is a blocking function. It consumes units until Stop is called or the queue fails.
func (w *Worker) Start() error {
	consumers := w.Consumers()

	// announce the consumers before they take their first unit
	if err := w.beat(w.ctx, consumers); err != nil {
		return fmt.Errorf("could not register worker: %w", err)
	}

	revoked, err := w.queue.Revocations(w.ctx)
	if err != nil {
		return fmt.Errorf("could not listen for revocations: %w", err)
	}

	g, ctx := errgroup.WithContext(w.ctx)
	g.Go(func() error {
		w.sendHeartbeats(ctx, consumers)
		return nil
	})
	g.Go(func() error {
		w.listenForRevocations(ctx, revoked)
		return nil
	})
	for _, consumer := range consumers {
		consumer := consumer
		g.Go(func() error {
			return w.queue.Subscribe(ctx, consumer, w.run, w.onFailure)
		})
	}

	log.Info().Str("worker_id", w.ID).Int("concurrency", len(consumers)).Msg("Worker started")
	err = g.Wait()
	if errors.Is(err, context.Canceled) && w.ctx.Err() != nil {
		return nil
	}
	return err
}

func (w *Worker) Stop() {
	w.cancel()
}

// run executes a unit with a context that is cancelled when its build task is revoked
func (w *Worker) run(ctx context.Context, msg queue.TaskMessage) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w.mu.Lock()
	units, ok := w.running[msg.BuildTaskID]
	if !ok {
		units = map[uuid.UUID]context.CancelFunc{}
		w.running[msg.BuildTaskID] = units
	}
	units[msg.ID] = cancel
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		delete(w.running[msg.BuildTaskID], msg.ID)
		if len(w.running[msg.BuildTaskID]) == 0 {
			delete(w.running, msg.BuildTaskID)
		}
		w.mu.Unlock()
	}()

	logger := log.With().Str("worker_id", w.ID).Int64("task_id", msg.BuildTaskID).Str("unit", string(msg.Kind)).Logger()
	logger.Info().Msg("Executing unit")
	start := time.Now()
	err := w.handler(ctx, msg)
	logger.Info().Dur("elapsed", time.Since(start)).Err(err).Msg("Unit finished")
	return err
}

// cancelTask stops the units of a build task running in this worker and returns how many there were
func (w *Worker) cancelTask(buildTaskID int64) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	units := w.running[buildTaskID]
	for _, cancel := range units {
		cancel()
	}
	return len(units)
}

func (w *Worker) listenForRevocations(ctx context.Context, revoked <-chan int64) {
	for {
		select {
		case <-ctx.Done():
			return
		case id, ok := <-revoked:
			if !ok {
				return
			}
			if n := w.cancelTask(id); n > 0 {
				log.Info().Str("worker_id", w.ID).Int64("task_id", id).Int("units", n).Msg("Cancelled revoked units")
			}
		}
	}
}

// sendHeartbeats refreshes the consumer heartbeats until ctx is done. A heartbeat lives three
// intervals, so a single missed beat does not get the units of a live worker reaped.
func (w *Worker) sendHeartbeats(ctx context.Context, consumers []string) {
	ticker := time.NewTicker(w.opts.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.beat(ctx, consumers); err != nil && ctx.Err() == nil {
				log.Error().
					Err(err).
					Str("worker_id", w.ID).
					Msg("Could not update worker heartbeat")
			}
		}
	}
}

func (w *Worker) beat(ctx context.Context, consumers []string) error {
	var errs []error
	for _, consumer := range consumers {
		errs = append(errs, w.queue.Heartbeat(ctx, consumer, 3*w.opts.Heartbeat))
	}
	return errors.Join(errs...)
}
