package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"graphrunner/internal/config"
	"graphrunner/internal/metrics"
	"graphrunner/internal/pipeline"
	"graphrunner/internal/queue"
)

// Reconciler aligns stored serving flags with the live containers, see pipeline.Coordinator
type Reconciler interface {
	Reconcile(ctx context.Context) (pipeline.ReconcileReport, error)
}

// LostHandler receives the units recovered from dead workers, see observer.Observer
type LostHandler interface {
	OnLost(ctx context.Context, lost []queue.TaskMessage)
}

// Specs are the 6-field (with seconds) cron expressions of the maintenance jobs
type Specs struct {
	Promote   string
	Reap      string
	Reconcile string
}

func SpecsFromConfig(conf *config.GRConfig) Specs {
	return Specs{
		Promote:   conf.Scheduler.PromoteSpec,
		Reap:      conf.Scheduler.ReapSpec,
		Reconcile: conf.Scheduler.ReconcileSpec,
	}
}

// Maintenance runs the periodic jobs that keep the queue and the task records healthy: delayed units
// are promoted when due, units of dead workers are reaped, serving flags are reconciled.
type Maintenance struct {
	queue      queue.Client
	reconciler Reconciler
	lost       LostHandler
	specs      Specs
	cron       *cron.Cron

	isRunning  bool
	context    context.Context
	cancelFunc context.CancelFunc
}

// NewMaintenance creates the maintenance scheduler. An empty spec disables its job.
func NewMaintenance(q queue.Client, reconciler Reconciler, lost LostHandler, specs Specs) *Maintenance {
	logger := cronLogger{}
	c := cron.New(
		cron.WithParser(cron.NewParser(cron.SecondOptional|cron.Minute|cron.Hour|cron.Dom|cron.Month|cron.Dow)),
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		cron.WithLogger(logger),
	)

	return &Maintenance{
		queue:      q,
		reconciler: reconciler,
		lost:       lost,
		specs:      specs,
		cron:       c,
	}
}

// Start registers the jobs and starts the cron. A reconciliation runs right away so that a restarted
// process picks up containers that changed while it was down.
func (m *Maintenance) Start(ctx context.Context) error {
	if m.isRunning {
		return nil
	}
	m.context, m.cancelFunc = context.WithCancel(ctx)

	jobs := []struct {
		name string
		spec string
		run  func(context.Context) error
	}{
		{"promote", m.specs.Promote, m.PromoteDue},
		{"reap", m.specs.Reap, m.ReapLost},
		{"reconcile", m.specs.Reconcile, m.Reconcile},
	}
	for _, job := range jobs {
		if job.spec == "" {
			log.Info().Str("job", job.name).Msg("Maintenance job disabled")
			continue
		}
		if _, err := m.cron.AddFunc(job.spec, m.wrap(job.name, job.run)); err != nil {
			m.cancelFunc()
			return fmt.Errorf("invalid %s schedule %q: %w", job.name, job.spec, err)
		}
	}

	m.isRunning = true
	m.cron.Start()
	go m.wrap("reconcile", m.Reconcile)()

	log.Info().Msg("Maintenance scheduler started")
	return nil
}

// Stop stops the cron and waits for running jobs
func (m *Maintenance) Stop() {
	if !m.isRunning {
		return
	}
	m.cancelFunc()
	<-m.cron.Stop().Done()
	m.isRunning = false
}

func (m *Maintenance) wrap(name string, run func(context.Context) error) func() {
	return func() {
		if m.context.Err() != nil {
			return
		}
		if err := run(m.context); err != nil {
			log.Error().Err(err).Str("job", name).Msg("Maintenance job failed")
		}
	}
}

// PromoteDue moves scheduled units whose start time has passed to the ready queue
func (m *Maintenance) PromoteDue(ctx context.Context) error {
	n, err := m.queue.PromoteDue(ctx, time.Now())
	if err != nil {
		return err
	}
	if n > 0 {
		metrics.UnitsPromoted.Add(float64(n))
		log.Info().Int("units", n).Msg("Scheduled units promoted")
	}
	return nil
}

// ReapLost recovers the units of workers whose heartbeat expired and reports them as failed
func (m *Maintenance) ReapLost(ctx context.Context) error {
	lost, err := m.queue.ReapLost(ctx)
	if err != nil {
		return err
	}
	if len(lost) == 0 {
		return nil
	}
	log.Warn().Int("units", len(lost)).Msg("Recovered units of lost workers")
	if m.lost != nil {
		m.lost.OnLost(ctx, lost)
	}
	return nil
}

func (m *Maintenance) Reconcile(ctx context.Context) error {
	if m.reconciler == nil {
		return nil
	}
	report, err := m.reconciler.Reconcile(ctx)
	if err != nil {
		return err
	}
	if report.Updated > 0 {
		log.Info().
			Int("checked", report.Checked).
			Int("updated", report.Updated).
			Int("running", report.Running).
			Msg("Reconciled tasks with containers")
	}
	return nil
}

// cronLogger routes the cron library's logs to zerolog
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...any) {
	log.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...any) {
	log.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
