package observer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"graphrunner/internal/metrics"
	"graphrunner/internal/queue"
	"graphrunner/internal/store"
	"graphrunner/internal/tasks"
)

// ErrUnitLost is the cause reported for units recovered from a dead worker
var ErrUnitLost = errors.New("worker stopped responding while running the unit (crash or out-of-memory kill)")

const maxEvidenceLines = 10

// Observer records abnormal ends of pipeline units on their build task
type Observer struct {
	store       store.Store
	limits      tasks.Limits
	diagnostics Diagnostics
}

func New(st store.Store, limits tasks.Limits, diagnostics Diagnostics) *Observer {
	if diagnostics == nil {
		diagnostics = NoDiagnostics{}
	}
	return &Observer{store: st, limits: limits, diagnostics: diagnostics}
}

// OnFailure is called by the queue when a unit returned an error or panicked. A failed prepare or build
// unit moves its task to error. Failures of the serving phase, or of a unit whose task already moved
// past it, only leave a note since the built tiles stay usable.
func (o *Observer) OnFailure(ctx context.Context, msg queue.TaskMessage, cause error) {
	logger := log.With().Int64("task_id", msg.BuildTaskID).Str("unit", msg.String()).Logger()
	logger.Error().Err(cause).Msg("Unit failed")

	rec, err := tasks.Load(ctx, o.store, msg.BuildTaskID, o.limits)
	if errors.Is(err, tasks.ErrTaskGone) {
		logger.Info().Msg("Task of failed unit no longer exists")
		return
	} else if err != nil {
		logger.Error().Err(err).Msg("Could not load task of failed unit")
		return
	}

	if msg.Kind == queue.KindServe || !rec.Status().InProgress() {
		rec.Log("Phase %s failed after the task reached %s: %v", msg.Kind, rec.Status(), cause)
		o.attachEvidence(ctx, rec)
		if err := rec.Save(ctx); err != nil && !errors.Is(err, tasks.ErrTaskGone) {
			logger.Warn().Err(err).Msg("Could not record serving failure")
		}
		return
	}

	metrics.TaskFailures.WithLabelValues("observer").Inc()
	rec.Log("Phase %s ended abnormally: %v", msg.Kind, cause)
	o.attachEvidence(ctx, rec)
	if err := rec.Fail(ctx, "Task marked as failed"); err != nil {
		switch {
		case errors.Is(err, tasks.ErrTaskGone):
		case errors.Is(err, tasks.ErrTerminal):
			logger.Info().Msg("Task was already failed")
		default:
			logger.Error().Err(err).Msg("Could not mark task as failed")
		}
	}
}

// OnLost handles units recovered from a worker whose heartbeat expired
func (o *Observer) OnLost(ctx context.Context, lost []queue.TaskMessage) {
	for _, msg := range lost {
		metrics.UnitsLost.Inc()
		o.OnFailure(ctx, msg, ErrUnitLost)
	}
}

func (o *Observer) attachEvidence(ctx context.Context, rec *tasks.Record) {
	for _, line := range o.evidence(ctx) {
		rec.Log("%s", line)
	}
}

// evidence gathers the recent kernel lines about killed processes, if the host exposes them
func (o *Observer) evidence(ctx context.Context) []string {
	lines, err := o.diagnostics.Collect(ctx)
	if err != nil {
		log.Debug().Err(err).Msg("Diagnostics unavailable")
		return nil
	}

	var matched []string
	for _, line := range lines {
		lower := strings.ToLower(line)
		if strings.Contains(lower, "oom") || strings.Contains(lower, "killed process") || strings.Contains(lower, "out of memory") {
			matched = append(matched, strings.TrimSpace(line))
		}
	}
	if len(matched) == 0 {
		return nil
	}
	if len(matched) > maxEvidenceLines {
		matched = matched[len(matched)-maxEvidenceLines:]
	}

	out := make([]string, 0, len(matched)+1)
	out = append(out, fmt.Sprintf("Kernel log (last %d OOM lines):", len(matched)))
	for _, line := range matched {
		out = append(out, "  "+line)
	}
	return out
}
