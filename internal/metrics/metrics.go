package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "graphrunner"

var (
	// UnitsTotal counts executed units of work by kind and result (ok, failed)
	UnitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "units_total",
		Help:      "Pipeline units executed, by kind and result.",
	}, []string{"kind", "result"})

	// TaskFailures counts tasks moved to error by the pipeline or the failure observer
	TaskFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "task_failures_total",
		Help:      "Build tasks marked failed, by origin.",
	}, []string{"origin"})

	BuildDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "build_duration_seconds",
		Help:      "Duration of tile builder runs.",
		Buckets:   []float64{60, 300, 900, 1800, 3600, 7200, 14400, 28800},
	}, []string{"exit_code"})

	ContainersRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "containers_running",
		Help:      "Managed routing containers seen running at the last reconciliation.",
	})

	UnitsPromoted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "units_promoted_total",
		Help:      "Scheduled units moved to the ready queue.",
	})

	UnitsLost = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "units_lost_total",
		Help:      "Units recovered from workers whose heartbeat expired.",
	})
)

func ObserveBuild(exitCode int, d time.Duration) {
	BuildDuration.WithLabelValues(strconv.Itoa(exitCode)).Observe(d.Seconds())
}

func ObserveUnit(kind string, err error) {
	result := "ok"
	if err != nil {
		result = "failed"
	}
	UnitsTotal.WithLabelValues(kind, result).Inc()
}
