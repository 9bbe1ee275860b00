package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/martinsuchenak/protosync/internal/inherit"
)

var (
	// syncRunsTotal counts resync runs by result
	syncRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "protosync_resync_runs_total",
		Help: "Total template resync runs by result",
	}, []string{"result"})

	syncDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "protosync_resync_duration_seconds",
		Help:    "Template resync duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
	})

	syncPrototypesChanged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "protosync_resync_prototypes_changed_total",
		Help: "Host prototypes created or updated by resync runs",
	})

	syncTemplatesFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "protosync_resync_templates_failed_total",
		Help: "Templates whose resync failed",
	})
)

func observeSync(result *inherit.SyncResult, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	syncRunsTotal.WithLabelValues(outcome).Inc()

	if result == nil {
		return
	}
	syncDuration.Observe(result.Duration.Seconds())
	syncPrototypesChanged.Add(float64(result.Changed))
	syncTemplatesFailed.Add(float64(result.Failed))
}
