// Package metrics exposes run-level Prometheus collectors. They are served
// by the status HTTP surface when it is enabled.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	JobsLaunched = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "traind",
		Subsystem: "jobs",
		Name:      "launched_total",
		Help:      "Total training jobs launched",
	})

	JobsSucceeded = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "traind",
		Subsystem: "jobs",
		Name:      "succeeded_total",
		Help:      "Training jobs that exited 0",
	})

	JobsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "traind",
		Subsystem: "jobs",
		Name:      "failed_total",
		Help:      "Training jobs that exited nonzero or failed to launch",
	})

	JobsTimedOut = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "traind",
		Subsystem: "jobs",
		Name:      "timed_out_total",
		Help:      "Training jobs that exceeded the wait budget",
	})

	RunDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "traind",
		Subsystem: "runs",
		Name:      "duration_seconds",
		Help:      "Wall-clock duration of orchestrated runs",
		Buckets:   prometheus.ExponentialBuckets(1, 4, 10),
	})

	AllocatedMemoryMB = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "traind",
		Subsystem: "gpu",
		Name:      "allocated_memory_mb",
		Help:      "Memory granted to jobs per device",
	}, []string{"device"})
)

func init() {
	prometheus.MustRegister(JobsLaunched, JobsSucceeded, JobsFailed, JobsTimedOut, RunDuration, AllocatedMemoryMB)
}
