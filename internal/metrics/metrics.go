// Package metrics collects the scheduler's Prometheus metrics in one
// place, registered on a private registry so embedding applications keep
// control of what they expose.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace for all metrics
const namespace = "fibersched"

// Collector provides a central place for all scheduler metrics
type Collector struct {
	// Job lifecycle metrics
	JobsDispatched prometheus.Counter
	JobsCompleted  prometheus.Counter
	JobsRequeued   prometheus.Counter
	ActiveJobs     prometheus.Gauge
	JobRunDuration prometheus.Histogram

	// Ready queue metrics
	QueueDepth *prometheus.GaugeVec

	// Fiber metrics
	FibersInUse     *prometheus.GaugeVec
	FiberStarvation prometheus.Counter

	// Wait primitive metrics
	WaitTimeouts       prometheus.Counter
	CallbacksScheduled prometheus.Counter

	registry *prometheus.Registry
}

// NewCollector creates a new metrics collector
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
	}

	c.JobsDispatched = promauto.With(registry).NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "jobs",
		Name:      "dispatched_total",
		Help:      "Total number of jobs dispatched to the scheduler",
	})

	c.JobsCompleted = promauto.With(registry).NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "jobs",
		Name:      "completed_total",
		Help:      "Total number of jobs that ran to completion",
	})

	c.JobsRequeued = promauto.With(registry).NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "jobs",
		Name:      "requeued_total",
		Help:      "Total number of times a job was requeued onto the ready queues, initial dispatch included",
	})

	c.ActiveJobs = promauto.With(registry).NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "jobs",
		Name:      "active",
		Help:      "Jobs dispatched but not yet completed",
	})

	c.JobRunDuration = promauto.With(registry).NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "jobs",
		Name:      "run_slice_seconds",
		Help:      "Wall time of individual run slices between suspension points",
		Buckets:   prometheus.ExponentialBuckets(0.000001, 4, 12),
	})

	c.QueueDepth = promauto.With(registry).NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Number of ready job indices per priority queue",
	}, []string{"priority"})

	c.FibersInUse = promauto.With(registry).NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "fibers",
		Name:      "in_use",
		Help:      "Fibers bound to jobs, per fiber pool",
	}, []string{"pool"})

	c.FiberStarvation = promauto.With(registry).NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "fibers",
		Name:      "starvation_total",
		Help:      "Times a ready job was requeued because no fiber was free",
	})

	c.WaitTimeouts = promauto.With(registry).NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "waits",
		Name:      "timeouts_total",
		Help:      "Waits that ended by timeout rather than signal",
	})

	c.CallbacksScheduled = promauto.With(registry).NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "callbacks",
		Name:      "scheduled_total",
		Help:      "Latent callbacks armed for timed waits and sleeps",
	})

	return c
}

// Registry returns the private registry for exposition via promhttp.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}
