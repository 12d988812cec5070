// Package metrics defines the Prometheus collectors the parameter server
// and worker expose in place of the reference system's printed counters
// and periodic rate reports (spec §7's "report rates" requirement).
package metrics

import "github.com/prometheus/client_golang/prometheus"

// ServerMetrics holds every collector registered by a parameter server
// instance.
type ServerMetrics struct {
	GradientsApplied *prometheus.CounterVec
	ActiveConnections prometheus.Gauge
	AliveTasks        prometheus.Gauge
	WatchdogSweeps    prometheus.Counter
	TasksReaped       prometheus.Counter
	RequestDuration   *prometheus.HistogramVec
}

// NewServerMetrics builds and registers the parameter server's collectors
// against reg. Pass prometheus.NewRegistry() in tests to avoid collisions
// with the global default registry.
func NewServerMetrics(reg prometheus.Registerer) *ServerMetrics {
	m := &ServerMetrics{
		GradientsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sparsehash",
			Subsystem: "paramserver",
			Name:      "gradients_applied_total",
			Help:      "Sparse gradients applied to the model, by model kind.",
		}, []string{"model"}),
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sparsehash",
			Subsystem: "paramserver",
			Name:      "active_connections",
			Help:      "Worker connections currently open.",
		}),
		AliveTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sparsehash",
			Subsystem: "paramserver",
			Name:      "alive_tasks",
			Help:      "Tasks considered alive by the watchdog's liveness check.",
		}),
		WatchdogSweeps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sparsehash",
			Subsystem: "paramserver",
			Name:      "watchdog_sweeps_total",
			Help:      "Watchdog liveness sweeps performed.",
		}),
		TasksReaped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sparsehash",
			Subsystem: "paramserver",
			Name:      "tasks_reaped_total",
			Help:      "Tasks declared dead by the watchdog and deregistered.",
		}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sparsehash",
			Subsystem: "paramserver",
			Name:      "request_duration_seconds",
			Help:      "Time spent handling one framed request, by opcode.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"opcode"}),
	}

	reg.MustRegister(
		m.GradientsApplied,
		m.ActiveConnections,
		m.AliveTasks,
		m.WatchdogSweeps,
		m.TasksReaped,
		m.RequestDuration,
	)
	return m
}

// WorkerMetrics holds every collector registered by a worker instance.
type WorkerMetrics struct {
	GradientsSent        prometheus.Counter
	SlicesPulled         prometheus.Counter
	ReconnectsTotal      prometheus.Counter
	NumericErrorsDropped prometheus.Counter
	PrefetchDepth        prometheus.Gauge
	RingDepth            prometheus.Gauge
}

// NewWorkerMetrics builds and registers a worker's collectors against reg.
func NewWorkerMetrics(reg prometheus.Registerer) *WorkerMetrics {
	m := &WorkerMetrics{
		GradientsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sparsehash",
			Subsystem: "worker",
			Name:      "gradients_sent_total",
			Help:      "Sparse gradients pushed to the parameter server.",
		}),
		SlicesPulled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sparsehash",
			Subsystem: "worker",
			Name:      "slices_pulled_total",
			Help:      "Sparse model slices pulled from the parameter server.",
		}),
		ReconnectsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sparsehash",
			Subsystem: "worker",
			Name:      "reconnects_total",
			Help:      "Times the worker reconnected after an RPC failure.",
		}),
		NumericErrorsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sparsehash",
			Subsystem: "worker",
			Name:      "numeric_errors_dropped_total",
			Help:      "Minibatches dropped after producing a NaN/Inf gradient.",
		}),
		PrefetchDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sparsehash",
			Subsystem: "worker",
			Name:      "iterator_prefetch_depth",
			Help:      "Outstanding (fetched-but-undrained) blobs held by the iterator.",
		}),
		RingDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sparsehash",
			Subsystem: "worker",
			Name:      "iterator_ring_depth",
			Help:      "Decoded minibatches waiting in the iterator's ring.",
		}),
	}

	reg.MustRegister(
		m.GradientsSent,
		m.SlicesPulled,
		m.ReconnectsTotal,
		m.NumericErrorsDropped,
		m.PrefetchDepth,
		m.RingDepth,
	)
	return m
}
