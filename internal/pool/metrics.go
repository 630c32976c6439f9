package pool

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the sandbox registry.
type Metrics struct {
	Active             prometheus.Gauge
	Created            prometheus.Counter
	CreateFailures     prometheus.Counter
	CapacityRejections prometheus.Counter
	Stopped            prometheus.Counter
	Evicted            prometheus.Counter
	Ephemeral          prometheus.Counter
	Executions         *prometheus.CounterVec
	ExecDuration       *prometheus.HistogramVec
	SweepDuration      prometheus.Histogram
}

// NewMetrics creates and registers pool metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		Active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "boxd",
			Subsystem: "pool",
			Name:      "active_sandboxes",
			Help:      "Sandboxes currently registered.",
		}),
		Created: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "boxd",
			Subsystem: "pool",
			Name:      "sandboxes_created_total",
			Help:      "Total sandboxes started and registered.",
		}),
		CreateFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "boxd",
			Subsystem: "pool",
			Name:      "create_failures_total",
			Help:      "Total sandbox creations that failed to start.",
		}),
		CapacityRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "boxd",
			Subsystem: "pool",
			Name:      "capacity_rejections_total",
			Help:      "Total create calls rejected because the pool was full.",
		}),
		Stopped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "boxd",
			Subsystem: "pool",
			Name:      "sandboxes_stopped_total",
			Help:      "Total sandboxes stopped on request or at shutdown.",
		}),
		Evicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "boxd",
			Subsystem: "pool",
			Name:      "sandboxes_evicted_total",
			Help:      "Total sandboxes removed by the idle sweep.",
		}),
		Ephemeral: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "boxd",
			Subsystem: "pool",
			Name:      "ephemeral_runs_total",
			Help:      "Total one-shot runs in unregistered sandboxes.",
		}),
		Executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "boxd",
			Subsystem: "pool",
			Name:      "executions_total",
			Help:      "Total code executions by language and outcome.",
		}, []string{"language", "outcome"}),
		ExecDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "boxd",
			Subsystem: "pool",
			Name:      "execution_duration_seconds",
			Help:      "Wall-clock duration of code executions.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"language"}),
		SweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "boxd",
			Subsystem: "pool",
			Name:      "sweep_duration_seconds",
			Help:      "Duration of each idle sweep.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}),
	}

	reg.MustRegister(
		m.Active,
		m.Created,
		m.CreateFailures,
		m.CapacityRejections,
		m.Stopped,
		m.Evicted,
		m.Ephemeral,
		m.Executions,
		m.ExecDuration,
		m.SweepDuration,
	)

	return m
}
