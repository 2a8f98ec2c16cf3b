package broker

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the execution broker.
type Metrics struct {
	Executions   *prometheus.CounterVec
	Rejected     prometheus.Counter
	Cancelled    prometheus.Counter
	Duration     *prometheus.HistogramVec
	QueueDepth   prometheus.Gauge
	SlotsInUse   prometheus.Gauge
	QueueLatency prometheus.Histogram
}

// NewMetrics creates and registers broker metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		Executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kimbia",
			Subsystem: "broker",
			Name:      "executions_total",
			Help:      "Total executions completed, by language and outcome.",
		}, []string{"language", "outcome"}),
		Rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kimbia",
			Subsystem: "broker",
			Name:      "rejected_total",
			Help:      "Total submissions rejected because the caller was at capacity.",
		}),
		Cancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kimbia",
			Subsystem: "broker",
			Name:      "cancelled_total",
			Help:      "Total submissions cancelled before completion.",
		}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "kimbia",
			Subsystem: "broker",
			Name:      "execution_duration_seconds",
			Help:      "Wall time of completed executions, by language.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"language"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kimbia",
			Subsystem: "broker",
			Name:      "queue_depth",
			Help:      "Submissions waiting for a slot.",
		}),
		SlotsInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kimbia",
			Subsystem: "broker",
			Name:      "slots_in_use",
			Help:      "Executions currently running.",
		}),
		QueueLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "kimbia",
			Subsystem: "broker",
			Name:      "queue_wait_seconds",
			Help:      "Time a submission spent queued before starting.",
			Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 15, 60},
		}),
	}

	reg.MustRegister(
		m.Executions,
		m.Rejected,
		m.Cancelled,
		m.Duration,
		m.QueueDepth,
		m.SlotsInUse,
		m.QueueLatency,
	)

	return m
}
