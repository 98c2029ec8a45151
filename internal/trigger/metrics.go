package trigger

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks trigger evaluation latency and outcomes.
type Metrics struct {
	evaluation     *prometheus.HistogramVec
	outcomes       *prometheus.CounterVec
	claimConflicts prometheus.Counter
	staleTicks     prometheus.Counter
	armed          prometheus.Gauge
}

// NewMetrics constructs and registers trigger metrics with the provided registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		evaluation: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{ //nolint:exhaustruct
				Namespace: "tradecore",
				Subsystem: "trigger",
				Name:      "tick_evaluation_seconds",
				Help:      "Time to evaluate and execute the armed orders satisfied by one tick.",
				Buckets:   prometheus.ExponentialBuckets(0.00005, 2, 16),
			},
			[]string{"policy"},
		),
		outcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{ //nolint:exhaustruct
				Namespace: "tradecore",
				Subsystem: "trigger",
				Name:      "executions_total",
				Help:      "Trigger executions by leg and result.",
			},
			[]string{"leg", "result"},
		),
		claimConflicts: prometheus.NewCounter(prometheus.CounterOpts{ //nolint:exhaustruct
			Namespace: "tradecore",
			Subsystem: "trigger",
			Name:      "claim_conflicts_total",
			Help:      "Claims lost because another tick already held the entry.",
		}),
		staleTicks: prometheus.NewCounter(prometheus.CounterOpts{ //nolint:exhaustruct
			Namespace: "tradecore",
			Subsystem: "trigger",
			Name:      "stale_ticks_total",
			Help:      "Ticks dropped because their sequence did not advance.",
		}),
		armed: prometheus.NewGauge(prometheus.GaugeOpts{ //nolint:exhaustruct
			Namespace: "tradecore",
			Subsystem: "trigger",
			Name:      "armed_entries",
			Help:      "Entries currently held in the armed order index.",
		}),
	}
	reg.MustRegister(m.evaluation, m.outcomes, m.claimConflicts, m.staleTicks, m.armed)
	return m
}

func (m *Metrics) observeEvaluation(policy Policy, d time.Duration) {
	if m == nil {
		return
	}
	m.evaluation.WithLabelValues(string(policy)).Observe(d.Seconds())
}

func (m *Metrics) outcome(leg, result string) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(leg, result).Inc()
}

func (m *Metrics) claimConflict() {
	if m == nil {
		return
	}
	m.claimConflicts.Inc()
}

func (m *Metrics) staleTick() {
	if m == nil {
		return
	}
	m.staleTicks.Inc()
}

func (m *Metrics) setArmed(n int) {
	if m == nil {
		return
	}
	m.armed.Set(float64(n))
}
