package scheduler

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the scheduler.
type Metrics struct {
	JobsFired    prometheus.Counter
	JobsFailed   prometheus.Counter
	JobsMissed   prometheus.Counter
	TickDuration prometheus.Histogram
}

// NewMetrics creates and registers scheduler metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		JobsFired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "scheduler",
			Name:      "jobs_fired_total",
			Help:      "Jobs published to the bus.",
		}),
		JobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "scheduler",
			Name:      "jobs_failed_total",
			Help:      "Job runs whose outcome could not be recorded.",
		}),
		JobsMissed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "scheduler",
			Name:      "jobs_missed_total",
			Help:      "Overdue jobs skipped because they fell outside the missed job window.",
		}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "relay",
			Subsystem: "scheduler",
			Name:      "tick_duration_seconds",
			Help:      "Duration of each poll and fire cycle.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}),
	}

	reg.MustRegister(m.JobsFired, m.JobsFailed, m.JobsMissed, m.TickDuration)
	return m
}

func (m *Metrics) fired() {
	if m != nil {
		m.JobsFired.Inc()
	}
}

func (m *Metrics) failed() {
	if m != nil {
		m.JobsFailed.Inc()
	}
}

func (m *Metrics) missed() {
	if m != nil {
		m.JobsMissed.Inc()
	}
}

func (m *Metrics) tick(seconds float64) {
	if m != nil {
		m.TickDuration.Observe(seconds)
	}
}
