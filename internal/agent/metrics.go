package agent

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the agent executor.
type Metrics struct {
	Turns        *prometheus.CounterVec
	TurnDuration prometheus.Histogram
}

// NewMetrics creates and registers agent metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}
	m := &Metrics{
		Turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "agent",
			Name:      "turns_total",
			Help:      "Inbound messages processed by outcome (replied, silent, suppressed, error).",
		}, []string{"channel", "result"}),
		TurnDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "relay",
			Subsystem: "agent",
			Name:      "turn_duration_seconds",
			Help:      "Time from receiving an inbound message to publishing the reply.",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}),
	}
	reg.MustRegister(m.Turns, m.TurnDuration)
	return m
}

func (m *Metrics) turn(channel, result string, seconds float64) {
	if m == nil {
		return
	}
	m.Turns.WithLabelValues(channel, result).Inc()
	m.TurnDuration.Observe(seconds)
}
