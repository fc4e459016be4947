package bus

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the message bus.
// All methods are nil-safe.
type Metrics struct {
	Published   *prometheus.CounterVec
	Dropped     *prometheus.CounterVec
	Evicted     *prometheus.CounterVec
	Subscribers *prometheus.GaugeVec
}

// NewMetrics creates and registers bus metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		Published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "bus",
			Name:      "published_total",
			Help:      "Total messages published per topic.",
		}, []string{"topic"}),
		Dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "bus",
			Name:      "dropped_total",
			Help:      "Messages published while the topic had no subscribers.",
		}, []string{"topic"}),
		Evicted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "bus",
			Name:      "evicted_total",
			Help:      "Buffered messages evicted from lagging subscribers.",
		}, []string{"topic"}),
		Subscribers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "relay",
			Subsystem: "bus",
			Name:      "subscribers",
			Help:      "Current subscriber count per topic.",
		}, []string{"topic"}),
	}

	reg.MustRegister(m.Published, m.Dropped, m.Evicted, m.Subscribers)
	return m
}

func (m *Metrics) published(topic string) {
	if m != nil {
		m.Published.WithLabelValues(topic).Inc()
	}
}

func (m *Metrics) dropped(topic string) {
	if m != nil {
		m.Dropped.WithLabelValues(topic).Inc()
	}
}

func (m *Metrics) evicted(topic string) {
	if m != nil {
		m.Evicted.WithLabelValues(topic).Inc()
	}
}

func (m *Metrics) subscribers(topic string, n int) {
	if m != nil {
		m.Subscribers.WithLabelValues(topic).Set(float64(n))
	}
}
