package gateway

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics shared by all channel clients.
// All methods are nil-safe.
type Metrics struct {
	StateTransitions *prometheus.CounterVec
	Connected        *prometheus.GaugeVec
	Reconnects       *prometheus.CounterVec
	HeartbeatsSent   *prometheus.CounterVec
	HeartbeatAcks    *prometheus.CounterVec
	Inbound          *prometheus.CounterVec
	Outbound         *prometheus.CounterVec
	SendDuration     *prometheus.HistogramVec
}

// NewMetrics creates and registers gateway metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		StateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "gateway",
			Name:      "state_transitions_total",
			Help:      "Connection state transitions per channel and target state.",
		}, []string{"channel", "state"}),
		Connected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "relay",
			Subsystem: "gateway",
			Name:      "connected",
			Help:      "1 while the channel is connected, else 0.",
		}, []string{"channel"}),
		Reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "gateway",
			Name:      "reconnects_total",
			Help:      "Reconnect attempts per channel.",
		}, []string{"channel"}),
		HeartbeatsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "gateway",
			Name:      "heartbeats_sent_total",
			Help:      "Heartbeat frames written per channel.",
		}, []string{"channel"}),
		HeartbeatAcks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "gateway",
			Name:      "heartbeat_acks_total",
			Help:      "Heartbeat acknowledgements received per channel.",
		}, []string{"channel"}),
		Inbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "gateway",
			Name:      "inbound_messages_total",
			Help:      "Inbound platform messages by outcome.",
		}, []string{"channel", "result"}),
		Outbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "gateway",
			Name:      "outbound_messages_total",
			Help:      "Outbound sends by status.",
		}, []string{"channel", "status"}),
		SendDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "relay",
			Subsystem: "gateway",
			Name:      "send_duration_seconds",
			Help:      "Platform send API latency in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}, []string{"channel"}),
	}

	reg.MustRegister(
		m.StateTransitions,
		m.Connected,
		m.Reconnects,
		m.HeartbeatsSent,
		m.HeartbeatAcks,
		m.Inbound,
		m.Outbound,
		m.SendDuration,
	)
	return m
}

// ObserveState records a transition; wire it as a Machine callback.
func (m *Metrics) ObserveState(channel string, to State) {
	if m == nil {
		return
	}
	m.StateTransitions.WithLabelValues(channel, to.String()).Inc()
	v := 0.0
	if to == StateConnected {
		v = 1
	}
	m.Connected.WithLabelValues(channel).Set(v)
}

// Reconnect counts one reconnect attempt.
func (m *Metrics) Reconnect(channel string) {
	if m != nil {
		m.Reconnects.WithLabelValues(channel).Inc()
	}
}

// HeartbeatSent counts one heartbeat frame.
func (m *Metrics) HeartbeatSent(channel string) {
	if m != nil {
		m.HeartbeatsSent.WithLabelValues(channel).Inc()
	}
}

// HeartbeatAck counts one acknowledgement.
func (m *Metrics) HeartbeatAck(channel string) {
	if m != nil {
		m.HeartbeatAcks.WithLabelValues(channel).Inc()
	}
}

// InboundResult counts an inbound message outcome.
func (m *Metrics) InboundResult(channel, result string) {
	if m != nil {
		m.Inbound.WithLabelValues(channel, result).Inc()
	}
}

// SendResult counts an outbound send and its latency.
func (m *Metrics) SendResult(channel, status string, seconds float64) {
	if m == nil {
		return
	}
	m.Outbound.WithLabelValues(channel, status).Inc()
	m.SendDuration.WithLabelValues(channel).Observe(seconds)
}

// Unrouted counts an outbound message no client handles.
func (m *Metrics) Unrouted(channel string) {
	if m != nil {
		m.Outbound.WithLabelValues(channel, "unrouted").Inc()
	}
}
