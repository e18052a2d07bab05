// Package metrics exposes Prometheus collectors for the push channel.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	received   *prometheus.CounterVec
	dropped    *prometheus.CounterVec
	sends      *prometheus.CounterVec
	reconnects prometheus.Counter
	state      prometheus.Gauge
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_messages_received_total",
			Help: "Push channel records decoded, by message type.",
		}, []string{"type"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_messages_dropped_total",
			Help: "Push channel records discarded, by reason.",
		}, []string{"reason"}),
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_sends_total",
			Help: "Outbound control messages, by result.",
		}, []string{"result"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_reconnect_attempts_total",
			Help: "Automatic reconnection attempts.",
		}),
		state: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_connection_state",
			Help: "Connection state: 0 disconnected, 1 connecting, 2 open, 3 closing.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.received, m.dropped, m.sends, m.reconnects, m.state)
	}
	return m
}

func (m *Metrics) Received(msgType string) {
	if m == nil {
		return
	}
	m.received.WithLabelValues(msgType).Inc()
}

func (m *Metrics) Dropped(reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) Sent(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "dropped"
	}
	m.sends.WithLabelValues(result).Inc()
}

func (m *Metrics) ReconnectAttempt() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) SetState(v int) {
	if m == nil {
		return
	}
	m.state.Set(float64(v))
}
