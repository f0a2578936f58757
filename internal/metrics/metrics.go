// Package metrics holds the prometheus collectors for the relay.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "parley"

// delivery paths
const (
	PathLive   = "live"
	PathReplay = "replay"
)

// Metrics is safe to use as a nil pointer; every method is then a no-op.
type Metrics struct {
	MessagesSent       prometheus.Counter
	MessagesDelivered  *prometheus.CounterVec
	PushFailures       *prometheus.CounterVec
	SessionsOnline     prometheus.Gauge
	Connections        prometheus.Gauge
	PresenceBroadcasts prometheus.Counter
	FramesIgnored      *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		MessagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Messages persisted from chat frames.",
		}),
		MessagesDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_delivered_total",
			Help:      "Messages marked delivered, by delivery path.",
		}, []string{"path"}),
		PushFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "push_failures_total",
			Help:      "Failed pushes of chat messages to a recipient, by delivery path.",
		}, []string{"path"}),
		SessionsOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_online",
			Help:      "Usernames with a live session at the last presence broadcast.",
		}),
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Open websocket connections, authenticated or not.",
		}),
		PresenceBroadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "presence_broadcasts_total",
			Help:      "Presence broadcasts performed.",
		}),
		FramesIgnored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_ignored_total",
			Help:      "Inbound frames dropped by the dispatcher, by reason.",
		}, []string{"reason"}),
	}
	reg.MustRegister(
		m.MessagesSent,
		m.MessagesDelivered,
		m.PushFailures,
		m.SessionsOnline,
		m.Connections,
		m.PresenceBroadcasts,
		m.FramesIgnored,
	)
	return m
}

func (m *Metrics) Sent() {
	if m == nil {
		return
	}
	m.MessagesSent.Inc()
}

func (m *Metrics) Delivered(path string) {
	if m == nil {
		return
	}
	m.MessagesDelivered.WithLabelValues(path).Inc()
}

func (m *Metrics) PushFailed(path string) {
	if m == nil {
		return
	}
	m.PushFailures.WithLabelValues(path).Inc()
}

func (m *Metrics) Broadcast(online int) {
	if m == nil {
		return
	}
	m.PresenceBroadcasts.Inc()
	m.SessionsOnline.Set(float64(online))
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.Connections.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.Connections.Dec()
}

func (m *Metrics) Ignored(reason string) {
	if m == nil {
		return
	}
	m.FramesIgnored.WithLabelValues(reason).Inc()
}
