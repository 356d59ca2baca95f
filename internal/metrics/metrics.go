// Package metrics holds the Prometheus collectors shared by the realtime
// core and the relay server.
//
// Usage:
//
//	m := metrics.New(prometheus.DefaultRegisterer)
//	agg := realtime.New(realtime.Options{Metrics: m, ...})
//
// Every recording method is safe to call on a nil *Metrics, so components
// can be built without instrumentation in tests.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "upstand"

type Metrics struct {
	// EventsMerged counts events applied to a feed.
	// Labels: kind (standup|activity|notification|presence|connection), source (push|store|local)
	EventsMerged *prometheus.CounterVec

	// Duplicates counts re-deliveries replaced in place.
	// Labels: kind
	Duplicates *prometheus.CounterVec

	// Evictions counts entries dropped from a full buffer.
	// Labels: feed (standups|activity|notifications|toasts)
	Evictions *prometheus.CounterVec

	// Discarded counts events dropped before merging.
	// Labels: reason (stale_scope|out_of_scope|invalid)
	Discarded *prometheus.CounterVec

	// SubscriberPanics counts recovered subscriber callbacks.
	SubscriberPanics prometheus.Counter

	// FeedSize tracks current feed lengths.
	// Labels: feed
	FeedSize *prometheus.GaugeVec

	// ConnectionStatus is the Connection Manager state (0 disconnected,
	// 1 connecting, 2 connected, 3 backoff).
	ConnectionStatus prometheus.Gauge

	// ReconnectAttempts counts failed connection attempts.
	ReconnectAttempts prometheus.Counter

	// TransportDowngrades counts switches to the polling fallback.
	TransportDowngrades prometheus.Counter

	// Bridged counts store standups relayed to the push channel.
	// Labels: result (sent|failed)
	Bridged *prometheus.CounterVec

	// LiveQueryErrors counts live query subscription failures.
	// Labels: query (standups|activity|notifications)
	LiveQueryErrors *prometheus.CounterVec

	// RelayConnections is the number of sessions attached to the relay.
	// Labels: transport (websocket|polling)
	RelayConnections *prometheus.GaugeVec

	// RelayMessages counts frames handled by the relay.
	// Labels: type
	RelayMessages *prometheus.CounterVec
}

// New creates the collectors and registers them on reg. A nil reg leaves
// them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		EventsMerged: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_merged_total",
			Help:      "Events applied to a realtime feed",
		}, []string{"kind", "source"}),
		Duplicates: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_duplicate_total",
			Help:      "Re-delivered events replaced in place",
		}, []string{"kind"}),
		Evictions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_evictions_total",
			Help:      "Entries evicted from bounded feeds",
		}, []string{"feed"}),
		Discarded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_discarded_total",
			Help:      "Events dropped before merging",
		}, []string{"reason"}),
		SubscriberPanics: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscriber_panics_total",
			Help:      "Recovered subscriber callback panics",
		}),
		FeedSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "feed_size",
			Help:      "Current number of entries per feed",
		}, []string{"feed"}),
		ConnectionStatus: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_status",
			Help:      "Push connection status (0 disconnected, 1 connecting, 2 connected, 3 backoff)",
		}),
		ReconnectAttempts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Failed push connection attempts",
		}),
		TransportDowngrades: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_downgrades_total",
			Help:      "Switches from the multiplexed transport to polling",
		}),
		Bridged: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bridged_standups_total",
			Help:      "Store standups relayed to the push channel",
		}, []string{"result"}),
		LiveQueryErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "live_query_errors_total",
			Help:      "Live query subscription failures",
		}, []string{"query"}),
		RelayConnections: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "relay_connections",
			Help:      "Sessions attached to the relay",
		}, []string{"transport"}),
		RelayMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_messages_total",
			Help:      "Frames handled by the relay",
		}, []string{"type"}),
	}
}

func (m *Metrics) EventMerged(kind, source string) {
	if m == nil {
		return
	}
	m.EventsMerged.WithLabelValues(kind, source).Inc()
}

func (m *Metrics) Duplicate(kind string) {
	if m == nil {
		return
	}
	m.Duplicates.WithLabelValues(kind).Inc()
}

func (m *Metrics) Evicted(feed string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.Evictions.WithLabelValues(feed).Add(float64(n))
}

func (m *Metrics) Discard(reason string) {
	if m == nil {
		return
	}
	m.Discarded.WithLabelValues(reason).Inc()
}

func (m *Metrics) SubscriberPanic() {
	if m == nil {
		return
	}
	m.SubscriberPanics.Inc()
}

func (m *Metrics) SetFeedSize(feed string, n int) {
	if m == nil {
		return
	}
	m.FeedSize.WithLabelValues(feed).Set(float64(n))
}

func (m *Metrics) SetConnectionStatus(status int) {
	if m == nil {
		return
	}
	m.ConnectionStatus.Set(float64(status))
}

func (m *Metrics) ReconnectAttempt() {
	if m == nil {
		return
	}
	m.ReconnectAttempts.Inc()
}

func (m *Metrics) TransportDowngrade() {
	if m == nil {
		return
	}
	m.TransportDowngrades.Inc()
}

func (m *Metrics) Bridge(ok bool) {
	if m == nil {
		return
	}
	result := "sent"
	if !ok {
		result = "failed"
	}
	m.Bridged.WithLabelValues(result).Inc()
}

func (m *Metrics) LiveQueryError(query string) {
	if m == nil {
		return
	}
	m.LiveQueryErrors.WithLabelValues(query).Inc()
}

func (m *Metrics) RelayConnection(transport string, delta int) {
	if m == nil {
		return
	}
	m.RelayConnections.WithLabelValues(transport).Add(float64(delta))
}

func (m *Metrics) RelayMessage(eventType string) {
	if m == nil {
		return
	}
	m.RelayMessages.WithLabelValues(eventType).Inc()
}
