package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	syncEventsTotal          *prometheus.CounterVec
	syncSubmissionsTotal     *prometheus.CounterVec
	syncTypingSignalsTotal   *prometheus.CounterVec
	syncRejectedTransitions  *prometheus.CounterVec
	channelReconnectsTotal   *prometheus.CounterVec
	httpRequestsTotal        *prometheus.CounterVec
	httpLatencySeconds       *prometheus.HistogramVec
	realtimeConnectionsTotal prometheus.Gauge
)

// RegisterMetrics initialises the Prometheus collectors used by the sync core,
// the channel drivers and the development backend.
func RegisterMetrics() {
	registerOnce.Do(func() {
		syncEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sync_events_total",
			Help: "Inbound channel events by name and reconciliation outcome.",
		}, []string{"event", "outcome"})

		syncSubmissionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sync_submissions_total",
			Help: "Optimistic submissions by entity kind and final outcome.",
		}, []string{"kind", "outcome"})

		syncTypingSignalsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sync_typing_signals_total",
			Help: "Typing signals emitted by the local debouncer.",
		}, []string{"kind"})

		syncRejectedTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sync_transitions_rejected_total",
			Help: "Delivery status transitions refused by the state machine.",
		}, []string{"from", "to"})

		channelReconnectsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sync_channel_reconnects_total",
			Help: "Event channel reconnect attempts by driver.",
		}, []string{"driver"})

		httpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "devserver_requests_total",
			Help: "Total number of development backend requests served.",
		}, []string{"method", "route", "status"})

		httpLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "devserver_latency_seconds",
			Help:    "Latency distribution for development backend requests.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}, []string{"method", "route"})

		realtimeConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "devserver_realtime_connections",
			Help: "Active websocket connections on the development backend.",
		})

		prometheus.MustRegister(
			syncEventsTotal,
			syncSubmissionsTotal,
			syncTypingSignalsTotal,
			syncRejectedTransitions,
			channelReconnectsTotal,
			httpRequestsTotal,
			httpLatencySeconds,
			realtimeConnectionsTotal,
		)
	})
}

// SyncEvents exposes the inbound event counter.
func SyncEvents() *prometheus.CounterVec {
	RegisterMetrics()
	return syncEventsTotal
}

// SyncSubmissions exposes the optimistic submission counter.
func SyncSubmissions() *prometheus.CounterVec {
	RegisterMetrics()
	return syncSubmissionsTotal
}

// TypingSignals exposes the typing emission counter.
func TypingSignals() *prometheus.CounterVec {
	RegisterMetrics()
	return syncTypingSignalsTotal
}

// RejectedTransitions exposes the refused transition counter.
func RejectedTransitions() *prometheus.CounterVec {
	RegisterMetrics()
	return syncRejectedTransitions
}

// ChannelReconnects exposes the reconnect counter.
func ChannelReconnects() *prometheus.CounterVec {
	RegisterMetrics()
	return channelReconnectsTotal
}

// HTTPRequests exposes the backend request counter.
func HTTPRequests() *prometheus.CounterVec {
	RegisterMetrics()
	return httpRequestsTotal
}

// HTTPLatency exposes the backend latency histogram.
func HTTPLatency() *prometheus.HistogramVec {
	RegisterMetrics()
	return httpLatencySeconds
}

// RealtimeConnections exposes the backend websocket gauge.
func RealtimeConnections() prometheus.Gauge {
	RegisterMetrics()
	return realtimeConnectionsTotal
}
