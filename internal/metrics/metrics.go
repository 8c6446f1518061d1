// Package metrics provides Prometheus metrics for the chat relay
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the relay
type Metrics struct {
	// Inter-node RPC metrics
	PeerRequestsTotal    *prometheus.CounterVec
	PeerRequestDuration  *prometheus.HistogramVec
	PeerRequestsInFlight prometheus.Gauge

	// Forwarding metrics
	ForwardsTotal   *prometheus.CounterVec
	ForwardDuration prometheus.Histogram

	// Local UI metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	WebSocketPushesTotal *prometheus.CounterVec
	WebSocketConnections prometheus.Gauge

	// Archive metrics
	ArchiveMessagesTotal  *prometheus.CounterVec
	ArchiveCounterparties prometheus.Gauge
	DroppedUnitsTotal     *prometheus.CounterVec

	// Server metrics
	ServerUptimeSeconds prometheus.Gauge
	ServerStartTime     time.Time
}

// NewMetrics creates all relay metrics and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	m := &Metrics{
		ServerStartTime: time.Now(),
	}

	m.PeerRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_peer_requests_total",
			Help: "Total number of inbound inter-node requests",
		},
		[]string{"method", "status"},
	)

	m.PeerRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatrelay_peer_request_duration_seconds",
			Help:    "Duration of inbound inter-node requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	m.PeerRequestsInFlight = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatrelay_peer_requests_in_flight",
			Help: "Number of inter-node requests currently being processed",
		},
	)

	m.ForwardsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_forwards_total",
			Help: "Total number of messages forwarded to peer relays",
		},
		[]string{"outcome"},
	)

	m.ForwardDuration = factory.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chatrelay_forward_duration_seconds",
			Help:    "Time until a peer relay acknowledged a forward",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
	)

	m.HTTPRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_http_requests_total",
			Help: "Total number of local HTTP requests",
		},
		[]string{"method", "code"},
	)

	m.WebSocketPushesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_websocket_pushes_total",
			Help: "Total number of live updates pushed to the local UI",
		},
		[]string{"outcome"},
	)

	m.WebSocketConnections = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatrelay_websocket_connections",
			Help: "Number of currently connected UI channels",
		},
	)

	m.ArchiveMessagesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_archive_messages_total",
			Help: "Total number of messages appended to the archive",
		},
		[]string{"direction"},
	)

	m.ArchiveCounterparties = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatrelay_archive_counterparties",
			Help: "Number of conversations in the archive",
		},
	)

	m.DroppedUnitsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_dropped_units_total",
			Help: "Units of work dropped without a response",
		},
		[]string{"reason"},
	)

	m.ServerUptimeSeconds = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatrelay_server_uptime_seconds",
			Help: "Server uptime in seconds",
		},
	)

	return m
}

// RunUptime updates the uptime gauge until ctx is done
func (m *Metrics) RunUptime(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.ServerUptimeSeconds.Set(time.Since(m.ServerStartTime).Seconds())
		case <-ctx.Done():
			return
		}
	}
}

// RecordPeerRequest records an inbound inter-node request with its status
func (m *Metrics) RecordPeerRequest(method string, status string, duration time.Duration) {
	m.PeerRequestsTotal.WithLabelValues(method, status).Inc()
	m.PeerRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordForward records a forward attempt
func (m *Metrics) RecordForward(err error, duration time.Duration) {
	if err != nil {
		m.ForwardsTotal.WithLabelValues("failed").Inc()
		return
	}
	m.ForwardsTotal.WithLabelValues("acked").Inc()
	m.ForwardDuration.Observe(duration.Seconds())
}

// RecordAppend records an archive append; counterparties is the archive size after it
func (m *Metrics) RecordAppend(direction string, counterparties int) {
	m.ArchiveMessagesTotal.WithLabelValues(direction).Inc()
	m.ArchiveCounterparties.Set(float64(counterparties))
}
