// Package metrics exposes relaymesh's Prometheus metrics: publish,
// subscribe and broker gauges plus the dissemination-latency histogram.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cuemby/relaymesh/pkg/transport"
)

var (
	// RegistrantsTotal counts registrants known to a Discovery node by role.
	RegistrantsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relaymesh_registrants_total",
			Help: "Total number of registrants known to Discovery, by role",
		},
		[]string{"role"},
	)

	// DiscoveryReady reports whether a Discovery node currently answers ready.
	DiscoveryReady = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "relaymesh_discovery_ready",
			Help: "Whether this Discovery node currently answers is_ready=true",
		},
	)

	// TopicLeader reports, per topic, whether this publisher currently holds
	// the ownership-strength leader rank.
	TopicLeader = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relaymesh_topic_is_leader",
			Help: "Whether this publisher is the ownership-strength leader for a topic",
		},
		[]string{"topic"},
	)

	// MessagesPublished counts payloads a publisher has sent, by topic.
	MessagesPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relaymesh_messages_published_total",
			Help: "Total messages published, by topic",
		},
		[]string{"topic"},
	)

	// MessagesReceived counts payloads a subscriber or broker has received,
	// by topic.
	MessagesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relaymesh_messages_received_total",
			Help: "Total messages received, by topic",
		},
		[]string{"topic"},
	)

	// DisseminationLatency observes end-to-end send-to-receive latency, in
	// seconds, the histogram backing the flushed LatencySample tuples.
	DisseminationLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "relaymesh_dissemination_latency_seconds",
			Help:    "End-to-end publish-to-receive latency",
			Buckets: prometheus.DefBuckets,
		},
	)

	// CoordSessionsActive counts live coordination-store sessions.
	CoordSessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "relaymesh_coord_sessions_active",
			Help: "Active coordination-store client sessions",
		},
	)

	// CoordIsLeader reports whether this process's coordination-store
	// replica is the raft leader.
	CoordIsLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "relaymesh_coord_is_leader",
			Help: "Whether this replica is the raft leader for the coordination store",
		},
	)

	// ReconciliationCyclesTotal counts membership-reconciliation passes.
	ReconciliationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relaymesh_reconciliation_cycles_total",
			Help: "Total membership reconciliation cycles run by a Discovery primary",
		},
	)

	// ReconciliationDuration observes how long a reconciliation cycle took.
	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "relaymesh_reconciliation_duration_seconds",
			Help:    "Duration of a membership reconciliation cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	// TransportFramesSent, TransportFramesRecv and TransportConnsActive
	// mirror pkg/transport's own go-metrics socket counters (frames sent,
	// frames received, active connections summed across every ReqClient,
	// Router and FanOut/FanIn socket) into this process's Prometheus
	// registry, so the throughput those counters track is actually
	// reachable from /metrics instead of sitting in a second, unpolled
	// registry.
	TransportFramesSent = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "relaymesh_transport_frames_sent_total",
			Help: "Frames sent across all transport sockets in this process",
		},
		func() float64 {
			sent, _, _ := transport.Counters()
			return float64(sent)
		},
	)
	TransportFramesRecv = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "relaymesh_transport_frames_recv_total",
			Help: "Frames received across all transport sockets in this process",
		},
		func() float64 {
			_, recv, _ := transport.Counters()
			return float64(recv)
		},
	)
	TransportConnsActive = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "relaymesh_transport_conns_active",
			Help: "Active connections across all transport sockets in this process",
		},
		func() float64 {
			_, _, active := transport.Counters()
			return float64(active)
		},
	)
)

func init() {
	prometheus.MustRegister(
		RegistrantsTotal,
		DiscoveryReady,
		TopicLeader,
		MessagesPublished,
		MessagesReceived,
		DisseminationLatency,
		CoordSessionsActive,
		CoordIsLeader,
		ReconciliationCyclesTotal,
		ReconciliationDuration,
		TransportFramesSent,
		TransportFramesRecv,
		TransportConnsActive,
	)
}

// Timer measures an elapsed duration for histogram observation.
type Timer struct {
	start time.Time
}

func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

func (t *Timer) ObserveDuration(h prometheus.Histogram) {
	h.Observe(time.Since(t.start).Seconds())
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
