// Package metrics provides Prometheus instrumentation for the rendezvous
// server. It exposes gauges for connections, rooms and the matchmaking queue,
// counters for event throughput and dropped deliveries, and histograms for
// handler latency and queue wait time.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rendezvous_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// EventsTotal counts client events handled, labeled by event type and
	// result: "dispatched", "rejected" or "rate_limited".
	EventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rendezvous_events_total",
		Help: "Total number of client events processed",
	}, []string{"type", "result"})

	// EventLatency records handler latency in seconds.
	EventLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rendezvous_event_latency_seconds",
		Help:    "Client event handling latency in seconds",
		Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25},
	}, []string{"type"})

	// MatchWait records the time a connection spent queued before matching.
	MatchWait = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "rendezvous_match_wait_seconds",
		Help:    "Time from start-looking to matched",
		Buckets: []float64{.1, .5, 1, 2, 5, 10, 30, 60, 300},
	})

	// MatchQueueSize tracks the current number of connections in the queue.
	MatchQueueSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rendezvous_match_queue_size",
		Help: "Current number of connections in the matchmaking queue",
	})

	// ActiveRooms tracks live rooms by kind: "pairwise" or "multi-party".
	ActiveRooms = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "rendezvous_active_rooms",
		Help: "Current number of live rooms",
	}, []string{"kind"})

	// RelayedSignals counts forwarded offer/answer/ice-candidate events.
	RelayedSignals = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rendezvous_relayed_signals_total",
		Help: "Total number of relayed signaling events",
	}, []string{"kind"})

	// DroppedEvents counts outbound events that were not delivered, labeled by
	// reason: "gone" or "queue_full".
	DroppedEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rendezvous_dropped_events_total",
		Help: "Outbound events dropped before delivery",
	}, []string{"reason"})

	// BackgroundJobs counts background jobs, labeled by result: "ok",
	// "failed" or "dropped".
	BackgroundJobs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rendezvous_background_jobs_total",
		Help: "Background store jobs by result",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		EventsTotal,
		EventLatency,
		MatchWait,
		MatchQueueSize,
		ActiveRooms,
		RelayedSignals,
		DroppedEvents,
		BackgroundJobs,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
