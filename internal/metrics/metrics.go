// Package metrics provides Prometheus instrumentation for the realtime match
// service: live connection counts, swipe and match throughput, notification
// delivery outcomes and client reconnects.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mealmatch_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// OnlineUsers tracks users with at least one live connection.
	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mealmatch_online_users",
		Help: "Current number of users with at least one live connection",
	})

	// SwipesTotal counts recorded swipes by outcome.
	SwipesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mealmatch_swipes_total",
		Help: "Total number of swipes processed",
	}, []string{"result"}) // result = "like", "pass", "matched", "duplicate", "error"

	// MatchesCreated counts matches inserted by the swipe processor.
	MatchesCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mealmatch_matches_created_total",
		Help: "Total number of matches created",
	})

	// StatusTransitions counts match status updates by target status and outcome.
	StatusTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mealmatch_match_status_transitions_total",
		Help: "Total number of match status transition attempts",
	}, []string{"to", "applied"})

	// Deliveries counts notification frames by outcome.
	Deliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mealmatch_deliveries_total",
		Help: "Total number of notification deliveries",
	}, []string{"type", "result"}) // result = "delivered", "offline", "failed"

	// SwipeLatency records RecordSwipe latency in seconds.
	SwipeLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "mealmatch_swipe_latency_seconds",
		Help:    "Swipe processing latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// ClientReconnects counts reconnect attempts scheduled by the client manager.
	ClientReconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mealmatch_client_reconnects_total",
		Help: "Total number of reconnect attempts scheduled by the client",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		OnlineUsers,
		SwipesTotal,
		MatchesCreated,
		StatusTransitions,
		Deliveries,
		SwipeLatency,
		ClientReconnects,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
