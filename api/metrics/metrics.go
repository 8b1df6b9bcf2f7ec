// Package metrics exposes the prometheus collectors for the core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MessagesIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tms_messages_ingested_total",
		Help: "Messages accepted by the ingest pipeline, by type.",
	}, []string{"type"})

	EventsBroadcast = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tms_events_broadcast_total",
		Help: "Events fanned out to sessions, by event name.",
	}, []string{"event"})

	EventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tms_events_dropped_total",
		Help: "Events shed under backpressure, by reason (typing, slow_session).",
	}, []string{"reason"})

	RateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tms_rate_limited_total",
		Help: "Requests rejected by the rate limiter, by class.",
	}, []string{"class"})

	IdPSyncs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tms_idp_syncs_total",
		Help: "Identity provider sync attempts, by outcome (ok, miss, error, deferred).",
	}, []string{"outcome"})

	OpenSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tms_ws_sessions",
		Help: "Currently open WebSocket sessions.",
	})

	OpenRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tms_ws_rooms",
		Help: "Rooms with at least one subscribed session.",
	})

	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tms_http_request_duration_seconds",
		Help:    "HTTP request latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "status"})
)
