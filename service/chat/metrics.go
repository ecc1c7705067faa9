package chat

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	connsGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ppchat_hub_connections",
			Help: "Live connections by state",
		},
		[]string{"state"},
	)

	authTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ppchat_hub_auth_total",
			Help: "Handshake attempts by outcome",
		},
		[]string{"outcome"},
	)

	evictedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ppchat_hub_evicted_total",
			Help: "Connections evicted by the per-user limit",
		},
	)

	fanoutTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ppchat_hub_fanout_total",
			Help: "Per-connection event deliveries",
		},
		[]string{"outcome"}, // delivered/dropped
	)

	framesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ppchat_hub_frames_total",
			Help: "Inbound frames by type and result",
		},
		[]string{"type", "result"},
	)

	relayErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ppchat_hub_relay_errors_total",
			Help: "Failed cross-node relay publishes",
		},
	)
)
