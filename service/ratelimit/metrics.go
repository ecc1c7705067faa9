package ratelimit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	checksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ppchat_ratelimit_checks_total",
			Help: "Rate limit checks by action kind and outcome",
		},
		[]string{"kind", "outcome"}, // admitted/denied/fail_open/fail_closed
	)

	storeErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ppchat_ratelimit_store_errors_total",
			Help: "Rate limit store failures (unreachable or timed out)",
		},
	)
)
