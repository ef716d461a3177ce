// Copyright 2025 Certen Protocol
//
// Prometheus collectors for the coordinator, scraped over the
// configured metrics endpoint.

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collectors holds every metric the coordinator exposes.
type Collectors struct {
	ActiveSessions              prometheus.Gauge
	SessionsCreatedTotal        prometheus.Counter
	SignaturesCollectedTotal    prometheus.Counter
	ThresholdMetTotal           prometheus.Counter
	ExecutionsTotal             *prometheus.CounterVec // labeled "success"/"failed"
	AuthFailuresTotal           *prometheus.CounterVec // labeled "rate_limited"/"public_key_rejected"/"invalid_token"
	RateLimitBlocksTotal        prometheus.Counter
	SessionExpirationsTotal     prometheus.Counter
	TransactionExpirationsTotal prometheus.Counter
}

// New registers every collector against a fresh registry and returns
// both the collector handles and the registry's HTTP handler.
func New() (*Collectors, http.Handler) {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	c := &Collectors{
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "multisig",
			Name:      "active_sessions",
			Help:      "Number of sessions not yet in a terminal state.",
		}),
		SessionsCreatedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "multisig",
			Name:      "sessions_created_total",
			Help:      "Total sessions created.",
		}),
		SignaturesCollectedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "multisig",
			Name:      "signatures_collected_total",
			Help:      "Total signatures accepted across all sessions.",
		}),
		ThresholdMetTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "multisig",
			Name:      "threshold_met_total",
			Help:      "Total times a session's signature threshold was met.",
		}),
		ExecutionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "multisig",
			Name:      "executions_total",
			Help:      "Total transaction executions, labeled by outcome.",
		}, []string{"outcome"}),
		AuthFailuresTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "multisig",
			Name:      "auth_failures_total",
			Help:      "Total authentication failures, labeled by reason.",
		}, []string{"reason"}),
		RateLimitBlocksTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "multisig",
			Name:      "rate_limit_blocks_total",
			Help:      "Total auth attempts blocked by the rate limiter.",
		}),
		SessionExpirationsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "multisig",
			Name:      "session_expirations_total",
			Help:      "Total sessions that expired without completing.",
		}),
		TransactionExpirationsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "multisig",
			Name:      "transaction_expirations_total",
			Help:      "Total transactions that expired before threshold was met.",
		}),
	}

	return c, promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
