// Package metrics registers the gateway's Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the gateway.
type Metrics struct {
	LoginsStarted   prometheus.Counter
	LoginsCompleted prometheus.Counter
	LoginsFailed    *prometheus.CounterVec
	TokenRefreshes  *prometheus.CounterVec
	SessionsEnded   *prometheus.CounterVec
	PolicyDecisions *prometheus.CounterVec
	ProxyRequests   *prometheus.CounterVec
	ProxyLatency    prometheus.Histogram
}

// New creates and registers all Prometheus metrics on the default registry.
func New() *Metrics {
	return NewWith(prometheus.DefaultRegisterer)
}

// NewWith registers the metrics on a specific registerer; tests pass a
// fresh registry so parallel suites do not collide.
func NewWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		LoginsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "authgate_logins_started_total",
			Help: "Authorization redirects issued to the identity provider",
		}),
		LoginsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "authgate_logins_completed_total",
			Help: "Callbacks that produced a session",
		}),
		LoginsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "authgate_logins_failed_total",
			Help: "Callbacks that failed, by error code",
		}, []string{"code"}),
		TokenRefreshes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "authgate_token_refreshes_total",
			Help: "Refresh exchanges against the identity provider, by outcome",
		}, []string{"outcome"}),
		SessionsEnded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "authgate_sessions_ended_total",
			Help: "Sessions terminated, by reason",
		}, []string{"reason"}),
		PolicyDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "authgate_policy_decisions_total",
			Help: "Authorization policy evaluations, by policy and decision",
		}, []string{"policy", "decision"}),
		ProxyRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "authgate_proxy_requests_total",
			Help: "Requests forwarded to the resource API, by method and status class",
		}, []string{"method", "status"}),
		ProxyLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "authgate_proxy_latency_seconds",
			Help:    "End-to-end latency of proxied requests",
			Buckets: prometheus.DefBuckets,
		}),
	}
}
