package telemetry

import "github.com/prometheus/client_golang/prometheus"

// HTTP-layer metrics.

var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "agentcore",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds, by method/route/status.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	},
	[]string{"method", "route", "status"},
)

// Cache (C2) metrics.

var CacheHitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "agentcore", Subsystem: "cache", Name: "hits_total",
	Help: "Total cache reads served from a fresh (or stale-if-error) entry.",
})

var CacheMissesTotal = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "agentcore", Subsystem: "cache", Name: "misses_total",
	Help: "Total cache reads that found no usable entry.",
})

var CacheStaleServedTotal = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "agentcore", Subsystem: "cache", Name: "stale_served_total",
	Help: "Total cache reads served from the stale-if-error grace window.",
})

var CacheSizeRejectedTotal = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "agentcore", Subsystem: "cache", Name: "size_rejected_total",
	Help: "Total cache writes rejected for exceeding the size cap.",
})

// OAuth / refresh (C3, C4) metrics.

var OAuthRefreshTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "agentcore", Subsystem: "oauth", Name: "refresh_total",
	Help: "Total refresh attempts by outcome.",
}, []string{"outcome"}) // success, transient_failure, terminal_failure

var OAuthNeedsReauthGauge = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "agentcore", Subsystem: "oauth", Name: "needs_reauth_connections",
	Help: "Current count of connections flagged needs_reauth.",
})

// Tool-call interceptor (C7) metrics.

var ToolCallsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "agentcore", Subsystem: "tool", Name: "calls_total",
	Help: "Total tool invocations by server/tool/outcome.",
}, []string{"server", "tool", "outcome"}) // success, failed, cache_hit

var ToolCallRetryTotal = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "agentcore", Subsystem: "tool", Name: "auth_retry_total",
	Help: "Total tool calls retried once after a client-pool eviction.",
})

// MCP router (C6) metrics.

var MCPServerHealthyGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "agentcore", Subsystem: "mcp", Name: "server_healthy",
	Help: "1 if the server is healthy, 0 otherwise.",
}, []string{"server"})

// Rate limiter (C12) metrics.

var RateLimitRejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "agentcore", Subsystem: "ratelimit", Name: "rejected_total",
	Help: "Total rejected requests by route.",
}, []string{"route"})

// All returns every agent-core metric for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		HTTPRequestDuration,
		CacheHitsTotal,
		CacheMissesTotal,
		CacheStaleServedTotal,
		CacheSizeRejectedTotal,
		OAuthRefreshTotal,
		OAuthNeedsReauthGauge,
		ToolCallsTotal,
		ToolCallRetryTotal,
		MCPServerHealthyGauge,
		RateLimitRejectedTotal,
	}
}
