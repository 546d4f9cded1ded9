// Package metrics holds the gate's Prometheus collectors.
package metrics

import (
	"database/sql"
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "signgate"

var factory = promauto.With(prometheus.DefaultRegisterer)

// HTTP
var (
	HTTPRequestsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests by method, route and status class.",
	}, []string{"method", "route", "status"})

	HTTPRequestDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency by method and route.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route"})
)

// Gate pipeline
var (
	PolicyDecisionsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "policy_decisions_total",
		Help:      "Policy evaluations by decision.",
	}, []string{"decision"})

	PreflightDuration = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "preflight_duration_seconds",
		Help:      "Simulation and gas estimation latency.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	})

	// ApprovalTokenChecksTotal is labelled valid, not_found, consumed,
	// expired, intent_mismatch or hash_mismatch.
	ApprovalTokenChecksTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "approval_token_checks_total",
		Help:      "Approval token validations by result.",
	}, []string{"result"})

	ApprovalTokensIssuedTotal = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "approval_tokens_issued_total",
		Help:      "Approval tokens issued.",
	})

	PendingApprovals = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "pending_approvals",
		Help:      "Requests waiting in the approval queue.",
	})

	StreamPeers = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "approval_stream_peers",
		Help:      "Connected approval stream clients.",
	})

	SignaturesTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "signatures_total",
		Help:      "Signing attempts by result.",
	}, []string{"result"})

	BroadcastsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "broadcasts_total",
		Help:      "Raw transaction broadcasts by result.",
	}, []string{"result"})

	TxReceiptsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tx_receipts_total",
		Help:      "Tracked transactions by outcome (confirmed, reverted, dropped).",
	}, []string{"status"})

	RPCBreakerTransitionsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rpc_breaker_transitions_total",
		Help:      "RPC circuit breaker transitions by chain key and states.",
	}, []string{"key", "from", "to"})
)

// RegisterDB exports db's pool statistics. Registering the same pool twice
// is not an error.
func RegisterDB(db *sql.DB, name string) error {
	err := prometheus.Register(collectors.NewDBStatsCollector(db, name))
	var dup prometheus.AlreadyRegisteredError
	if errors.As(err, &dup) {
		return nil
	}
	return err
}

// Middleware records request count and latency per route pattern. Requests
// that match no route share the "unmatched" label.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(c.Request.Method, route))
		c.Next()
		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(c.Request.Method, route, statusClass(c.Writer.Status())).Inc()
	}
}

// Handler serves the default registry.
func Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}

func statusClass(code int) string {
	if code < 100 || code > 599 {
		return "other"
	}
	return strconv.Itoa(code/100) + "xx"
}
