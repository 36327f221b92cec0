package handler

import (
	"math/big"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
)

var (
	paygateRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paygate_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	paygateRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "paygate_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	paygateVoucherDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paygate_voucher_decisions_total",
		Help: "Voucher decisions by result (accepted, replay, or rejection reason).",
	}, []string{"result"})

	paygateChargedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "paygate_charged_amount_total",
		Help: "Sum of amounts charged on accepted vouchers, in the token's smallest unit.",
	})

	paygateClaimsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paygate_claims_total",
		Help: "Claim attempts by outcome.",
	}, []string{"outcome"})

	paygateClaimedAmount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "paygate_claimed_amount_total",
		Help: "Sum of amounts confirmed on-chain, in the token's smallest unit.",
	})

	paygateUpstreamProbes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paygate_upstream_probes_total",
		Help: "Upstream health probes by result.",
	}, []string{"result"})

	paygateWebhookDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paygate_webhook_deliveries_total",
		Help: "Webhook delivery attempts by result.",
	}, []string{"result"})

	paygateRateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paygate_rate_limited_total",
		Help: "Requests refused by the rate limiter, by bucket kind (channel or ip).",
	}, []string{"kind"})

	paygateChannels = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "paygate_channels",
		Help: "Channels with a stored voucher, by claim status.",
	}, []string{"status"})
)

// PrometheusMiddleware returns a Gin middleware that records per-request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method
		path := c.FullPath()
		if path == "" {
			// Proxied paths are unbounded; keep label cardinality fixed.
			path = "upstream"
		}

		paygateRequestsTotal.WithLabelValues(method, path, status).Inc()
		paygateRequestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// MetricsHandler returns a Gin handler that serves Prometheus metrics.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordDecision records a voucher decision.
func RecordDecision(result string) {
	paygateVoucherDecisions.WithLabelValues(result).Inc()
}

// RecordCharge adds an accepted charge to the charged total.
func RecordCharge(delta *big.Int) {
	if delta == nil || delta.Sign() == 0 {
		return
	}
	paygateChargedTotal.Add(amountFloat(delta))
}

// RecordClaim records a claim attempt; confirmed claims add to the claimed total.
func RecordClaim(outcome string, amount *big.Int, confirmed bool) {
	paygateClaimsTotal.WithLabelValues(outcome).Inc()
	if confirmed && amount != nil {
		paygateClaimedAmount.Add(amountFloat(amount))
	}
}

// RecordUpstreamProbe records one upstream health probe.
func RecordUpstreamProbe(success bool) {
	paygateUpstreamProbes.WithLabelValues(resultLabel(success)).Inc()
}

// RecordWebhookDelivery records one webhook delivery attempt.
func RecordWebhookDelivery(success bool) {
	paygateWebhookDeliveries.WithLabelValues(resultLabel(success)).Inc()
}

func resultLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

// SetChannelGauges sets the channel count gauges.
func SetChannelGauges(claimed, unclaimed int) {
	paygateChannels.WithLabelValues("claimed").Set(float64(claimed))
	paygateChannels.WithLabelValues("unclaimed").Set(float64(unclaimed))
}

func amountFloat(n *big.Int) float64 {
	return decimal.NewFromBigInt(n, 0).InexactFloat64()
}
