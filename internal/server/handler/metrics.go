package handler

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	vtRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vt_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	vtRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vt_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	vtLedgerAppendsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vt_ledger_appends_total",
		Help: "Total ledger entries appended via the HTTP API.",
	})

	vtVerificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vt_verifications_total",
		Help: "Total chain verifications by outcome.",
	}, []string{"result"})

	vtRedactionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vt_redactions_total",
		Help: "Total redaction passes applied.",
	})

	vtRedactedEntriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vt_redacted_entries_total",
		Help: "Total entries whose payload was redacted.",
	})

	vtStorageProbesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vt_storage_probes_total",
		Help: "Total storage health probes by result.",
	}, []string{"result"})

	vtRateLimitedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vt_rate_limited_total",
		Help: "Total requests rejected by the per-IP rate limiter.",
	})
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
			path = c.Request.URL.Path
		}

		vtRequestsTotal.WithLabelValues(method, path, status).Inc()
		vtRequestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// MetricsHandler returns a Gin handler that serves Prometheus metrics.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordLedgerAppend records one appended entry.
func RecordLedgerAppend() {
	vtLedgerAppendsTotal.Inc()
}

// RecordVerification records a chain verification outcome.
func RecordVerification(valid bool) {
	if valid {
		vtVerificationsTotal.WithLabelValues("valid").Inc()
	} else {
		vtVerificationsTotal.WithLabelValues("broken").Inc()
	}
}

// RecordRedaction records a redaction pass and how many entries it touched.
func RecordRedaction(entriesAffected uint64) {
	vtRedactionsTotal.Inc()
	vtRedactedEntriesTotal.Add(float64(entriesAffected))
}

// RecordRateLimited records a request rejected by the rate limiter.
func RecordRateLimited() {
	vtRateLimitedTotal.Inc()
}

// RecordStorageProbe records a storage health probe result.
func RecordStorageProbe(success bool) {
	if success {
		vtStorageProbesTotal.WithLabelValues("success").Inc()
	} else {
		vtStorageProbesTotal.WithLabelValues("failure").Inc()
	}
}
