// Package metrics provides Prometheus instrumentation for the risk-auth service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "riskauth"

var (
	// HTTPRequestsTotal counts HTTP requests by method, route pattern and status bucket.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, route pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// DecisionsTotal counts final authentication decisions.
	DecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Authentication decisions by outcome and driver (model, override, fallback, credentials).",
		},
		[]string{"decision", "driver"},
	)

	// ModelFallbacksTotal counts scorer fallbacks by cause.
	ModelFallbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_fallbacks_total",
			Help:      "Risk model calls that fell back to the conservative score, by cause.",
		},
		[]string{"cause"},
	)

	ModelLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "model_latency_seconds",
			Help:      "Risk model prediction latency in seconds.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
	)

	// OTPTransitionsTotal counts OTP challenge transitions by resulting state.
	OTPTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "otp_transitions_total",
			Help:      "Committed OTP challenge transitions by resulting state.",
		},
		[]string{"state"},
	)

	NotifyFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "otp_notify_failures_total",
		Help:      "OTP notifications that could not be handed to the delivery channel.",
	})

	// AuditSinkFailuresTotal counts audit writes that failed per sink.
	AuditSinkFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_sink_failures_total",
			Help:      "Audit events a sink failed to persist.",
		},
		[]string{"sink"},
	)

	RateLimitedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "otp_rate_limited_total",
		Help:      "OTP requests rejected by the per-identity rate limiter.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		DecisionsTotal,
		ModelFallbacksTotal,
		ModelLatency,
		OTPTransitionsTotal,
		NotifyFailuresTotal,
		AuditSinkFailuresTotal,
		RateLimitedTotal,
	)
}

// Middleware records request metrics keyed by the chi route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		path := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				path = p
			}
		}
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
		HTTPRequestsTotal.WithLabelValues(r.Method, path, statusBucket(ww.Status())).Inc()
	})
}

// Handler returns the Prometheus handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

func statusBucket(code int) string {
	if code == 0 {
		code = http.StatusOK
	}
	return strconv.Itoa(code/100) + "xx"
}
