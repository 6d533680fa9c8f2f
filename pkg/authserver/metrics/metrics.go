// SPDX-FileCopyrightText: Copyright 2025 Tasklane, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package metrics exposes Prometheus instrumentation for the identity
// service: HTTP request metrics plus counters for the protocol surfaces.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "identity_http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "identity_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "identity_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	tokensIssuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "identity_tokens_issued_total",
			Help: "Tokens issued, by grant type.",
		},
		[]string{"grant_type"},
	)

	signInsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "identity_sign_ins_total",
			Help: "Sign-in attempts, by outcome.",
		},
		[]string{"outcome"},
	)

	devicePollsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "identity_device_polls_total",
			Help: "Device grant polls, by outcome.",
		},
		[]string{"outcome"},
	)

	keyRotationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "identity_key_rotations_total",
		Help: "Completed signing key rotations.",
	})

	rateLimitedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "identity_rate_limited_total",
			Help: "Requests rejected by the rate limiter, by route.",
		},
		[]string{"route"},
	)
)

// Init registers all metrics with the default registry. Call once at startup.
func Init() {
	prometheus.MustRegister(
		httpInFlight,
		httpRequestsTotal,
		httpRequestDuration,
		tokensIssuedTotal,
		signInsTotal,
		devicePollsTotal,
		keyRotationsTotal,
		rateLimitedTotal,
	)
}

// Handler serves the /metrics scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// TokenIssued records a successful token issuance for a grant type.
func TokenIssued(grantType string) {
	tokensIssuedTotal.WithLabelValues(grantType).Inc()
}

// SignIn records a sign-in attempt outcome ("success", "failure").
func SignIn(outcome string) {
	signInsTotal.WithLabelValues(outcome).Inc()
}

// DevicePoll records a device grant poll outcome (the OAuth error code, or
// "issued").
func DevicePoll(outcome string) {
	devicePollsTotal.WithLabelValues(outcome).Inc()
}

// KeyRotated records a completed signing key rotation.
func KeyRotated() {
	keyRotationsTotal.Inc()
}

// RateLimited records a request rejected by the rate limiter.
func RateLimited(route string) {
	rateLimitedTotal.WithLabelValues(route).Inc()
}

// Instrument wraps a handler with request count, latency, and in-flight
// tracking.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		status := strconv.Itoa(sw.code)
		httpRequestDuration.WithLabelValues(r.Method, r.URL.Path, status).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(r.Method, r.URL.Path, status).Inc()
		httpInFlight.Dec()
	})
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
