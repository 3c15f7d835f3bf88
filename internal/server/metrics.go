// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jeranaias/jarvish/internal/session"
)

// =============================================================================
// METRICS
// =============================================================================

const metricsNamespace = "jarvish"

// Metrics holds the collectors of one server. Each server has its own
// registry so tests can build as many servers as they like.
type Metrics struct {
	registry *prometheus.Registry

	requests        *prometheus.CounterVec
	duration        *prometheus.HistogramVec
	inflight        prometheus.Gauge
	rejected        prometheus.Counter
	sessions        *prometheus.CounterVec
	tokens          prometheus.Counter
	sessionDuration prometheus.Histogram
}

// NewMetrics registers the server collectors, plus gauges read from hub.
func NewMetrics(hub *Hub) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"path", "method", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"path", "method"}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "In-flight HTTP requests",
		}),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "http",
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the rate limiter",
		}),
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "stream",
			Name:      "sessions_total",
			Help:      "Streaming sessions by outcome",
		}, []string{"state"}),
		tokens: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "stream",
			Name:      "tokens_total",
			Help:      "Tokens forwarded to the UI",
		}),
		sessionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "stream",
			Name:      "session_duration_seconds",
			Help:      "Wall time of streaming sessions",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}),
	}

	m.registry.MustRegister(
		m.requests, m.duration, m.inflight, m.rejected,
		m.sessions, m.tokens, m.sessionDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if hub != nil {
		m.registry.MustRegister(
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: "events",
				Name:      "subscribers",
				Help:      "Connected UI event subscribers",
			}, func() float64 { return float64(hub.Subscribers()) }),
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "events",
				Name:      "dropped_total",
				Help:      "UI events lost to subscribers that fell behind",
			}, func() float64 { return float64(hub.Dropped()) }),
		)
	}
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Middleware instruments requests by chi route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.inflight.Inc()
		defer m.inflight.Dec()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		path := routePatternOrPath(r)
		m.requests.WithLabelValues(path, r.Method, statusLabel(ww.Status())).Inc()
		m.duration.WithLabelValues(path, r.Method).Observe(time.Since(start).Seconds())
	})
}

// ObserveSession records a finished session.
func (m *Metrics) ObserveSession(out session.Outcome) {
	m.sessions.WithLabelValues(out.State.String()).Inc()
	m.sessionDuration.Observe(out.Duration.Seconds())
}

// ObserveRejectedSession records a session refused before it started.
func (m *Metrics) ObserveRejectedSession() {
	m.sessions.WithLabelValues("rejected").Inc()
}

// Emitter counts forwarded tokens. Tee it with the hub.
func (m *Metrics) Emitter() session.Emitter {
	return session.EmitterFuncs{
		OnToken: func(string) { m.tokens.Inc() },
	}
}

// routePatternOrPath keeps label cardinality bounded to the route table.
func routePatternOrPath(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}
