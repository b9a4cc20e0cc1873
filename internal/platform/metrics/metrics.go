// Package metrics exposes Prometheus counters for the pre-alert workflow and
// the HTTP layer.
package metrics

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups every collector the service records.
type Metrics struct {
	reg prometheus.Gatherer

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	alertsCreated      *prometheus.CounterVec
	alertTransitions   *prometheus.CounterVec
	hospitalChanges    prometheus.Counter
	routingFallbacks   *prometheus.CounterVec
	recommendFallbacks *prometheus.CounterVec
	realtimePublished  *prometheus.CounterVec
	activeSubscribers  prometheus.Gauge
}

// New registers all collectors on reg. Tests pass prometheus.NewRegistry()
// so repeated construction never collides.
func New(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		httpRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "prealert_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),
		httpRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "prealert_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		alertsCreated: f.NewCounterVec(prometheus.CounterOpts{
			Name: "prealert_alerts_created_total",
			Help: "Pre-alerts created, by triage level",
		}, []string{"triage"}),
		alertTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "prealert_alert_transitions_total",
			Help: "Alert status transitions, by target status",
		}, []string{"status"}),
		hospitalChanges: f.NewCounter(prometheus.CounterOpts{
			Name: "prealert_hospital_reassignments_total",
			Help: "Alerts reassigned to a different hospital",
		}),
		routingFallbacks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "prealert_routing_fallbacks_total",
			Help: "Routed estimates replaced by the straight-line fallback, by cause",
		}, []string{"cause"}),
		recommendFallbacks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "prealert_recommendation_fallbacks_total",
			Help: "Recommendation requests answered by the deterministic ranker, by cause",
		}, []string{"cause"}),
		realtimePublished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "prealert_realtime_events_published_total",
			Help: "Change events published on the realtime broker, by table",
		}, []string{"table"}),
		activeSubscribers: f.NewGauge(prometheus.GaugeOpts{
			Name: "prealert_websocket_clients",
			Help: "Connected websocket clients",
		}),
	}
}

func (m *Metrics) AlertCreated(triage string) {
	if m == nil {
		return
	}
	m.alertsCreated.WithLabelValues(triage).Inc()
}

func (m *Metrics) AlertTransition(status string) {
	if m == nil {
		return
	}
	m.alertTransitions.WithLabelValues(status).Inc()
}

func (m *Metrics) HospitalChanged() {
	if m == nil {
		return
	}
	m.hospitalChanges.Inc()
}

func (m *Metrics) RoutingFallback(cause string) {
	if m == nil {
		return
	}
	m.routingFallbacks.WithLabelValues(cause).Inc()
}

func (m *Metrics) RecommendFallback(cause string) {
	if m == nil {
		return
	}
	m.recommendFallbacks.WithLabelValues(cause).Inc()
}

func (m *Metrics) EventPublished(table string) {
	if m == nil {
		return
	}
	m.realtimePublished.WithLabelValues(table).Inc()
}

func (m *Metrics) ClientConnected() {
	if m == nil {
		return
	}
	m.activeSubscribers.Inc()
}

func (m *Metrics) ClientDisconnected() {
	if m == nil {
		return
	}
	m.activeSubscribers.Dec()
}

// Middleware records request counts and latency keyed by the matched route
// pattern, not the raw path, to keep label cardinality bounded.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			method := c.Request().Method
			m.httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
			m.httpRequestDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// Handler serves the Prometheus text exposition for this registry.
func (m *Metrics) Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{}))
}
