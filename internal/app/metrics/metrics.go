// Package metrics exposes the agent's prometheus instrumentation on a
// private registry so tests can create isolated instances.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "token_agent"

// Metrics holds the agent's instruments.
type Metrics struct {
	registry *prometheus.Registry

	ChargesTotal    *prometheus.CounterVec
	ChargedAmount   *prometheus.CounterVec
	RebillSweepSize prometheus.Histogram

	requestDuration *prometheus.HistogramVec
}

// New creates a metrics set on a fresh registry.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.ChargesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "charges_total",
		Help:      "Charge attempts by kind and outcome.",
	}, []string{"kind", "outcome"})

	m.ChargedAmount = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "charged_amount_total",
		Help:      "Gross token amount charged, by kind.",
	}, []string{"kind"})

	m.RebillSweepSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "rebill_sweep_size",
		Help:      "Subscriptions processed per rebill sweep.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
	})

	m.requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency by route and status.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route", "status"})

	m.registry.MustRegister(m.ChargesTotal, m.ChargedAmount, m.RebillSweepSize, m.requestDuration)
	return m
}

// RecordCharge counts one charge attempt.
func (m *Metrics) RecordCharge(kind string, amount uint64, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.ChargesTotal.WithLabelValues(kind, outcome).Inc()
	if err == nil {
		m.ChargedAmount.WithLabelValues(kind).Add(float64(amount))
	}
}

// Handler serves the registry in prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// InstrumentHandler wraps an HTTP handler with latency instrumentation under
// the given route label.
func (m *Metrics) InstrumentHandler(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		m.requestDuration.WithLabelValues(route, strconv.Itoa(rec.status)).Observe(time.Since(start).Seconds())
	})
}
