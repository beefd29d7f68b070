// Package metrics exposes Prometheus instrumentation for the payment
// engine and a small HTTP server publishing it on a dedicated listener.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collectors groups the engine's Prometheus collectors.
type Collectors struct {
	ChargesAttempted *prometheus.CounterVec
	ChargeLatency    prometheus.Histogram
	CycleDuration    prometheus.Histogram
	DueBacklog       prometheus.Gauge
	EnclaveErrors    prometheus.Counter
}

// MetricsServer serves the Prometheus registry over HTTP.
type MetricsServer struct {
	srv        *http.Server
	registry   *prometheus.Registry
	Collectors *Collectors
}

// New creates a metrics server for the given namespace listening on addr.
func New(namespace, addr string) (*MetricsServer, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())

	collectors := &Collectors{
		ChargesAttempted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "charges_total",
				Help:      "Charge attempts by outcome.",
			},
			[]string{"outcome"},
		),
		ChargeLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "charge_latency_seconds",
				Help:      "Duration of individual charge submissions.",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
			},
		),
		CycleDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "monitor_cycle_seconds",
				Help:      "Duration of full monitoring cycles.",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
			},
		),
		DueBacklog: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "due_subscriptions",
				Help:      "Due subscriptions found in the last cycle.",
			},
		),
		EnclaveErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "enclave_errors_total",
				Help:      "Failed enclave signing or custody operations.",
			},
		),
	}

	registry.MustRegister(
		collectors.ChargesAttempted,
		collectors.ChargeLatency,
		collectors.CycleDuration,
		collectors.DueBacklog,
		collectors.EnclaveErrors,
	)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	return &MetricsServer{
		srv: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		registry:   registry,
		Collectors: collectors,
	}, nil
}

// ListenAndServe blocks serving the metrics endpoint.
func (s *MetricsServer) ListenAndServe() error {
	return s.srv.ListenAndServe()
}

// Shutdown gracefully stops the metrics server.
func (s *MetricsServer) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// RecordCharge books one charge attempt outcome.
func (c *Collectors) RecordCharge(outcome string, latency time.Duration) {
	if c == nil {
		return
	}
	c.ChargesAttempted.WithLabelValues(outcome).Inc()
	c.ChargeLatency.Observe(latency.Seconds())
}

// RecordCycle books one completed monitoring cycle.
func (c *Collectors) RecordCycle(due int, duration time.Duration) {
	if c == nil {
		return
	}
	c.DueBacklog.Set(float64(due))
	c.CycleDuration.Observe(duration.Seconds())
}

// RecordEnclaveError counts one failed enclave operation.
func (c *Collectors) RecordEnclaveError() {
	if c == nil {
		return
	}
	c.EnclaveErrors.Inc()
}
