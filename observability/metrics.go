// Package observability — metrics.go
//
// Prometheus metrics for epochpds.
//
// Endpoint: GET /metrics (configurable address, loopback recommended).
// Metric naming convention: epochpds_<subsystem>_<name>_<unit>
//
// All metrics are registered on a dedicated prometheus.Registry (not the
// default global registry) to avoid collisions with other instrumented
// libraries in the same process.
//
// Cardinality control:
//   - Filter role labels use the four role names only.
//   - Epoch IDs and URIs are NOT used as labels (unbounded cardinality).
//
// Privacy note: these are operational counters. Remaining budget per
// filter is deliberately not exported; it is device-local state.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metric descriptors for epochpds.
type Metrics struct {
	registry *prometheus.Registry

	// EventsRegisteredTotal counts impression events accepted by the
	// event store.
	EventsRegisteredTotal prometheus.Counter

	// ReportsComputedTotal counts completed ComputeReport calls.
	ReportsComputedTotal prometheus.Counter

	// ReportLatency records the end-to-end report pipeline latency.
	ReportLatency prometheus.Histogram

	// EpochsDroppedTotal counts epoch drops by the filter role that
	// rejected the deduction.
	// Labels: filter_role (per_querier, global, trigger_quota, source_quota)
	EpochsDroppedTotal *prometheus.CounterVec

	// EpsilonConsumedTotal accumulates committed finite epsilon by
	// filter role.
	// Labels: filter_role
	EpsilonConsumedTotal *prometheus.CounterVec

	// PassiveRequestsTotal counts passive loss requests by outcome.
	// Labels: outcome (continue, out_of_budget)
	PassiveRequestsTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all epochpds Prometheus metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,

		EventsRegisteredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "epochpds",
			Subsystem: "events",
			Name:      "registered_total",
			Help:      "Total impression events accepted by the event store.",
		}),

		ReportsComputedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "epochpds",
			Subsystem: "reports",
			Name:      "computed_total",
			Help:      "Total completed attribution report computations.",
		}),

		ReportLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "epochpds",
			Subsystem: "reports",
			Name:      "latency_seconds",
			Help:      "End-to-end report pipeline latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),

		EpochsDroppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "epochpds",
			Subsystem: "accounting",
			Name:      "epochs_dropped_total",
			Help:      "Total epoch drops, by the filter role that ran out of budget.",
		}, []string{"filter_role"}),

		EpsilonConsumedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "epochpds",
			Subsystem: "accounting",
			Name:      "epsilon_consumed_total",
			Help:      "Committed finite epsilon, by filter role.",
		}, []string{"filter_role"}),

		PassiveRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "epochpds",
			Subsystem: "accounting",
			Name:      "passive_requests_total",
			Help:      "Total passive privacy loss requests, by outcome.",
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		m.EventsRegisteredTotal,
		m.ReportsComputedTotal,
		m.ReportLatency,
		m.EpochsDroppedTotal,
		m.EpsilonConsumedTotal,
		m.PassiveRequestsTotal,
		// Standard Go runtime metrics.
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// ServeMetrics starts the Prometheus HTTP metrics server on the given
// address. Blocks until ctx is cancelled or the server fails.
func (m *Metrics) ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server on %s: %w", addr, err)
	}
	return nil
}
