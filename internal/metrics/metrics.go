// Package metrics exposes Prometheus counters for the acquisition
// pipeline and a small /metrics server.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/harwick/trendscope/internal/query"
)

var (
	FetchAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trendscope_fetch_attempts_total",
			Help: "Fetch attempts by strategy, outcome, and blocking vendor",
		},
		[]string{"strategy", "outcome", "vendor"},
	)

	FetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "trendscope_fetch_duration_seconds",
			Help:    "Duration of individual fetch attempts in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"strategy"},
	)

	CacheEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trendscope_cache_events_total",
			Help: "Cache lookups by event (hit, miss, expired)",
		},
		[]string{"event"},
	)

	RateDenialsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trendscope_rate_denials_total",
			Help: "Admissions denied by the rate limiter",
		},
		[]string{"host", "class"},
	)

	TrendsBatchesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "trendscope_trends_batches_total",
			Help: "Keyword batches sent to the trends provider",
		},
	)

	QueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trendscope_queries_total",
			Help: "Completed queries by kind and final state",
		},
		[]string{"kind", "state"},
	)
)

// RecordAttempts feeds one query's attempt history into the counters.
func RecordAttempts(attempts []query.FetchAttempt) {
	for _, att := range attempts {
		FetchAttemptsTotal.WithLabelValues(att.Strategy, string(att.Outcome), att.Vendor).Inc()
		if att.Latency > 0 {
			FetchDuration.WithLabelValues(att.Strategy).Observe(att.Latency.Seconds())
		}
	}
}

// Server encapsulates an HTTP server for Prometheus metrics.
type Server struct {
	srv *http.Server
}

// Start begins listening on the specified port and exposes /metrics.
func Start(port int) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		// Suppress the error from intentional shutdown
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("metrics server failed: %v\n", err)
		}
	}()

	return &Server{srv: srv}
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}
