// Package metrics provides Prometheus instrumentation for the
// marketplace service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ListingsCreated counts listings successfully created.
	ListingsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "market_listings_created_total",
		Help: "Total listings created",
	})

	// ListingsSettled counts terminal listing transitions by outcome.
	ListingsSettled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "market_listings_settled_total",
		Help: "Total listings settled, by outcome",
	}, []string{"outcome"}) // sold, cancelled, expired

	// SettlementConflicts counts settlements that lost the
	// re-check-before-commit race.
	SettlementConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "market_settlement_conflicts_total",
		Help: "Settlements rejected because the listing was no longer active",
	})

	// FeesCollected accumulates house fees in gold.
	FeesCollected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "market_fees_collected_gold_total",
		Help: "Cumulative house fees in gold",
	})

	// PriceTicks counts price ticks computed, by mode.
	PriceTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "market_price_ticks_total",
		Help: "Price ticks computed, by mode (data or degraded)",
	}, []string{"mode"})

	// ActiveListings tracks the size of the in-memory active set.
	ActiveListings = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "market_active_listings",
		Help: "Number of active listings in the local cache",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "market_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "market_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "market_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		path := r.URL.Path
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
