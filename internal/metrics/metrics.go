// Package metrics provides Prometheus instrumentation for the exchange.
package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TradesTotal counts trade attempts, partitioned by type and outcome
	// ("committed" or the rejection code).
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_trades_total",
		Help: "Trade attempts by type and outcome",
	}, []string{"type", "outcome"})

	// TradeLatency tracks end-to-end trade execution time, lock wait included.
	TradeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "exchange_trade_latency_seconds",
		Help:    "Trade execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})

	// LockWait tracks time spent waiting for a founder lock.
	LockWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "exchange_lock_wait_seconds",
		Help:    "Time spent acquiring per-founder trade locks",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	})

	// TradeRetries counts executor retries after a concurrency conflict.
	TradeRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "exchange_trade_retries_total",
		Help: "Trades retried after a concurrent pool modification",
	})

	// InvariantViolations counts candidate pool states rejected by the validator.
	InvariantViolations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_invariant_violations_total",
		Help: "Pool states rejected by the invariant validator",
	}, []string{"founder_id"})

	// SharesTraded tracks cumulative share volume per founder.
	SharesTraded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_shares_traded_total",
		Help: "Cumulative shares traded",
	}, []string{"founder_id", "type"})

	// PublishFailures counts change events a sink failed to deliver.
	PublishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_publish_failures_total",
		Help: "Change events a sink failed to deliver",
	}, []string{"sink"})

	// RateLimited counts requests rejected by the rate limiter.
	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "exchange_rate_limited_total",
		Help: "Requests rejected by the per-client rate limiter",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "exchange_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "exchange_http_request_duration_seconds",
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
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		path := routePattern(r)
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// routePattern labels requests by chi route (/founders/{founderID}) rather
// than raw path so investor and founder IDs don't explode cardinality.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unmatched"
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

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Hijack passes WebSocket upgrades through to the underlying connection.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
