// Package metrics provides Prometheus instrumentation for the matching engine.
package metrics

import (
	"bufio"
	"errors"
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
	// RequestsTotal counts engine requests by type and outcome (reply type).
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_engine_requests_total",
		Help: "Engine requests processed, by request type and reply type",
	}, []string{"type", "outcome"})

	RequestLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "atmx_engine_request_seconds",
		Help:    "Time spent inside the engine per request",
		Buckets: []float64{0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.05, 0.25},
	}, []string{"type"})

	// InboundDepth is sampled by the engine loop before each request.
	InboundDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "atmx_engine_inbound_depth",
		Help: "Requests waiting for the engine",
	})

	// TradesTotal counts fills per market.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_trades_total",
		Help: "Total number of trades executed",
	}, []string{"market_id"})

	// MarketVolume tracks cumulative traded quantity per market.
	MarketVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_market_volume_total",
		Help: "Cumulative trade volume in shares",
	}, []string{"market_id"})

	// ActiveMarkets tracks the number of books held in memory.
	ActiveMarkets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "atmx_active_markets",
		Help: "Number of order books in memory",
	})

	WriteBehindPushFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "atmx_writebehind_push_failures_total",
		Help: "Persistence entries that could not be enqueued",
	})

	// DrainedEntries counts entries applied to the store, by entry type.
	DrainedEntries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_writebehind_drained_total",
		Help: "Persistence entries applied to the store",
	}, []string{"type"})

	DrainRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "atmx_writebehind_retries_total",
		Help: "Failed store applications that were retried",
	})

	DeadLetters = promauto.NewCounter(prometheus.CounterOpts{
		Name: "atmx_writebehind_dead_letters_total",
		Help: "Persistence entries moved to the dead-letter queue",
	})

	// MarketDataDropped counts snapshots and prints dropped under backpressure.
	MarketDataDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_marketdata_dropped_total",
		Help: "Market data events dropped because a buffer was full",
	}, []string{"stage"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "atmx_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts ops HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "atmx_http_request_duration_seconds",
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

		path := routePattern(r)
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

// routePattern prefers the chi route pattern to keep label cardinality low.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
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

// Hijack lets websocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
