// Package metrics provides Prometheus instrumentation for the equity ledger.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// OrdersTotal counts orders by side and outcome ("ok" or an error kind).
	OrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_orders_total",
		Help: "Total number of orders processed",
	}, []string{"side", "outcome"})

	// OrderLatency tracks order execution latency, oracle call included.
	OrderLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_order_latency_seconds",
		Help:    "Order execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"side"})

	// SharesTraded tracks cumulative executed quantity per side.
	SharesTraded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_shares_traded_total",
		Help: "Cumulative executed quantity in shares",
	}, []string{"side"})

	// OracleFailures counts failed price lookups.
	OracleFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_oracle_failures_total",
		Help: "Price lookups that failed or timed out",
	})

	// ValuationRefreshes counts last-price refreshes by result.
	ValuationRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_valuation_refreshes_total",
		Help: "Per-symbol last price refreshes during valuation",
	}, []string{"result"})

	// LedgerInconsistencies counts orders blocked by a failed invariant check.
	LedgerInconsistencies = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_inconsistencies_total",
		Help: "Orders aborted because lots, trades and cash disagreed",
	})

	// PositionLimitRejections counts buys rejected by the position cap.
	PositionLimitRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_position_limit_rejections_total",
		Help: "Orders rejected by the position limiter",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ledger_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_http_request_duration_seconds",
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

		path := routePattern(r)
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// routePattern returns the matched chi pattern (/api/v1/portfolio/{userID})
// so user IDs never become label values.
func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
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

// Unwrap lets http.ResponseController reach the underlying writer, which
// the WebSocket upgrade needs for hijacking.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
