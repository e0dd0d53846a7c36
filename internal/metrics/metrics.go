// Package metrics provides Prometheus instrumentation for the execution engine.
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
	// TicksIngested counts ticks produced by the normalizer.
	TicksIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "exec_ticks_ingested_total",
		Help: "Ticks produced by the market data normalizer",
	})

	// TicksDropped counts raw payloads dropped by the normalizer, by reason.
	TicksDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exec_ticks_dropped_total",
		Help: "Market data payloads dropped by the normalizer",
	}, []string{"reason"})

	// SubscriberOverwrites counts pending ticks replaced in a slow subscriber's queue.
	SubscriberOverwrites = promauto.NewCounter(prometheus.CounterOpts{
		Name: "exec_subscriber_overwrites_total",
		Help: "Pending ticks superseded before a subscriber consumed them",
	})

	// OrdersTotal counts orders reaching a terminal state.
	OrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exec_orders_total",
		Help: "Orders by terminal state",
	}, []string{"state", "side"})

	// SubmitAttempts counts placeOrder calls, including retries.
	SubmitAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "exec_submit_attempts_total",
		Help: "placeOrder attempts including retries",
	})

	// GatewayErrors counts gateway call failures by operation and kind.
	GatewayErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exec_gateway_errors_total",
		Help: "Brokerage gateway call failures",
	}, []string{"op", "kind"})

	// GatewayLatency tracks gateway call duration.
	GatewayLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "exec_gateway_latency_seconds",
		Help:    "Brokerage gateway call latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	// StopTriggers counts forced exits emitted by the scheduler.
	StopTriggers = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exec_stop_triggers_total",
		Help: "Forced exit intents by reason",
	}, []string{"reason"})

	// RiskRejections counts risk verdicts that blocked an action.
	RiskRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exec_risk_rejections_total",
		Help: "Intents blocked by risk policy",
	}, []string{"reason"})

	// LedgerCash tracks settled cash.
	LedgerCash = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "exec_ledger_cash",
		Help: "Settled cash balance",
	})

	// LedgerReservedCash tracks cash held by pending buy orders.
	LedgerReservedCash = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "exec_ledger_reserved_cash",
		Help: "Cash reserved by pending buy orders",
	})

	// SuspendedSymbols tracks symbols excluded from automated action.
	SuspendedSymbols = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "exec_suspended_symbols",
		Help: "Symbols suspended pending reconciliation or fresh prices",
	})

	// CycleDuration tracks periodic re-evaluation cycle duration.
	CycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "exec_cycle_duration_seconds",
		Help:    "Periodic re-evaluation cycle duration in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "exec_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exec_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "exec_http_request_duration_seconds",
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

// ObserveGateway records latency and, on failure, the error kind for a gateway call.
func ObserveGateway(op string, start time.Time, kind string) {
	GatewayLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if kind != "" {
		GatewayErrors.WithLabelValues(op, kind).Inc()
	}
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
