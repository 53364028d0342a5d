// Package metrics provides Prometheus instrumentation for the paper
// trading engine.
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
	// ConsensusTotal counts verified prices by provenance.
	ConsensusTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paper_consensus_total",
		Help: "Verified prices produced, by provenance",
	}, []string{"provenance"})

	// ConsensusFailures counts assets left unverifiable because the
	// primary source failed.
	ConsensusFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "paper_consensus_failures_total",
		Help: "Consensus failures caused by primary source unavailability",
	})

	// ProviderFailures counts adapter failures by provider and kind.
	ProviderFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paper_provider_failures_total",
		Help: "Market data provider failures",
	}, []string{"provider", "kind"})

	// SchedulerAttempts counts per-item analysis attempts by outcome.
	SchedulerAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paper_scheduler_attempts_total",
		Help: "Scheduler work item attempts",
	}, []string{"outcome"})

	// SchedulerItems counts work items reaching a final state.
	SchedulerItems = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paper_scheduler_items_total",
		Help: "Scheduler work items by final state",
	}, []string{"state"})

	// LedgerConflicts counts optimistic-concurrency conflicts on apply.
	LedgerConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "paper_ledger_conflicts_total",
		Help: "Ledger transactions retried because of a concurrent writer",
	})

	// TradesTotal counts trades executed, partitioned by side.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paper_trades_total",
		Help: "Total number of trades executed",
	}, []string{"side"})

	// DecisionsRejected counts decisions dropped before touching the ledger.
	DecisionsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "paper_decisions_rejected_total",
		Help: "Decisions rejected by the ledger",
	})

	// PortfolioValue tracks the latest snapshot total value per user.
	PortfolioValue = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "paper_portfolio_value",
		Help: "Latest portfolio total value",
	}, []string{"user"})

	// RunDuration tracks end-to-end agent run latency.
	RunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "paper_run_duration_seconds",
		Help:    "Agent run duration in seconds",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "paper_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paper_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "paper_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 5.0},
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

		// Route pattern keeps user IDs out of the label set.
		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if pattern := rc.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
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

// Hijack forwards to the underlying writer so WebSocket upgrades work
// behind the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("metrics: %T does not implement http.Hijacker", w.ResponseWriter)
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
