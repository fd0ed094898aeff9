// Package metrics provides Prometheus instrumentation for the guild engine.
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
	// PositionsOpened counts copied positions, partitioned by side.
	PositionsOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "guild_positions_opened_total",
		Help: "Total number of positions opened",
	}, []string{"side"})

	// PositionsResolved counts settled positions by outcome.
	PositionsResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "guild_positions_resolved_total",
		Help: "Total number of positions resolved",
	}, []string{"outcome"})

	// PositionLatency tracks copy/resolve transaction latency.
	PositionLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "guild_position_latency_seconds",
		Help:    "Position transaction latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	// LedgerRejections counts balance mutations refused by a guard.
	LedgerRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "guild_ledger_rejections_total",
		Help: "Ledger mutations rejected",
	}, []string{"reason"})

	// LedgerVolume tracks virtual currency moved, by direction.
	LedgerVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "guild_ledger_volume_total",
		Help: "Cumulative virtual currency debited or credited",
	}, []string{"direction"})

	// XPAwarded tracks experience granted per event.
	XPAwarded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "guild_xp_awarded_total",
		Help: "Experience points awarded",
	}, []string{"event"})

	// FollowsTotal counts follow and unfollow actions.
	FollowsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "guild_follows_total",
		Help: "Follow graph changes",
	}, []string{"action"})

	// FeedRequests counts upstream trade feed calls by result.
	FeedRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "guild_feed_requests_total",
		Help: "Upstream trade feed requests",
	}, []string{"result"})

	// FeedLatency tracks upstream trade feed latency.
	FeedLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "guild_feed_latency_seconds",
		Help:    "Upstream trade feed latency in seconds",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	})

	// TradesSeen counts raw feed trades examined by ingestion.
	TradesSeen = promauto.NewCounter(prometheus.CounterOpts{
		Name: "guild_ingest_trades_seen_total",
		Help: "Raw trades examined by ingestion",
	})

	// SignalsInserted counts new bets by category.
	SignalsInserted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "guild_ingest_signals_inserted_total",
		Help: "Signals inserted by ingestion",
	}, []string{"category"})

	// SignalsSkipped counts trades ingestion did not insert, by reason.
	SignalsSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "guild_ingest_signals_skipped_total",
		Help: "Trades skipped by ingestion",
	}, []string{"reason"})

	// IngestRunDuration tracks a full ingestion pass.
	IngestRunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "guild_ingest_run_duration_seconds",
		Help:    "Ingestion run duration in seconds",
		Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
	})

	// IngestLastSuccess is the unix time of the last completed run.
	IngestLastSuccess = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "guild_ingest_last_success_timestamp_seconds",
		Help: "Unix time of the last completed ingestion run",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "guild_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "guild_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "guild_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// unmatchedRoute labels requests that matched no route, such as 404s.
const unmatchedRoute = "unmatched"

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the route pattern for path label to avoid high cardinality.
		path := unmatchedRoute
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
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

// Hijack lets WebSocket upgrades pass through the wrapper.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
