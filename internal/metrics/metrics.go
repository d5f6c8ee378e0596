// Package metrics provides Prometheus instrumentation for the brokering core.
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
	// OperationsTotal counts fill/kick/exit calls by outcome. result is "ok"
	// or the failure kind.
	OperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "modulend_operations_total",
		Help: "Brokering operations by result",
	}, []string{"operation", "result"})

	// OperationLatency tracks end-to-end operation latency.
	OperationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "modulend_operation_latency_seconds",
		Help:    "Brokering operation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	// FailureReasons counts failures by stable reason.
	FailureReasons = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "modulend_failure_reasons_total",
		Help: "Brokering failures by reason",
	}, []string{"operation", "reason"})

	// AgreementsPublished counts Agreements appended to the publication log.
	AgreementsPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "modulend_agreements_published_total",
		Help: "Agreements published",
	})

	// PositionsAborted counts positions unwound after a failed publication.
	PositionsAborted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "modulend_positions_aborted_total",
		Help: "Positions aborted because their Agreement could not be published",
	})

	// ArchivedAgreements counts Agreements copied to object storage.
	ArchivedAgreements = promauto.NewCounter(prometheus.CounterOpts{
		Name: "modulend_archived_agreements_total",
		Help: "Agreements archived to object storage",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "modulend_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "modulend_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "route", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "modulend_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "route"})
)

// ObserveOperation records one operation outcome.
func ObserveOperation(op, result, reason string, started time.Time) {
	OperationsTotal.WithLabelValues(op, result).Inc()
	OperationLatency.WithLabelValues(op).Observe(time.Since(started).Seconds())
	if reason != "" {
		FailureReasons.WithLabelValues(op, reason).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware records request metrics labelled with the chi route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Hijack is required for websocket upgrades.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
