// Package httpcommon holds the HTTP-facing building blocks shared by the
// legacy SSE (C7), Streamable HTTP (C8), and WebSocket (C9) proxies:
// health checks, loopback-restricted CORS, and Prometheus metrics.
package httpcommon

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/reticlehq/reticle/internal/ctxkey"
)

// HealthHandler responds 200 OK with a short status string on every HTTP
// transport, per the external interface contract.
func HealthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// loopbackHosts are the hosts whose origins CORS allows by default.
// Restrict to the local loopback set unless the operator configures
// additional origins.
var loopbackHosts = []string{"localhost", "127.0.0.1", "::1"}

// CORS wraps next with a CORS policy that, by default, only allows
// requests whose Origin header resolves to a loopback host. Pass extra
// allowed origins (exact matches) to widen the policy.
func CORS(next http.Handler, extraOrigins ...string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && isAllowedOrigin(origin, extraOrigins) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Mcp-Session-Id, Last-Event-ID")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isAllowedOrigin(origin string, extra []string) bool {
	for _, e := range extra {
		if e == origin {
			return true
		}
	}
	host := stripScheme(origin)
	h, _, err := net.SplitHostPort(host)
	if err != nil {
		h = host
	}
	for _, loopback := range loopbackHosts {
		if h == loopback {
			return true
		}
	}
	return false
}

func stripScheme(origin string) string {
	if i := strings.Index(origin, "://"); i >= 0 {
		return origin[i+3:]
	}
	return origin
}

// Metrics holds the Prometheus collectors shared across the HTTP-facing
// proxies.
type Metrics struct {
	RequestDuration *prometheus.HistogramVec
	// HubDropsTotal is registered but nothing in this module increments
	// it, so it stays at zero.
	HubDropsTotal prometheus.Counter
}

// NewMetrics registers the proxy's HTTP metrics against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "reticle",
			Subsystem: "proxy",
			Name:      "request_duration_seconds",
			Help:      "Latency of proxied HTTP requests by transport and route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"transport", "route"}),
		HubDropsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "reticle",
			Subsystem: "hub",
			Name:      "drops_total",
			Help:      "Telemetry events dropped because the Hub bridge was unavailable.",
		}),
	}
}

// Instrument wraps next, recording request latency for route under
// transport.
func (m *Metrics) Instrument(transport, route string, next http.HandlerFunc) http.HandlerFunc {
	if m == nil {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next(w, r)
		m.RequestDuration.WithLabelValues(transport, route).Observe(time.Since(start).Seconds())
	}
}

var requestCounter uint64

// WithLogger wraps next so every request's context carries a logger
// enriched with a per-request id and the transport name, retrievable via
// LoggerFromContext.
func WithLogger(transport string, base *slog.Logger, next http.Handler) http.Handler {
	if base == nil {
		base = slog.Default()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := atomic.AddUint64(&requestCounter, 1)
		logger := base.With("transport", transport, "request_id", reqID)
		ctx := context.WithValue(r.Context(), ctxkey.LoggerKey{}, logger)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// LoggerFromContext returns the logger attached by WithLogger, or
// slog.Default() if none is present.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(ctxkey.LoggerKey{}).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}
