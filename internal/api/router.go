package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/agentim/agentim/internal/wsserver"
)

// RouterConfig holds the dependencies needed to build the hub's HTTP
// surface. The wire protocol itself (client and gateway sessions) is
// handled entirely over the two WebSocket upgrade endpoints; everything
// else here exists for operability.
type RouterConfig struct {
	WSServer *wsserver.Server
	Logger   *zap.Logger

	// Ready is polled by /readyz. It should return nil once the hub has
	// finished connecting to its dependencies (store, etc) and is willing
	// to accept traffic.
	Ready func() error
}

// NewRouter builds the Chi router for the hub process. It exposes the two
// WebSocket upgrade endpoints plus the minimal operability surface
// (health, readiness, Prometheus metrics). There is no REST CRUD API:
// all application state changes travel over the WebSocket wire protocol.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// RequestID generates a unique ID for each request, used in logs and
	// response headers for tracing.
	r.Use(middleware.RequestID)

	// RealIP extracts the real client IP from X-Forwarded-For or X-Real-IP
	// headers when the server runs behind a reverse proxy.
	r.Use(middleware.RealIP)

	// RequestLogger logs every request with method, path, status and bytes.
	r.Use(RequestLogger(cfg.Logger))

	// Recoverer catches panics in handlers, logs them, and returns a 500
	// instead of crashing the server.
	r.Use(middleware.Recoverer)

	r.Get("/ws/client", cfg.WSServer.ServeClient)
	r.Get("/ws/gateway", cfg.WSServer.ServeGateway)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		Ok(w, envelope{"status": "ok"})
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if cfg.Ready == nil {
			Ok(w, envelope{"status": "ready"})
			return
		}
		if err := cfg.Ready(); err != nil {
			errJSON(w, http.StatusServiceUnavailable, err.Error(), "not_ready")
			return
		}
		Ok(w, envelope{"status": "ready"})
	})

	r.Handle("/metrics", promhttp.Handler())

	return r
}
