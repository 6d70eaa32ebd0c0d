// internal/api/http/router.go
package http

import (
	"context"
	"net/http"
	"time"

	"chatbot-execlog/internal/auth"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
)

// RouterConfig selects the optional parts of the API.
type RouterConfig struct {
	DebugEndpoints bool
	AllowedOrigins []string
	// HealthCheck reports store reachability; nil means always healthy.
	HealthCheck func(ctx context.Context) error
}

// NewRouter registers every route and wraps the mux with CORS.
func NewRouter(h *ExecutionHandler, resolver *auth.TenantResolver, cfg RouterConfig) http.Handler {
	tracer := otel.Tracer("execlog-api")
	mux := http.NewServeMux()

	mux.Handle("GET /api/backend/stream",
		instrument(tracer, "/api/backend/stream", resolver.Middleware(http.HandlerFunc(h.handleStream))))
	if cfg.DebugEndpoints {
		mux.Handle("GET /api/backend/debug-logs",
			instrument(tracer, "/api/backend/debug-logs", resolver.Middleware(http.HandlerFunc(h.handleDebugLogs))))
	}

	mux.Handle("GET /health", instrument(tracer, "/health", healthHandler(cfg.HealthCheck)))
	mux.Handle("/metrics", promhttp.Handler())

	return corsMiddleware(cfg.AllowedOrigins, mux)
}

func healthHandler(check func(ctx context.Context) error) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := check(ctx); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "error": err.Error()})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})
}
