package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/venice-relay/internal/proxy"
	"github.com/shehryarbajwa/venice-relay/internal/ratelimit"
)

// RouteOptions carries the optional pieces mounted next to the chat routes
type RouteOptions struct {
	Limiter         *ratelimit.Limiter
	RequestsPerHour int
	// Metrics serves /metrics when set
	Metrics http.Handler
	// Debug serves /debug/devtools when set
	Debug  *proxy.Server
	Logger *zap.Logger
}

// SetupRoutes configures all HTTP routes
func (h *Handler) SetupRoutes(opts RouteOptions) *mux.Router {
	r := mux.NewRouter()

	// Chat is the only rate limited endpoint
	var chat http.Handler = http.HandlerFunc(h.Chat)
	if opts.Limiter != nil {
		chat = RateLimitMiddleware(opts.Limiter, opts.RequestsPerHour)(chat)
	}
	r.Handle("/chat", chat).Methods("POST", "OPTIONS")

	r.HandleFunc("/sessions", h.ListSessions).Methods("GET")
	r.HandleFunc("/sessions/{id}", h.DeleteSession).Methods("DELETE", "OPTIONS")
	r.HandleFunc("/healthz", h.Health).Methods("GET")

	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics).Methods("GET")
	}
	if opts.Debug != nil {
		r.HandleFunc("/debug/devtools", opts.Debug.HandleDebugConnection).Methods("GET")
	}

	logger := opts.Logger
	if logger == nil {
		logger = h.log
	}
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(logger))
	r.Use(corsMiddleware)

	return r
}

// corsMiddleware adds CORS headers
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Client-ID, X-Request-ID")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
