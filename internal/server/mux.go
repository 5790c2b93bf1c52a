// Package server provides HTTP server construction for dash-sync.
package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/alexjbarnes/dash-sync/internal/auth"
)

// MuxConfig holds dependencies for building the HTTP mux.
type MuxConfig struct {
	APIKey         string
	MCPHandler     http.Handler
	MetricsHandler http.Handler
	Logger         *slog.Logger
}

// NewMux builds the HTTP mux with the MCP, metrics and health
// endpoints. MCP and metrics sit behind the API key middleware.
func NewMux(cfg MuxConfig) *http.ServeMux {
	authMiddleware := auth.Middleware(cfg.APIKey, cfg.Logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	if cfg.MCPHandler != nil {
		mux.Handle("/mcp", authMiddleware(cfg.MCPHandler))
	}

	if cfg.MetricsHandler != nil {
		mux.Handle("GET /metrics", authMiddleware(cfg.MetricsHandler))
	}

	return mux
}

// NewHTTPServer wraps handler with the timeouts used for the MCP listener.
func NewHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}
