package server

import (
	"log/slog"
	"net/http"
	"time"
)

// Config configures the HTTP server.
type Config struct {
	Addr     string
	APIToken string
	Version  string
}

// NewHandler assembles the API, probe and metrics routes with the standard
// middleware chain. The bearer token guards only /v1 routes.
func NewHandler(cfg Config, api *API, health *HealthServer, metrics http.Handler, log *slog.Logger) http.Handler {
	if log == nil {
		log = slog.Default()
	}

	v1 := http.NewServeMux()
	api.Register(v1)

	mux := http.NewServeMux()
	mux.Handle("/v1/", RequireToken(cfg.APIToken)(v1))
	health.Register(mux)
	if metrics != nil {
		mux.Handle("GET /metrics", metrics)
	}

	return Chain(mux, Recover(log), OTel("coderag.http"), Logger(log))
}

// NewHTTPServer creates an http.Server with conservative timeouts.
func NewHTTPServer(addr string, h http.Handler) *http.Server {
	if addr == "" {
		addr = ":8080"
	}
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}
