// Package server exposes the Overvoice HTTP surface: the two authenticated
// OpenAI-compatible endpoints (/v1/chat/completions, /v1/audio/speech) and
// the open ops endpoints (health, cache stats and clear, model lists,
// Prometheus metrics).
package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/overvoice/overvoice/internal/backend"
	"github.com/overvoice/overvoice/internal/cache"
	"github.com/overvoice/overvoice/internal/config"
	"github.com/overvoice/overvoice/internal/dispatch"
	"github.com/overvoice/overvoice/internal/observe"
	"github.com/overvoice/overvoice/internal/proxy"
)

// Version is the service version reported on the ops surface.
const Version = "1.0.0"

// Server holds the wired subsystems behind the HTTP surface.
// Construct with [New]; register routes with [Handler].
type Server struct {
	cfg     *config.Config
	cache   *cache.Cache
	pool    *backend.Pool
	llm     *proxy.Client
	metrics *observe.Metrics
}

// New creates a Server over the wired subsystems. metrics may be nil.
func New(cfg *config.Config, c *cache.Cache, pool *backend.Pool, llm *proxy.Client, metrics *observe.Metrics) *Server {
	return &Server{
		cfg:     cfg,
		cache:   c,
		pool:    pool,
		llm:     llm,
		metrics: metrics,
	}
}

// Handler returns the fully routed HTTP handler, wrapped in the observability
// middleware. Bearer auth applies only to the two /v1 POST endpoints.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("POST /v1/chat/completions", s.requireAuth(http.HandlerFunc(s.handleChatCompletions)))
	mux.Handle("POST /v1/audio/speech", s.requireAuth(http.HandlerFunc(s.handleSpeech)))

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /cache/stats", s.handleCacheStats)
	mux.HandleFunc("POST /cache/clear", s.handleCacheClear)
	mux.HandleFunc("GET /v1/models", s.handleModels)
	mux.HandleFunc("GET /v1/audio/models", s.handleAudioModels)
	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.Handle("GET /metrics", promhttp.Handler())

	return observe.Middleware(s.metrics)(mux)
}

// requireAuth rejects requests whose Authorization header does not carry the
// configured bearer token. An empty configured key disables the check.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if key := s.cfg.Server.APIKey; key != "" {
			if r.Header.Get("Authorization") != "Bearer "+key {
				writeError(w, http.StatusUnauthorized, "invalid_request_error",
					"missing or invalid bearer token")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// writeJSON writes v as a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes an OpenAI-style error envelope.
func writeError(w http.ResponseWriter, status int, errType, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    errType,
			"code":    status,
		},
	})
}

// writeMappedError classifies err through the shared taxonomy and writes the
// matching envelope.
func writeMappedError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, dispatch.ErrBadRequest):
		writeError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
	case errors.Is(err, cache.ErrWaitTimeout), errors.Is(err, dispatch.ErrTimeout):
		writeError(w, http.StatusGatewayTimeout, "timeout_error", err.Error())
	case errors.Is(err, dispatch.ErrUpstream), errors.Is(err, proxy.ErrUpstream), errors.Is(err, proxy.ErrIdle):
		writeError(w, http.StatusBadGateway, "upstream_error", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
	}
}

// unixNow is the created timestamp used in assembled OpenAI-shaped responses.
func unixNow() int64 { return time.Now().Unix() }
