package server

import (
	"net/http"
)

// handleRoot serves the service info card.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service":     "Overvoice",
		"version":     Version,
		"description": "TTS prefetch proxy: streams LLM replies while pre-synthesizing sentence audio",
	})
}

// handleHealth reports process health with backend and cache snapshots.
// It never blocks on I/O; everything it reads is in-memory state.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "healthy",
		"version":  Version,
		"backends": s.pool.Stats(),
		"cache":    s.cache.Stats(),
	})
}

// handleCacheStats returns the cache counters.
func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cache.Stats())
}

// handleCacheClear drops every cache entry. In-flight synthesizers finish in
// the background and their results are discarded.
func (s *Server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	cleared := s.cache.Clear(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "success",
		"cleared": cleared,
	})
}

// handleModels lists the configured TTS model, OpenAI-style.
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"object": "list",
		"data": []map[string]any{
			{
				"id":       s.cfg.TTS.DefaultModel,
				"object":   "model",
				"created":  unixNow(),
				"owned_by": "overvoice",
			},
		},
	})
}

// handleAudioModels mirrors handleModels under the audio namespace.
func (s *Server) handleAudioModels(w http.ResponseWriter, r *http.Request) {
	s.handleModels(w, r)
}
