package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
)

// speechRequest is the OpenAI-compatible /v1/audio/speech body. The
// response_format and speed fields are accepted for compatibility but do not
// affect the cache fingerprint.
type speechRequest struct {
	Model          string  `json:"model"`
	Input          string  `json:"input"`
	Voice          string  `json:"voice"`
	ResponseFormat string  `json:"response_format"`
	Speed          float64 `json:"speed"`
}

// handleSpeech resolves a synthesis request through the cache: an existing
// artifact returns immediately, a pending prefetch is awaited, and a miss
// synthesizes on demand.
func (s *Server) handleSpeech(w http.ResponseWriter, r *http.Request) {
	var req speechRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "request body is not valid JSON")
		return
	}
	if strings.TrimSpace(req.Input) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "input must not be empty")
		return
	}
	if req.Model == "" {
		req.Model = s.cfg.TTS.DefaultModel
	}
	if req.Voice == "" {
		req.Voice = s.cfg.TTS.DefaultVoice
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.TTS.Timeout)
	defer cancel()

	audio, err := s.cache.Get(ctx, req.Model, req.Voice, req.Input)
	if err != nil {
		writeMappedError(w, err)
		return
	}

	w.Header().Set("Content-Type", "audio/wav")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(audio)
}
