package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/overvoice/overvoice/internal/observe"
	"github.com/overvoice/overvoice/internal/segment"
)

// ttsParams are the proxy-only fields stripped from a chat request before it
// is forwarded upstream.
type ttsParams struct {
	enabled bool
	model   string
	voice   string
}

// extractTTSParams pops the tts_* fields out of body and resolves defaults
// from the configuration.
func (s *Server) extractTTSParams(body map[string]any) ttsParams {
	p := ttsParams{
		enabled: true,
		model:   s.cfg.TTS.DefaultModel,
		voice:   s.cfg.TTS.DefaultVoice,
	}
	if v, ok := body["tts_enabled"].(bool); ok {
		p.enabled = v
	}
	if v, ok := body["tts_model"].(string); ok && v != "" {
		p.model = v
	}
	if v, ok := body["tts_voice"].(string); ok && v != "" {
		p.voice = v
	}
	delete(body, "tts_enabled")
	delete(body, "tts_model")
	delete(body, "tts_voice")
	return p
}

// handleChatCompletions streams the upstream chat completion to the client
// while feeding the assistant text through the segmenter into the cache as
// TTS prefetch. The prefetch side channel never delays or disturbs the relay.
func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "request body is not valid JSON")
		return
	}
	tts := s.extractTTSParams(body)
	clientWantsStream, _ := body["stream"].(bool)
	requestModel, _ := body["model"].(string)

	ctx := r.Context()
	log := observe.Logger(ctx)

	// Prefetch side channel: sentences go straight into the cache as they
	// complete. Disabled prefetch still relays the chat stream untouched.
	seg := segment.New(
		segment.WithMinLength(s.cfg.Segment.MinLength),
		segment.WithMaxLength(s.cfg.Segment.MaxLength),
	)
	submit := func(sentences []string) {
		if !tts.enabled {
			return
		}
		for _, sentence := range sentences {
			s.cache.Submit(ctx, tts.model, tts.voice, sentence)
		}
		s.metrics.AddSentences(ctx, int64(len(sentences)))
	}

	var onChunk func([]byte) error
	var assembled strings.Builder

	if clientWantsStream {
		w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		flusher, _ := w.(http.Flusher)
		onChunk = func(chunk []byte) error {
			if _, err := w.Write(chunk); err != nil {
				return err
			}
			if flusher != nil {
				flusher.Flush()
			}
			return nil
		}
	} else {
		// Non-stream client: swallow the relay, assemble the text. The
		// prefetch still runs live against the upstream stream.
		onChunk = func([]byte) error { return nil }
	}

	onText := func(delta string) {
		if !clientWantsStream {
			assembled.WriteString(delta)
		}
		submit(seg.Feed(delta))
	}

	streamErr := s.llm.StreamChat(ctx, body, onChunk, onText)

	// Flush the segmenter residue regardless of how the stream ended;
	// whatever text arrived is worth prefetching.
	if residual := seg.Flush(); residual != "" {
		submit([]string{residual})
	}

	if streamErr != nil {
		if errors.Is(streamErr, ctx.Err()) {
			// Client went away; nothing left to write.
			log.Debug("chat client disconnected", "error", streamErr)
			return
		}
		log.Error("chat stream failed", "error", streamErr)
		if clientWantsStream {
			// Headers are out; the relay already carried everything that
			// arrived. Terminating the connection is all that remains.
			return
		}
		writeMappedError(w, streamErr)
		return
	}

	if !clientWantsStream {
		writeJSON(w, http.StatusOK, nonStreamResponse(requestModel, assembled.String()))
	}
}

// nonStreamResponse assembles an OpenAI-shaped chat.completion object from
// the buffered assistant text.
func nonStreamResponse(model, content string) map[string]any {
	return map[string]any{
		"id":      "chatcmpl-" + uuid.NewString(),
		"object":  "chat.completion",
		"created": unixNow(),
		"model":   model,
		"choices": []map[string]any{
			{
				"index": 0,
				"message": map[string]any{
					"role":    "assistant",
					"content": content,
				},
				"finish_reason": "stop",
			},
		},
	}
}
