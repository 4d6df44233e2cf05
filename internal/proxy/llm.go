// Package proxy streams chat completions from the upstream LLM and tees the
// assistant text out of the event stream. Events are handed to the caller
// byte-exact; the text side channel is best-effort and never interrupts the
// relay.
package proxy

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/overvoice/overvoice/internal/observe"
)

const (
	chatEndpoint = "/v1/chat/completions"

	// DefaultHeaderTimeout bounds the wait for upstream response headers.
	// Body streaming has no total timeout, only the idle timeout.
	DefaultHeaderTimeout = 60 * time.Second

	// DefaultIdleTimeout aborts a stream when no bytes arrive between events.
	DefaultIdleTimeout = 30 * time.Second

	// doneSentinel terminates an SSE chat stream.
	doneSentinel = "[DONE]"
)

// Sentinel errors for stream outcomes.
var (
	// ErrUpstream covers connection failures and non-2xx upstream responses.
	ErrUpstream = errors.New("proxy: upstream error")

	// ErrIdle means the upstream stalled for longer than the idle timeout.
	ErrIdle = errors.New("proxy: upstream idle timeout")
)

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client. The provided client should not
// set an overall timeout: streams are unbounded and only governed by the
// header and idle timeouts.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Client) { p.client = c }
}

// WithHeaderTimeout bounds the wait for upstream response headers.
func WithHeaderTimeout(d time.Duration) Option {
	return func(p *Client) { p.headerTimeout = d }
}

// WithIdleTimeout bounds the gap between upstream events.
func WithIdleTimeout(d time.Duration) Option {
	return func(p *Client) { p.idleTimeout = d }
}

// WithMetrics wires metric recording. Without it, no metrics are recorded.
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Client) { p.metrics = m }
}

// Client streams chat completions from one upstream LLM endpoint.
// Safe for concurrent use.
type Client struct {
	baseURL       string
	apiKey        string
	client        *http.Client
	headerTimeout time.Duration
	idleTimeout   time.Duration
	metrics       *observe.Metrics
}

// New creates a Client for the upstream at baseURL. The API key is sent as a
// bearer token on every request.
func New(baseURL, apiKey string, opts ...Option) *Client {
	p := &Client{
		baseURL:       strings.TrimRight(baseURL, "/"),
		apiKey:        apiKey,
		headerTimeout: DefaultHeaderTimeout,
		idleTimeout:   DefaultIdleTimeout,
	}
	for _, o := range opts {
		o(p)
	}
	if p.client == nil {
		p.client = &http.Client{
			Transport: &http.Transport{
				ResponseHeaderTimeout: p.headerTimeout,
				MaxIdleConnsPerHost:   16,
			},
		}
	}
	return p
}

// StreamChat forwards body upstream with stream forced to true and walks the
// SSE response line by line. For every raw line received, onChunk is invoked
// synchronously with the exact bytes (terminator included) so the caller can
// relay them unmodified. Lines carrying a data payload are then parsed and
// any assistant content delta is passed to onText.
//
// An error from onChunk aborts the stream: the downstream client is gone.
// onText is fire-and-forget; parse failures on the side channel are ignored
// so the relay is never disturbed.
//
// body is marshalled as given apart from the stream flag; the caller strips
// proxy-only fields beforehand.
func (p *Client) StreamChat(ctx context.Context, body map[string]any, onChunk func([]byte) error, onText func(string)) error {
	start := time.Now()
	p.metrics.AddChatStreams(ctx, 1)
	defer func() {
		p.metrics.AddChatStreams(ctx, -1)
		p.metrics.RecordChatStream(ctx, time.Since(start))
	}()

	body["stream"] = true
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("proxy: marshal chat request: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+chatEndpoint, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("proxy: create chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: POST %s: %v", ErrUpstream, chatEndpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("%w: status %d: %s", ErrUpstream, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	// Idle watchdog: cancel the request context when no bytes arrive for
	// idleTimeout. The reset races harmlessly with the timer firing.
	var idleFired atomic.Bool
	watchdog := time.AfterFunc(p.idleTimeout, func() {
		idleFired.Store(true)
		cancel()
	})
	defer watchdog.Stop()

	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadBytes('\n')
		watchdog.Reset(p.idleTimeout)

		if len(line) > 0 {
			if relayErr := onChunk(line); relayErr != nil {
				return fmt.Errorf("proxy: relay chunk: %w", relayErr)
			}
			if delta, ok := extractDelta(line); ok {
				onText(delta)
			}
		}

		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				return nil
			case idleFired.Load():
				return fmt.Errorf("%w: no event for %s", ErrIdle, p.idleTimeout)
			case ctx.Err() != nil:
				return ctx.Err()
			default:
				return fmt.Errorf("%w: read stream: %v", ErrUpstream, err)
			}
		}
	}
}

// chatChunk is the slice of the upstream chunk schema the tee cares about.
// Everything else passes through opaque.
type chatChunk struct {
	Choices []struct {
		Delta struct {
			Content *string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// extractDelta parses one SSE line and returns the assistant content delta.
// Non-data lines, the [DONE] sentinel, malformed JSON, and chunks without a
// content field all return ok=false.
func extractDelta(line []byte) (delta string, ok bool) {
	payload, found := bytes.CutPrefix(bytes.TrimRight(line, "\r\n"), []byte("data:"))
	if !found {
		return "", false
	}
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 || string(payload) == doneSentinel {
		return "", false
	}
	var chunk chatChunk
	if err := json.Unmarshal(payload, &chunk); err != nil {
		return "", false
	}
	if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == nil {
		return "", false
	}
	return *chunk.Choices[0].Delta.Content, true
}
