// Package dispatch turns one (model, voice, text) triple into one audio/wav
// byte blob. It is the only component that talks to TTS backends over the
// network: it acquires a slot from the backend pool, shapes the JSON request
// from the configured template, rotates bearer tokens, and retries retryable
// failures on another backend with exponential backoff.
//
// The dispatcher itself is stateless across calls; all mutable state lives in
// the backend pool and the token rotator.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	"github.com/overvoice/overvoice/internal/backend"
	"github.com/overvoice/overvoice/internal/observe"
)

const (
	speechEndpoint = "/v1/audio/speech"

	// DefaultRetryCount is the number of retries after the first attempt.
	DefaultRetryCount = 2

	// DefaultRequestTimeout bounds a single backend HTTP request.
	DefaultRequestTimeout = 60 * time.Second

	// minRequestTimeout is the floor for a single attempt's window; a caller
	// deadline that is nearly expired still grants the backend this long.
	minRequestTimeout = time.Second

	// backoffBase is the sleep before the first retry; it doubles per retry.
	backoffBase = 250 * time.Millisecond

	// backoffCeiling caps the retry sleep before jitter is applied.
	backoffCeiling = 2 * time.Second

	// errBodyLimit bounds how much of an upstream error body is read for the
	// error message.
	errBodyLimit = 2048
)

// Sentinel errors for the caller to classify outcomes with [errors.Is].
var (
	// ErrBadRequest means a backend rejected the request as malformed
	// (HTTP 4xx other than 429). Never retried.
	ErrBadRequest = errors.New("dispatch: backend rejected request")

	// ErrUpstream means every attempt failed with a retryable error.
	ErrUpstream = errors.New("dispatch: all backends failed")

	// ErrTimeout means the deadline expired before a backend slot was
	// acquired or a response arrived.
	ErrTimeout = errors.New("dispatch: deadline exceeded")
)

// Option is a functional option for configuring a Dispatcher.
type Option func(*Dispatcher)

// WithHTTPClient overrides the HTTP client used for backend requests.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) { d.client = c }
}

// WithTokenRotator sets the bearer-token rotator. Without one, requests are
// sent without an Authorization header.
func WithTokenRotator(r *TokenRotator) Option {
	return func(d *Dispatcher) { d.rotator = r }
}

// WithRetryCount sets how many retries follow the first attempt. Negative
// values are treated as zero.
func WithRetryCount(n int) Option {
	return func(d *Dispatcher) {
		if n < 0 {
			n = 0
		}
		d.retryCount = n
	}
}

// WithRequestTimeout bounds each individual backend HTTP request.
func WithRequestTimeout(t time.Duration) Option {
	return func(d *Dispatcher) { d.requestTimeout = t }
}

// WithTemplate sets extra JSON fields merged into every synthesis request
// body. The model, input, and voice fields are always overwritten by the
// per-call values.
func WithTemplate(tmpl map[string]any) Option {
	return func(d *Dispatcher) { d.template = tmpl }
}

// WithMetrics wires metric recording. Without it, no metrics are recorded.
func WithMetrics(m *observe.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// withSleep overrides the backoff sleep. Tests use it to avoid real delays.
func withSleep(fn func(context.Context, time.Duration) error) Option {
	return func(d *Dispatcher) { d.sleep = fn }
}

// Dispatcher performs TTS synthesis against the backend pool.
// Safe for concurrent use.
type Dispatcher struct {
	pool           *backend.Pool
	rotator        *TokenRotator
	client         *http.Client
	template       map[string]any
	retryCount     int
	requestTimeout time.Duration
	metrics        *observe.Metrics
	sleep          func(context.Context, time.Duration) error
}

// New creates a Dispatcher over the given pool. pool must not be nil.
func New(pool *backend.Pool, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		pool:           pool,
		retryCount:     DefaultRetryCount,
		requestTimeout: DefaultRequestTimeout,
		client:         &http.Client{},
		sleep:          sleepCtx,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Synthesize produces audio/wav bytes for the given text. It makes up to
// retryCount+1 attempts, each against the backend the pool currently ranks
// best; a failure report demotes that backend so the next attempt lands
// elsewhere when an alternative exists.
//
// Returned errors wrap [ErrBadRequest], [ErrUpstream], or [ErrTimeout] so
// callers can map them to HTTP statuses. BadRequest outcomes are terminal
// and never retried.
func (d *Dispatcher) Synthesize(ctx context.Context, model, voice, text string) ([]byte, error) {
	start := time.Now()
	attempts := d.retryCount + 1
	var lastErr error

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := d.sleep(ctx, backoffDelay(attempt)); err != nil {
				d.metrics.RecordSynthesis(ctx, "timeout", time.Since(start))
				return nil, fmt.Errorf("dispatch: backoff interrupted: %w", classify(err))
			}
		}

		b, release, err := d.pool.Acquire(ctx)
		if err != nil {
			d.metrics.RecordSynthesis(ctx, "timeout", time.Since(start))
			return nil, fmt.Errorf("dispatch: acquire backend: %w", classify(err))
		}

		audio, err := d.request(ctx, b, model, voice, text)
		release()

		if err == nil {
			d.metrics.RecordSynthesis(ctx, "ok", time.Since(start))
			return audio, nil
		}
		if errors.Is(err, ErrBadRequest) {
			d.metrics.RecordSynthesis(ctx, "bad_request", time.Since(start))
			return nil, err
		}
		if ctx.Err() != nil {
			d.metrics.RecordSynthesis(ctx, "timeout", time.Since(start))
			return nil, fmt.Errorf("dispatch: %w: %v", classify(ctx.Err()), err)
		}
		lastErr = err
		observe.Logger(ctx).Warn("synthesis attempt failed",
			"backend", b.URL(),
			"attempt", attempt+1,
			"error", err,
		)
	}

	d.metrics.RecordSynthesis(ctx, "upstream_error", time.Since(start))
	return nil, fmt.Errorf("%w: %d attempts, last: %v", ErrUpstream, attempts, lastErr)
}

// request performs one HTTP POST against one backend and reports the outcome
// to the pool. A 4xx other than 429 counts as a backend success: the backend
// is healthy, the request is bad.
func (d *Dispatcher) request(ctx context.Context, b *backend.Backend, model, voice, text string) ([]byte, error) {
	body := make(map[string]any, len(d.template)+4)
	for k, v := range d.template {
		body[k] = v
	}
	body["model"] = model
	body["input"] = text
	body["voice"] = voice
	if _, ok := body["response_format"]; !ok {
		body["response_format"] = "wav"
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("dispatch: marshal request: %w", err)
	}

	// The attempt window is the caller's remaining deadline capped at the
	// configured timeout, floored at minRequestTimeout. The attempt context
	// is detached from the caller so the floor holds even once the caller's
	// deadline has passed; the Synthesize loop re-checks ctx between
	// attempts.
	reqCtx := ctx
	timeout := d.requestTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); timeout <= 0 || remaining < timeout {
			timeout = remaining
		}
	}
	if timeout > 0 {
		if timeout < minRequestTimeout {
			timeout = minRequestTimeout
		}
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, b.URL()+speechEndpoint, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("dispatch: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/wav")
	if token := d.rotator.Next(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := d.client.Do(req)
	if err != nil {
		d.pool.ReportFailure(b)
		d.metrics.RecordBackendRequest(ctx, b.URL(), "transport_error", time.Since(start))
		return nil, fmt.Errorf("dispatch: POST %s%s: %w", b.URL(), speechEndpoint, err)
	}
	defer resp.Body.Close()
	latency := time.Since(start)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		audio, err := io.ReadAll(resp.Body)
		if err != nil {
			d.pool.ReportFailure(b)
			d.metrics.RecordBackendRequest(ctx, b.URL(), "transport_error", latency)
			return nil, fmt.Errorf("dispatch: read audio from %s: %w", b.URL(), err)
		}
		if len(audio) == 0 || !isAudio(resp.Header.Get("Content-Type")) {
			d.pool.ReportFailure(b)
			d.metrics.RecordBackendRequest(ctx, b.URL(), "bad_response", latency)
			return nil, fmt.Errorf("dispatch: %s returned %d bytes with content-type %q, expected non-empty audio",
				b.URL(), len(audio), resp.Header.Get("Content-Type"))
		}
		d.pool.ReportSuccess(b, latency)
		d.metrics.RecordBackendRequest(ctx, b.URL(), "ok", latency)
		return audio, nil

	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		d.pool.ReportSuccess(b, latency)
		d.metrics.RecordBackendRequest(ctx, b.URL(), "bad_request", latency)
		return nil, fmt.Errorf("%w: %s returned status %d: %s",
			ErrBadRequest, b.URL(), resp.StatusCode, readErrBody(resp.Body))

	default: // 429, 5xx, and anything unexpected
		d.pool.ReportFailure(b)
		d.metrics.RecordBackendRequest(ctx, b.URL(), "retryable", latency)
		return nil, fmt.Errorf("dispatch: %s returned status %d: %s",
			b.URL(), resp.StatusCode, readErrBody(resp.Body))
	}
}

// backoffDelay returns the sleep before retry n (n >= 1): base doubling per
// retry, capped, with +/-20% jitter.
func backoffDelay(n int) time.Duration {
	d := backoffBase << (n - 1)
	if d > backoffCeiling || d <= 0 {
		d = backoffCeiling
	}
	jitter := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(d) * jitter)
}

// classify maps context errors to the package sentinels.
func classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	return err
}

// sleepCtx sleeps for d or until ctx ends.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// isAudio reports whether the content type denotes an audio payload.
// An absent content type is accepted; some backends omit it.
func isAudio(contentType string) bool {
	if contentType == "" {
		return true
	}
	return strings.HasPrefix(contentType, "audio/") ||
		strings.HasPrefix(contentType, "application/octet-stream")
}

// readErrBody extracts a short error message from an upstream error body.
// JSON bodies with an OpenAI-style {"error":{"message":...}} envelope are
// unwrapped; anything else is returned truncated as-is.
func readErrBody(r io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(r, errBodyLimit))
	if err != nil || len(raw) == 0 {
		return "(no body)"
	}
	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(raw, &envelope) == nil && envelope.Error.Message != "" {
		return envelope.Error.Message
	}
	return strings.TrimSpace(string(raw))
}
