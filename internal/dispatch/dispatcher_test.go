package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/overvoice/overvoice/internal/backend"
)

var fakeWAV = []byte("RIFFxxxxWAVEfake-audio-bytes")

// noSleep replaces the retry backoff so tests run instantly.
func noSleep(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
}

// audioHandler returns a handler that serves fakeWAV and counts requests.
func audioHandler(hits *atomic.Int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		w.Header().Set("Content-Type", "audio/wav")
		w.Write(fakeWAV)
	}
}

func newDispatcher(t *testing.T, urls []string, opts ...Option) (*Dispatcher, *backend.Pool) {
	t.Helper()
	pool, err := backend.New(urls, 0)
	if err != nil {
		t.Fatalf("backend.New: %v", err)
	}
	opts = append([]Option{withSleep(noSleep)}, opts...)
	return New(pool, opts...), pool
}

func TestSynthesize_Success(t *testing.T) {
	t.Parallel()
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/audio/speech" {
			t.Errorf("path: want /v1/audio/speech, got %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode request body: %v", err)
		}
		w.Header().Set("Content-Type", "audio/wav")
		w.Write(fakeWAV)
	}))
	defer srv.Close()

	d, _ := newDispatcher(t, []string{srv.URL})
	audio, err := d.Synthesize(context.Background(), "tts-1", "alloy", "Hello world.")
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if string(audio) != string(fakeWAV) {
		t.Errorf("audio bytes do not match")
	}

	if gotBody["model"] != "tts-1" || gotBody["voice"] != "alloy" || gotBody["input"] != "Hello world." {
		t.Errorf("request body fields: got %v", gotBody)
	}
	if gotBody["response_format"] != "wav" {
		t.Errorf("response_format: want wav, got %v", gotBody["response_format"])
	}
}

func TestSynthesize_TemplateOverlay(t *testing.T) {
	t.Parallel()
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "audio/wav")
		w.Write(fakeWAV)
	}))
	defer srv.Close()

	d, _ := newDispatcher(t, []string{srv.URL}, WithTemplate(map[string]any{
		"speed": 1.25,
		"model": "overridden-by-call",
	}))
	if _, err := d.Synthesize(context.Background(), "tts-1", "alloy", "x"); err != nil {
		t.Fatalf("Synthesize: %v", err)
	}

	if gotBody["speed"] != 1.25 {
		t.Errorf("template field speed not forwarded: %v", gotBody["speed"])
	}
	if gotBody["model"] != "tts-1" {
		t.Errorf("call value must win over template: got %v", gotBody["model"])
	}
}

func TestSynthesize_SendsRotatedTokens(t *testing.T) {
	t.Parallel()
	var auths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auths = append(auths, r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "audio/wav")
		w.Write(fakeWAV)
	}))
	defer srv.Close()

	d, _ := newDispatcher(t, []string{srv.URL},
		WithTokenRotator(NewTokenRotator([]string{"tok1", "tok2"})))
	for i := 0; i < 3; i++ {
		if _, err := d.Synthesize(context.Background(), "m", "v", "x"); err != nil {
			t.Fatalf("Synthesize #%d: %v", i, err)
		}
	}

	want := []string{"Bearer tok1", "Bearer tok2", "Bearer tok1"}
	for i := range want {
		if auths[i] != want[i] {
			t.Errorf("request %d auth: want %q, got %q", i, want[i], auths[i])
		}
	}
}

func TestSynthesize_BadRequestIsTerminal(t *testing.T) {
	t.Parallel()
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"message": "unknown voice"},
		})
	}))
	defer srv.Close()

	d, pool := newDispatcher(t, []string{srv.URL})
	_, err := d.Synthesize(context.Background(), "m", "bogus", "x")
	if !errors.Is(err, ErrBadRequest) {
		t.Fatalf("want ErrBadRequest, got %v", err)
	}
	if got := hits.Load(); got != 1 {
		t.Errorf("bad request must not be retried: %d attempts", got)
	}

	// A 4xx means the backend is healthy, so no failure is recorded.
	if stats := pool.Stats(); stats[0].ConsecutiveFailures != 0 {
		t.Errorf("consecutive failures: want 0, got %d", stats[0].ConsecutiveFailures)
	}
}

func TestSynthesize_FailsOverToSecondBackend(t *testing.T) {
	t.Parallel()
	var sickHits, okHits atomic.Int64
	sick := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sickHits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer sick.Close()
	ok := httptest.NewServer(audioHandler(&okHits))
	defer ok.Close()

	d, pool := newDispatcher(t, []string{sick.URL, ok.URL})
	audio, err := d.Synthesize(context.Background(), "m", "v", "x")
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if string(audio) != string(fakeWAV) {
		t.Errorf("audio bytes do not match")
	}
	if sickHits.Load() != 1 || okHits.Load() != 1 {
		t.Errorf("attempt distribution: sick=%d ok=%d, want 1 each", sickHits.Load(), okHits.Load())
	}

	stats := pool.Stats()
	if stats[0].ConsecutiveFailures != 1 {
		t.Errorf("failed backend consecutive failures: want 1, got %d", stats[0].ConsecutiveFailures)
	}
	if stats[1].ConsecutiveFailures != 0 {
		t.Errorf("healthy backend consecutive failures: want 0, got %d", stats[1].ConsecutiveFailures)
	}
}

func TestSynthesize_ExhaustedRetriesReturnUpstream(t *testing.T) {
	t.Parallel()
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	d, _ := newDispatcher(t, []string{srv.URL}, WithRetryCount(2))
	_, err := d.Synthesize(context.Background(), "m", "v", "x")
	if !errors.Is(err, ErrUpstream) {
		t.Fatalf("want ErrUpstream, got %v", err)
	}
	if got := hits.Load(); got != 3 {
		t.Errorf("total attempts: want 3 (1 + 2 retries), got %d", got)
	}
}

func TestSynthesize_TooManyRequestsIsRetryable(t *testing.T) {
	t.Parallel()
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Header().Set("Content-Type", "audio/wav")
		w.Write(fakeWAV)
	}))
	defer srv.Close()

	d, _ := newDispatcher(t, []string{srv.URL})
	if _, err := d.Synthesize(context.Background(), "m", "v", "x"); err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if got := hits.Load(); got != 2 {
		t.Errorf("attempts: want 2, got %d", got)
	}
}

func TestSynthesize_EmptyAudioIsRetryable(t *testing.T) {
	t.Parallel()
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.Header().Set("Content-Type", "audio/wav")
			// 200 with empty body.
			return
		}
		w.Header().Set("Content-Type", "audio/wav")
		w.Write(fakeWAV)
	}))
	defer srv.Close()

	d, _ := newDispatcher(t, []string{srv.URL})
	audio, err := d.Synthesize(context.Background(), "m", "v", "x")
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if len(audio) == 0 {
		t.Error("got empty audio")
	}
}

func TestSynthesize_DeadlineMapsToTimeout(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Drain the body so the server's background read starts; without it
		// the client disconnect is never noticed, r.Context() never fires,
		// and srv.Close deadlocks waiting on this handler.
		io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer srv.Close()

	d, _ := newDispatcher(t, []string{srv.URL})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := d.Synthesize(ctx, "m", "v", "x")
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("want ErrTimeout, got %v", err)
	}
}

func TestSynthesize_NearExpiredDeadlineStillGetsMinimumWindow(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(150 * time.Millisecond)
		w.Header().Set("Content-Type", "audio/wav")
		w.Write(fakeWAV)
	}))
	defer srv.Close()

	d, _ := newDispatcher(t, []string{srv.URL})
	// The remaining deadline is well under the backend's response time; the
	// attempt window is floored at 1s, so the request still completes.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	audio, err := d.Synthesize(ctx, "m", "v", "x")
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if string(audio) != string(fakeWAV) {
		t.Errorf("audio bytes do not match")
	}
}

func TestBackoffDelay_CappedWithJitter(t *testing.T) {
	t.Parallel()
	for n := 1; n <= 10; n++ {
		d := backoffDelay(n)
		if d < 0 || d > time.Duration(float64(backoffCeiling)*1.2) {
			t.Errorf("retry %d: delay %v out of bounds", n, d)
		}
	}
	// First retry centres on 250ms: jitter keeps it within +/-20%.
	if d := backoffDelay(1); d < 200*time.Millisecond || d > 300*time.Millisecond {
		t.Errorf("first retry delay %v outside jitter window", d)
	}
}
