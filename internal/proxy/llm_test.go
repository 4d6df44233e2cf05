package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// sseServer returns a test server that writes the given raw lines as an SSE
// response, flushing after each one.
func sseServer(t *testing.T, lines []string, onRequest func(*http.Request, map[string]any)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode forwarded body: %v", err)
		}
		if onRequest != nil {
			onRequest(r, body)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, line := range lines {
			fmt.Fprint(w, line)
			flusher.Flush()
		}
	}))
}

func chunkLine(content string) string {
	return fmt.Sprintf(`data: {"choices":[{"delta":{"content":%q}}]}`+"\n", content)
}

func TestStreamChat_RelaysBytesAndExtractsText(t *testing.T) {
	t.Parallel()
	lines := []string{
		chunkLine("Hello "),
		"\n",
		chunkLine("world."),
		"\n",
		"data: [DONE]\n",
		"\n",
	}
	srv := sseServer(t, lines, nil)
	defer srv.Close()

	var relayed strings.Builder
	var texts []string
	c := New(srv.URL, "key")
	err := c.StreamChat(context.Background(), map[string]any{"model": "gpt"},
		func(chunk []byte) error {
			relayed.Write(chunk)
			return nil
		},
		func(text string) { texts = append(texts, text) },
	)
	if err != nil {
		t.Fatalf("StreamChat: %v", err)
	}

	if got, want := relayed.String(), strings.Join(lines, ""); got != want {
		t.Errorf("relay is not byte-exact:\nwant %q\ngot  %q", want, got)
	}
	if len(texts) != 2 || texts[0] != "Hello " || texts[1] != "world." {
		t.Errorf("extracted text: got %q", texts)
	}
}

func TestStreamChat_ForcesStreamTrueAndAuth(t *testing.T) {
	t.Parallel()
	var gotStream any
	var gotAuth string
	srv := sseServer(t, []string{"data: [DONE]\n"}, func(r *http.Request, body map[string]any) {
		gotStream = body["stream"]
		gotAuth = r.Header.Get("Authorization")
	})
	defer srv.Close()

	c := New(srv.URL, "secret")
	err := c.StreamChat(context.Background(), map[string]any{"model": "gpt", "stream": false},
		func([]byte) error { return nil }, func(string) {})
	if err != nil {
		t.Fatalf("StreamChat: %v", err)
	}
	if gotStream != true {
		t.Errorf("forwarded stream flag: want true, got %v", gotStream)
	}
	if gotAuth != "Bearer secret" {
		t.Errorf("auth header: got %q", gotAuth)
	}
}

func TestStreamChat_NonDataLinesRelayedWithoutText(t *testing.T) {
	t.Parallel()
	lines := []string{
		": keepalive comment\n",
		"event: ping\n",
		"data: not-json\n",
		`data: {"choices":[{"delta":{}}]}` + "\n",
		`data: {"choices":[]}` + "\n",
		"data: [DONE]\n",
	}
	srv := sseServer(t, lines, nil)
	defer srv.Close()

	var relayCount, textCount int
	c := New(srv.URL, "")
	err := c.StreamChat(context.Background(), map[string]any{},
		func([]byte) error { relayCount++; return nil },
		func(string) { textCount++ },
	)
	if err != nil {
		t.Fatalf("StreamChat: %v", err)
	}
	if relayCount != len(lines) {
		t.Errorf("relayed lines: want %d, got %d", len(lines), relayCount)
	}
	if textCount != 0 {
		t.Errorf("text callbacks: want 0, got %d", textCount)
	}
}

func TestStreamChat_UpstreamErrorStatus(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(srv.URL, "key")
	err := c.StreamChat(context.Background(), map[string]any{},
		func([]byte) error { return nil }, func(string) {})
	if !errors.Is(err, ErrUpstream) {
		t.Fatalf("want ErrUpstream, got %v", err)
	}
	if !strings.Contains(err.Error(), "503") {
		t.Errorf("error should carry the status: %v", err)
	}
}

func TestStreamChat_IdleTimeout(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, chunkLine("partial"))
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	var texts []string
	c := New(srv.URL, "key", WithIdleTimeout(100*time.Millisecond))
	err := c.StreamChat(context.Background(), map[string]any{},
		func([]byte) error { return nil },
		func(text string) { texts = append(texts, text) })
	if !errors.Is(err, ErrIdle) {
		t.Fatalf("want ErrIdle, got %v", err)
	}
	// Everything that arrived before the stall was still delivered.
	if len(texts) != 1 || texts[0] != "partial" {
		t.Errorf("pre-stall text: got %q", texts)
	}
}

func TestStreamChat_RelayErrorAborts(t *testing.T) {
	t.Parallel()
	srv := sseServer(t, []string{chunkLine("a"), chunkLine("b"), "data: [DONE]\n"}, nil)
	defer srv.Close()

	clientGone := errors.New("client went away")
	var calls int
	c := New(srv.URL, "key")
	err := c.StreamChat(context.Background(), map[string]any{},
		func([]byte) error {
			calls++
			if calls == 2 {
				return clientGone
			}
			return nil
		},
		func(string) {})
	if !errors.Is(err, clientGone) {
		t.Fatalf("want relay error, got %v", err)
	}
}

func TestExtractDelta(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		line string
		want string
		ok   bool
	}{
		{"content", `data: {"choices":[{"delta":{"content":"hi"}}]}` + "\n", "hi", true},
		{"crlf", `data: {"choices":[{"delta":{"content":"hi"}}]}` + "\r\n", "hi", true},
		{"no space after colon", `data:{"choices":[{"delta":{"content":"x"}}]}`, "x", true},
		{"empty content delta", `data: {"choices":[{"delta":{"content":""}}]}`, "", true},
		{"null content", `data: {"choices":[{"delta":{"content":null}}]}`, "", false},
		{"done sentinel", "data: [DONE]\n", "", false},
		{"comment", ": ping\n", "", false},
		{"event line", "event: message\n", "", false},
		{"blank", "\n", "", false},
		{"bad json", "data: {oops\n", "", false},
		{"no choices", `data: {"choices":[]}`, "", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := extractDelta([]byte(tc.line))
			if ok != tc.ok || got != tc.want {
				t.Errorf("extractDelta(%q) = (%q, %v), want (%q, %v)", tc.line, got, ok, tc.want, tc.ok)
			}
		})
	}
}
