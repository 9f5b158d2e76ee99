package ollama_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rrens/llm-chat-relay/internal/config"
	"github.com/Rrens/llm-chat-relay/internal/domain"
	"github.com/Rrens/llm-chat-relay/internal/llm"
	"github.com/Rrens/llm-chat-relay/internal/llm/ollama"
)

func newBackend(t *testing.T, handler http.HandlerFunc) *ollama.Backend {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return ollama.NewBackend(config.OllamaConfig{Host: srv.URL, DefaultModel: "llama3"}, ollama.WithReadPause(0))
}

func ndjson(w http.ResponseWriter, parts ...string) {
	flusher := w.(http.Flusher)
	for _, p := range parts {
		line, _ := json.Marshal(map[string]any{"message": map[string]string{"role": "assistant", "content": p}, "done": false})
		w.Write(append(line, '\n'))
		flusher.Flush()
	}
	fmt.Fprintln(w, `{"message":{"role":"assistant","content":""},"done":true}`)
}

func TestBackend_StreamResponse(t *testing.T) {
	reply := "Ollama streams plain text. Ünïcödé survives 64-byte reads without being split mid-rune: 日本語テキスト."

	b := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		var body struct {
			Model  string `json:"model"`
			Stream bool   `json:"stream"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "llama3", body.Model)
		assert.True(t, body.Stream)

		runes := []rune(reply)
		ndjson(w, string(runes[:10]), string(runes[10:40]), string(runes[40:]))
	})

	var chunks []string
	for chunk, err := range b.StreamResponse(context.Background(), llm.Request{Content: "hi"}) {
		require.NoError(t, err)
		chunks = append(chunks, chunk)
	}

	assert.Equal(t, reply, strings.Join(chunks, ""))
	assert.Greater(t, len(chunks), 1)
	for _, c := range chunks {
		assert.LessOrEqual(t, len(c), 64+3)
		assert.True(t, strings.ToValidUTF8(c, "?") == c, "chunk %q splits a rune", c)
	}
}

func TestBackend_StreamResponse_EndsAtEOFWithoutDone(t *testing.T) {
	b := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"message":{"content":"partial "},"done":false}`)
		fmt.Fprint(w, `{"message":{"content":"end"},"done":false}`)
	})

	out, err := llm.Collect(b.StreamResponse(context.Background(), llm.Request{Content: "hi"}))
	require.NoError(t, err)
	assert.Equal(t, "partial end", out)
}

func TestBackend_StreamResponse_Errors(t *testing.T) {
	tests := []struct {
		name     string
		handler  http.HandlerFunc
		wantCode domain.ErrorCode
	}{
		{
			name: "model not found",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusNotFound)
				fmt.Fprint(w, `{"error":"model 'nope' not found"}`)
			},
			wantCode: domain.CodeUpstreamAPI,
		},
		{
			name: "error line mid stream",
			handler: func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprintln(w, `{"message":{"content":"a"},"done":false}`)
				fmt.Fprintln(w, `{"error":"out of memory"}`)
			},
			wantCode: domain.CodeUpstreamAPI,
		},
		{
			name: "garbage",
			handler: func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprintln(w, `<html>`)
			},
			wantCode: domain.CodeUpstreamProtocol,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newBackend(t, tt.handler)
			_, err := llm.Collect(b.StreamResponse(context.Background(), llm.Request{Content: "hi"}))
			derr, ok := domain.AsError(err)
			require.True(t, ok, "got %v", err)
			assert.Equal(t, tt.wantCode, derr.Code)
		})
	}
}

func TestBackend_StreamResponse_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	b := ollama.NewBackend(config.OllamaConfig{Host: srv.URL})

	_, err := llm.Collect(b.StreamResponse(context.Background(), llm.Request{Content: "hi"}))
	derr, ok := domain.AsError(err)
	require.True(t, ok)
	assert.Equal(t, domain.CodeUpstream, derr.Code)
}

func TestBackend_StreamResponse_StopsWhenConsumerLeaves(t *testing.T) {
	released := make(chan struct{})
	b := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		defer close(released)
		for i := 0; i < 1000; i++ {
			if _, err := fmt.Fprintf(w, "{\"message\":{\"content\":\"%s\"},\"done\":false}\n", strings.Repeat("x", 64)); err != nil {
				return
			}
			w.(http.Flusher).Flush()
			select {
			case <-r.Context().Done():
				return
			case <-time.After(time.Millisecond):
			}
		}
	})

	for range b.StreamResponse(context.Background(), llm.Request{Content: "hi"}) {
		break
	}

	select {
	case <-released:
	case <-time.After(3 * time.Second):
		t.Fatal("upstream handler still running after consumer stopped")
	}
}

func TestBackend_GetResponse(t *testing.T) {
	b := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"message":{"role":"assistant","content":"Hello from llama"},"done":true}`)
	})

	out, err := b.GetResponse(context.Background(), llm.Request{Content: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "Hello from llama", out)
}
