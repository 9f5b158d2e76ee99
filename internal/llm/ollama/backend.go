// Package ollama is the raw streaming backend: the reply arrives as plain text read in small pieces
package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"strings"
	"time"

	"github.com/Rrens/llm-chat-relay/internal/config"
	"github.com/Rrens/llm-chat-relay/internal/domain"
	"github.com/Rrens/llm-chat-relay/internal/llm"
)

const (
	// readSize keeps forwarding latency low
	readSize = 64

	// readPause stops a fast upstream from flooding the downstream connection
	readPause = 5 * time.Millisecond
)

// Backend implements llm.Backend for Ollama
type Backend struct {
	host         string
	defaultModel string
	client       *http.Client
	pause        time.Duration
}

// Option configures a Backend
type Option func(*Backend)

// WithReadPause overrides the pause between reads
func WithReadPause(d time.Duration) Option {
	return func(b *Backend) { b.pause = d }
}

// NewBackend creates a new Ollama backend
func NewBackend(cfg config.OllamaConfig, opts ...Option) *Backend {
	defaultModel := cfg.DefaultModel
	if defaultModel == "" {
		defaultModel = "llama3"
	}
	b := &Backend{
		host:         strings.TrimRight(cfg.Host, "/"),
		defaultModel: defaultModel,
		client:       &http.Client{},
		pause:        readPause,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Backend) Name() string {
	return llm.ServiceOllama
}

func (b *Backend) AvailableModels() []string {
	return []string{
		"llama3",
		"llama3.1",
		"llama3.2",
		"mistral",
		"mixtral",
		"phi3",
		"qwen2",
		"gemma2",
	}
}

func (b *Backend) DefaultModel() string {
	return b.defaultModel
}

func (b *Backend) IsConfigured() bool {
	return b.host != ""
}

type chatRequest struct {
	Model    string            `json:"model"`
	Messages []llm.ChatMessage `json:"messages"`
	Stream   bool              `json:"stream"`
	Options  map[string]any    `json:"options,omitempty"`
}

type chatResponse struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Done  bool   `json:"done"`
	Error string `json:"error"`
}

func (b *Backend) post(ctx context.Context, req llm.Request, stream bool) (*http.Response, error) {
	model := req.Model
	if model == "" {
		model = b.defaultModel
	}

	body, err := json.Marshal(chatRequest{
		Model:    model,
		Messages: llm.PrepareMessages(req),
		Stream:   stream,
		Options:  map[string]any{"temperature": req.Temperature},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.host+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, llm.TransportError(ctx, err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		var failure chatResponse
		if json.Unmarshal(raw, &failure) == nil && failure.Error != "" {
			return nil, domain.UpstreamAPIError(resp.StatusCode, failure.Error)
		}
		return nil, domain.UpstreamAPIError(resp.StatusCode, fmt.Sprintf("ollama returned status %d", resp.StatusCode))
	}

	return resp, nil
}

// GetResponse makes one non-streaming chat call
func (b *Backend) GetResponse(ctx context.Context, req llm.Request) (string, error) {
	resp, err := b.post(ctx, req, false)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var result chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		if ctx.Err() != nil {
			return "", llm.TransportError(ctx, ctx.Err())
		}
		return "", domain.UpstreamProtocolError(fmt.Errorf("failed to decode response: %w", err))
	}
	if result.Error != "" {
		return "", domain.UpstreamAPIError(resp.StatusCode, result.Error)
	}

	return result.Message.Content, nil
}

// StreamResponse forwards the reply text as it arrives, a few dozen bytes at a time.
// The end of the body ends the stream.
func (b *Backend) StreamResponse(ctx context.Context, req llm.Request) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		resp, err := b.post(ctx, req, true)
		if err != nil {
			yield("", err)
			return
		}
		defer resp.Body.Close()

		text := newTextReader(resp.Body)
		buf := make([]byte, readSize)
		var carry []byte

		for {
			n, readErr := text.Read(buf)
			if n > 0 {
				complete, tail := llm.SplitUTF8(append(carry, buf[:n]...))
				carry = append([]byte(nil), tail...)

				if len(complete) > 0 {
					if !yield(string(complete), nil) {
						return
					}
					if err := llm.Sleep(ctx, b.pause); err != nil {
						yield("", llm.TransportError(ctx, err))
						return
					}
				}
			}

			if errors.Is(readErr, io.EOF) {
				if len(carry) > 0 {
					yield(string(carry), nil)
				}
				return
			}
			if readErr != nil {
				yield("", llm.TransportError(ctx, readErr))
				return
			}
		}
	}
}

// textReader turns Ollama's newline-delimited JSON into the bare reply text
type textReader struct {
	lines   *bufio.Reader
	pending []byte
	err     error
}

func newTextReader(r io.Reader) *textReader {
	return &textReader{lines: bufio.NewReader(r)}
}

func (r *textReader) Read(p []byte) (int, error) {
	for len(r.pending) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		r.fill()
	}

	n := copy(p, r.pending)
	r.pending = r.pending[n:]
	return n, nil
}

func (r *textReader) fill() {
	line, err := r.lines.ReadBytes('\n')

	if line = bytes.TrimSpace(line); len(line) > 0 {
		var chunk chatResponse
		switch {
		case json.Unmarshal(line, &chunk) != nil:
			r.err = domain.UpstreamProtocolError(fmt.Errorf("malformed stream line: %.200s", line))
			return
		case chunk.Error != "":
			r.err = domain.UpstreamAPIError(http.StatusOK, chunk.Error)
			return
		}
		r.pending = append(r.pending, chunk.Message.Content...)
		if chunk.Done {
			r.err = io.EOF
			return
		}
	}

	if err != nil {
		r.err = err
	}
}
