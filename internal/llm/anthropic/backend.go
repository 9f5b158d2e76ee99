package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"strings"

	"github.com/Rrens/llm-chat-relay/internal/config"
	"github.com/Rrens/llm-chat-relay/internal/domain"
	"github.com/Rrens/llm-chat-relay/internal/llm"
)

const apiVersion = "2023-06-01"

// Backend implements llm.Backend for Anthropic
type Backend struct {
	apiKey       string
	defaultModel string
	maxTokens    int
	client       *http.Client
	baseURL      string
}

// NewBackend creates a new Anthropic backend
func NewBackend(cfg config.AnthropicConfig) *Backend {
	defaultModel := cfg.Model
	if defaultModel == "" {
		defaultModel = "claude-3-5-haiku-latest"
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return &Backend{
		apiKey:       cfg.APIKey,
		defaultModel: defaultModel,
		maxTokens:    maxTokens,
		client:       &http.Client{},
		baseURL:      baseURL,
	}
}

// Name returns the service key
func (b *Backend) Name() string {
	return llm.ServiceAnthropic
}

// AvailableModels returns list of supported models
func (b *Backend) AvailableModels() []string {
	return []string{
		"claude-3-5-haiku-latest",
		"claude-3-5-sonnet-latest",
		"claude-3-opus-latest",
	}
}

// DefaultModel returns the default model
func (b *Backend) DefaultModel() string {
	return b.defaultModel
}

// IsConfigured checks if backend has valid credentials
func (b *Backend) IsConfigured() bool {
	return b.apiKey != ""
}

type messagesRequest struct {
	Model       string            `json:"model"`
	MaxTokens   int               `json:"max_tokens"`
	System      string            `json:"system,omitempty"`
	Messages    []llm.ChatMessage `json:"messages"`
	Temperature float64           `json:"temperature"`
	Stream      bool              `json:"stream,omitempty"`
}

type messagesResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

type apiError struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

type streamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (b *Backend) newRequest(req llm.Request, stream bool) messagesRequest {
	model := req.Model
	if model == "" {
		model = b.defaultModel
	}

	// the system prompt is a top-level field, not a message
	var system string
	prepared := llm.PrepareMessages(req)
	messages := make([]llm.ChatMessage, 0, len(prepared))
	for _, m := range prepared {
		if m.Role == string(domain.RoleSystem) {
			system = m.Content
			continue
		}
		messages = append(messages, m)
	}

	return messagesRequest{
		Model:       model,
		MaxTokens:   b.maxTokens,
		System:      system,
		Messages:    messages,
		Temperature: req.Temperature,
		Stream:      stream,
	}
}

func (b *Backend) post(ctx context.Context, body messagesRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", b.apiKey)
	httpReq.Header.Set("anthropic-version", apiVersion)

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, llm.TransportError(ctx, err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		var apiErr apiError
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error.Message != "" {
			return nil, domain.UpstreamAPIError(resp.StatusCode, apiErr.Error.Message)
		}
		return nil, domain.UpstreamAPIError(resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return resp, nil
}

// GetResponse returns the whole reply in one call
func (b *Backend) GetResponse(ctx context.Context, req llm.Request) (string, error) {
	resp, err := b.post(ctx, b.newRequest(req, false))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out messagesResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", domain.UpstreamProtocolError(fmt.Errorf("failed to decode response: %w", err))
	}

	var sb strings.Builder
	for _, block := range out.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	if sb.Len() == 0 {
		return "", domain.UpstreamProtocolError(fmt.Errorf("no text content in response"))
	}
	return sb.String(), nil
}

// StreamResponse relays text deltas of the server-sent event stream
func (b *Backend) StreamResponse(ctx context.Context, req llm.Request) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		resp, err := b.post(ctx, b.newRequest(req, true))
		if err != nil {
			yield("", err)
			return
		}
		defer resp.Body.Close()

		var lines llm.LineBuffer
		buf := make([]byte, 4096)
		for {
			n, readErr := resp.Body.Read(buf)
			for _, line := range lines.Feed(buf[:n]) {
				text, done, err := parseLine(line)
				if err != nil {
					yield("", err)
					return
				}
				if done {
					return
				}
				if text != "" && !yield(text, nil) {
					return
				}
			}
			if errors.Is(readErr, io.EOF) {
				return
			}
			if readErr != nil {
				yield("", llm.TransportError(ctx, readErr))
				return
			}
		}
	}
}

// parseLine reads one SSE line. Only data lines carry payloads; event names are repeated in the JSON.
func parseLine(line string) (string, bool, error) {
	data, ok := strings.CutPrefix(line, "data:")
	if !ok {
		return "", false, nil
	}
	data = strings.TrimSpace(data)

	var event streamEvent
	if err := json.Unmarshal([]byte(data), &event); err != nil {
		return "", false, domain.UpstreamProtocolError(fmt.Errorf("invalid stream event: %w", err))
	}

	switch event.Type {
	case "content_block_delta":
		if event.Delta.Type == "text_delta" {
			return event.Delta.Text, false, nil
		}
	case "message_stop":
		return "", true, nil
	case "error":
		return "", false, domain.UpstreamAPIError(http.StatusOK, event.Error.Message)
	}
	return "", false, nil
}
