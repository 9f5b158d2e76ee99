// Package openai is the buffered chat-completion backend. It talks to any OpenAI-compatible endpoint.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"strings"

	"github.com/go-resty/resty/v2"

	"github.com/Rrens/llm-chat-relay/internal/config"
	"github.com/Rrens/llm-chat-relay/internal/domain"
	"github.com/Rrens/llm-chat-relay/internal/llm"
)

const readSize = 4096

// Backend implements llm.Backend for OpenAI
type Backend struct {
	apiKey       string
	defaultModel string
	client       *resty.Client
}

// NewBackend creates a new OpenAI backend
func NewBackend(cfg config.OpenAIConfig) *Backend {
	defaultModel := cfg.Model
	if defaultModel == "" {
		defaultModel = "gpt-4o-mini"
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}

	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetAuthToken(cfg.APIKey).
		SetHeader("Content-Type", "application/json")

	return &Backend{
		apiKey:       cfg.APIKey,
		defaultModel: defaultModel,
		client:       client,
	}
}

func (b *Backend) Name() string {
	return llm.ServiceOpenAI
}

func (b *Backend) AvailableModels() []string {
	return []string{
		"gpt-4o",
		"gpt-4o-mini",
		"gpt-4-turbo",
		"gpt-4",
		"gpt-3.5-turbo",
	}
}

func (b *Backend) DefaultModel() string {
	return b.defaultModel
}

func (b *Backend) IsConfigured() bool {
	return b.apiKey != ""
}

type chatRequest struct {
	Model       string            `json:"model"`
	Messages    []llm.ChatMessage `json:"messages"`
	Temperature float64           `json:"temperature"`
	Stream      bool              `json:"stream,omitempty"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *apiError `json:"error"`
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Error *apiError `json:"error"`
}

type errorResponse struct {
	Error *apiError `json:"error"`
}

func (b *Backend) newRequest(req llm.Request, stream bool) chatRequest {
	model := req.Model
	if model == "" {
		model = b.defaultModel
	}
	return chatRequest{
		Model:       model,
		Messages:    llm.PrepareMessages(req),
		Temperature: req.Temperature,
		Stream:      stream,
	}
}

// GetResponse makes one blocking completion call
func (b *Backend) GetResponse(ctx context.Context, req llm.Request) (string, error) {
	var (
		result  chatResponse
		failure errorResponse
	)

	resp, err := b.client.R().
		SetContext(ctx).
		SetBody(b.newRequest(req, false)).
		SetResult(&result).
		SetError(&failure).
		Post("/chat/completions")
	if err != nil {
		return "", llm.TransportError(ctx, err)
	}

	if resp.IsError() {
		return "", statusError(resp.StatusCode(), failure.Error, resp.String())
	}
	if result.Error != nil {
		return "", domain.UpstreamAPIError(resp.StatusCode(), result.Error.Message)
	}
	if len(result.Choices) == 0 {
		return "", domain.UpstreamProtocolError(fmt.Errorf("no choices in response: %.200s", resp.String()))
	}

	return result.Choices[0].Message.Content, nil
}

// StreamResponse requests the upstream's streaming mode and yields each delta as network reads arrive
func (b *Backend) StreamResponse(ctx context.Context, req llm.Request) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		resp, err := b.client.R().
			SetContext(ctx).
			SetBody(b.newRequest(req, true)).
			SetHeader("Accept", "text/event-stream").
			SetDoNotParseResponse(true).
			Post("/chat/completions")
		if err != nil {
			yield("", llm.TransportError(ctx, err))
			return
		}

		body := resp.RawBody()
		defer body.Close()

		if resp.StatusCode() >= http.StatusMultipleChoices {
			raw, _ := io.ReadAll(io.LimitReader(body, 64<<10))
			var failure errorResponse
			_ = json.Unmarshal(raw, &failure)
			yield("", statusError(resp.StatusCode(), failure.Error, string(raw)))
			return
		}

		var (
			lines llm.LineBuffer
			buf   = make([]byte, readSize)
		)
		for {
			n, readErr := body.Read(buf)
			if n > 0 {
				for _, line := range lines.Feed(buf[:n]) {
					delta, err := parseLine(line)
					if err != nil {
						yield("", err)
						return
					}
					if delta != "" && !yield(delta, nil) {
						return
					}
				}
			}

			if errors.Is(readErr, io.EOF) {
				if delta, err := parseLine(lines.Flush()); err != nil {
					yield("", err)
				} else if delta != "" {
					yield(delta, nil)
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

// parseLine extracts the delta text from one "data:" line.
// Blank lines, comments, the [DONE] marker and fragments that do not parse are skipped.
func parseLine(line string) (string, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "data:") {
		return "", nil
	}
	payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
	if payload == "" || payload == "[DONE]" {
		return "", nil
	}

	var chunk streamChunk
	if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
		return "", nil
	}
	if chunk.Error != nil {
		return "", domain.UpstreamAPIError(http.StatusOK, chunk.Error.Message)
	}
	if len(chunk.Choices) == 0 {
		return "", nil
	}
	return chunk.Choices[0].Delta.Content, nil
}

func statusError(status int, apiErr *apiError, raw string) error {
	if apiErr != nil && apiErr.Message != "" {
		return domain.UpstreamAPIError(status, apiErr.Message)
	}
	if len(raw) > 200 {
		raw = raw[:200]
	}
	return domain.UpstreamAPIError(status, fmt.Sprintf("HTTP %d: %s", status, raw))
}
