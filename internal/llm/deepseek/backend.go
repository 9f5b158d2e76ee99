// Package deepseek serves DeepSeek and any other OpenAI-compatible API through the go-openai client
package deepseek

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"

	openai "github.com/sashabaranov/go-openai"

	"github.com/Rrens/llm-chat-relay/internal/config"
	"github.com/Rrens/llm-chat-relay/internal/domain"
	"github.com/Rrens/llm-chat-relay/internal/llm"
)

// Backend implements llm.Backend for DeepSeek
type Backend struct {
	apiKey       string
	defaultModel string
	client       *openai.Client
}

// NewBackend creates a new DeepSeek backend
func NewBackend(cfg config.DeepSeekConfig) *Backend {
	defaultModel := cfg.Model
	if defaultModel == "" {
		defaultModel = "deepseek-chat"
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	clientCfg.BaseURL = "https://api.deepseek.com/v1"
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return &Backend{
		apiKey:       cfg.APIKey,
		defaultModel: defaultModel,
		client:       openai.NewClientWithConfig(clientCfg),
	}
}

func (b *Backend) Name() string {
	return llm.ServiceDeepSeek
}

func (b *Backend) AvailableModels() []string {
	return []string{
		"deepseek-chat",
		"deepseek-reasoner",
	}
}

func (b *Backend) DefaultModel() string {
	return b.defaultModel
}

func (b *Backend) IsConfigured() bool {
	return b.apiKey != ""
}

func (b *Backend) newRequest(req llm.Request) openai.ChatCompletionRequest {
	model := req.Model
	if model == "" {
		model = b.defaultModel
	}

	prepared := llm.PrepareMessages(req)
	messages := make([]openai.ChatCompletionMessage, len(prepared))
	for i, m := range prepared {
		messages[i] = openai.ChatCompletionMessage{Role: m.Role, Content: m.Content}
	}

	return openai.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		Temperature: float32(req.Temperature),
	}
}

func (b *Backend) GetResponse(ctx context.Context, req llm.Request) (string, error) {
	resp, err := b.client.CreateChatCompletion(ctx, b.newRequest(req))
	if err != nil {
		return "", mapError(ctx, err)
	}
	if len(resp.Choices) == 0 {
		return "", domain.UpstreamProtocolError(fmt.Errorf("no choices in response"))
	}
	return resp.Choices[0].Message.Content, nil
}

func (b *Backend) StreamResponse(ctx context.Context, req llm.Request) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		chatReq := b.newRequest(req)
		chatReq.Stream = true

		stream, err := b.client.CreateChatCompletionStream(ctx, chatReq)
		if err != nil {
			yield("", mapError(ctx, err))
			return
		}
		defer stream.Close()

		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield("", mapError(ctx, err))
				return
			}
			if len(resp.Choices) == 0 || resp.Choices[0].Delta.Content == "" {
				continue
			}
			if !yield(resp.Choices[0].Delta.Content, nil) {
				return
			}
		}
	}
}

func mapError(ctx context.Context, err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return domain.UpstreamAPIError(apiErr.HTTPStatusCode, apiErr.Message)
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return domain.UpstreamAPIError(reqErr.HTTPStatusCode, reqErr.Error())
	}

	if errors.Is(err, openai.ErrTooManyEmptyStreamMessages) {
		return domain.UpstreamProtocolError(err)
	}

	return llm.TransportError(ctx, err)
}
