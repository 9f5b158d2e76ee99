package gemini

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"github.com/googleapis/gax-go/v2/apierror"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/Rrens/llm-chat-relay/internal/config"
	"github.com/Rrens/llm-chat-relay/internal/domain"
	"github.com/Rrens/llm-chat-relay/internal/llm"
)

const (
	roleUser  = "user"
	roleModel = "model"
)

type Backend struct {
	apiKey string
	model  string
	opts   []option.ClientOption
}

func NewBackend(cfg config.GeminiConfig, opts ...option.ClientOption) *Backend {
	return &Backend{
		apiKey: cfg.APIKey,
		model:  cfg.Model,
		opts:   opts,
	}
}

func (b *Backend) Name() string {
	return llm.ServiceGemini
}

func (b *Backend) AvailableModels() []string {
	return []string{
		"gemini-2.5-flash",
		"gemini-2.5-pro",
		"gemini-1.5-flash",
		"gemini-1.5-pro",
	}
}

func (b *Backend) DefaultModel() string {
	if b.model != "" {
		return b.model
	}
	return "gemini-2.5-flash"
}

func (b *Backend) IsConfigured() bool {
	return b.apiKey != ""
}

// startChat opens a client and a chat session seeded with the conversation history.
// The caller must close the returned client.
func (b *Backend) startChat(ctx context.Context, req llm.Request) (*genai.Client, *genai.ChatSession, string, error) {
	if !b.IsConfigured() {
		return nil, nil, "", domain.UnsupportedService(llm.ServiceGemini)
	}

	model := req.Model
	if model == "" {
		model = b.DefaultModel()
	}

	opts := append([]option.ClientOption{option.WithAPIKey(b.apiKey)}, b.opts...)
	client, err := genai.NewClient(ctx, opts...)
	if err != nil {
		return nil, nil, "", domain.UpstreamError(fmt.Errorf("failed to create gemini client: %w", err), false)
	}

	system, history, prompt := SplitMessages(llm.PrepareMessages(req))

	generativeModel := client.GenerativeModel(model)
	generativeModel.SetTemperature(float32(req.Temperature))
	if system != "" {
		generativeModel.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(system)}}
	}

	cs := generativeModel.StartChat()
	cs.History = history
	return client, cs, prompt, nil
}

func (b *Backend) GetResponse(ctx context.Context, req llm.Request) (string, error) {
	client, cs, prompt, err := b.startChat(ctx, req)
	if err != nil {
		return "", err
	}
	defer client.Close()

	resp, err := cs.SendMessage(ctx, genai.Text(prompt))
	if err != nil {
		return "", mapError(ctx, err)
	}

	output := responseText(resp)
	if output == "" {
		return "", domain.UpstreamProtocolError(fmt.Errorf("empty response from gemini"))
	}
	return output, nil
}

func (b *Backend) StreamResponse(ctx context.Context, req llm.Request) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		client, cs, prompt, err := b.startChat(ctx, req)
		if err != nil {
			yield("", err)
			return
		}
		defer client.Close()

		it := cs.SendMessageStream(ctx, genai.Text(prompt))
		for {
			resp, err := it.Next()
			if errors.Is(err, iterator.Done) {
				return
			}
			if err != nil {
				yield("", mapError(ctx, err))
				return
			}
			text := responseText(resp)
			if text == "" {
				continue
			}
			if !yield(text, nil) {
				return
			}
		}
	}
}

// SplitMessages maps relay messages onto the Gemini chat model: the system prompt becomes the
// system instruction, assistant turns become "model" turns and the final user turn is the prompt.
func SplitMessages(messages []llm.ChatMessage) (string, []*genai.Content, string) {
	var system []string
	var history []*genai.Content
	for _, m := range messages {
		switch m.Role {
		case string(domain.RoleSystem):
			system = append(system, m.Content)
		case string(domain.RoleAssistant):
			history = append(history, &genai.Content{Role: roleModel, Parts: []genai.Part{genai.Text(m.Content)}})
		default:
			history = append(history, &genai.Content{Role: roleUser, Parts: []genai.Part{genai.Text(m.Content)}})
		}
	}

	var prompt string
	if n := len(history); n > 0 && history[n-1].Role == roleUser {
		prompt = string(history[n-1].Parts[0].(genai.Text))
		history = history[:n-1]
	}
	return strings.Join(system, "\n\n"), history, prompt
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			sb.WriteString(string(text))
		}
	}
	return sb.String()
}

func mapError(ctx context.Context, err error) error {
	var blocked *genai.BlockedError
	if errors.As(err, &blocked) {
		return domain.UpstreamAPIError(0, blocked.Error())
	}

	var gErr *googleapi.Error
	if errors.As(err, &gErr) {
		return domain.UpstreamAPIError(gErr.Code, gErr.Message)
	}

	var apiErr *apierror.APIError
	if errors.As(err, &apiErr) {
		return domain.UpstreamAPIError(apiErr.HTTPCode(), apiErr.Error())
	}

	return llm.TransportError(ctx, err)
}
