package llm

import (
	"context"
	"iter"
	"time"

	"github.com/Rrens/llm-chat-relay/internal/domain"
)

// Service keys
const (
	ServiceEcho      = "echo"
	ServiceOpenAI    = "openai"
	ServiceOllama    = "ollama"
	ServiceDeepSeek  = "deepseek"
	ServiceGemini    = "gemini"
	ServiceAnthropic = "anthropic"
)

// Request carries one exchange: the stored conversation plus the new user turn
type Request struct {
	Conversation  *domain.Conversation
	Content       string
	Model         string
	SystemPrompt  string
	Temperature   float64
	Timeout       time.Duration
	HistoryWindow int
}

// ChatMessage is one entry of the prepared message list sent upstream
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Backend defines the interface for LLM services
type Backend interface {
	// Name returns the service key
	Name() string

	// AvailableModels returns list of supported models
	AvailableModels() []string

	// DefaultModel returns the default model
	DefaultModel() string

	// IsConfigured checks if the backend has what it needs to make calls
	IsConfigured() bool

	// GetResponse returns the whole reply in one call
	GetResponse(ctx context.Context, req Request) (string, error)

	// StreamResponse yields reply fragments in generation order.
	// A failure ends the sequence with a single ("", err) pair.
	// The sequence is single-use and stops reading upstream as soon as the consumer stops.
	StreamResponse(ctx context.Context, req Request) iter.Seq2[string, error]
}

// BackendFactory creates a backend instance
type BackendFactory func() Backend

// Fail returns a sequence that yields only err
func Fail(err error) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		yield("", err)
	}
}

// Collect drains a stream into one string
func Collect(seq iter.Seq2[string, error]) (string, error) {
	var out []byte
	for chunk, err := range seq {
		if err != nil {
			return "", err
		}
		out = append(out, chunk...)
	}
	return string(out), nil
}
