// Package echo is a canned responder for development and tests; it never leaves the process
package echo

import (
	"context"
	"iter"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/Rrens/llm-chat-relay/internal/config"
	"github.com/Rrens/llm-chat-relay/internal/llm"
)

// TestModel is the model recorded on conversations created in test mode
const TestModel = "test_model"

const (
	replyGreeting = "Hello! How can I help you today?"
	replyStatus   = "I'm just a test response, but I'm functioning well! How can I assist you?"
	replyHelp     = "I'm here to help! You can ask me questions, and I'll do my best to provide useful information. Note that this is a test mode, so my responses are pre-programmed."
	replyThanks   = "You're welcome! Is there anything else I can help you with?"
	replyQuestion = "That's an interesting question. In test mode, I can only provide pre-programmed responses. When the actual LLM integration is implemented, I'll be able to give you more specific answers."
	replyFallback = "I understand you're testing the chat interface. This is a simulated response in test mode. The actual LLM integration will be implemented in a future update, which will provide more intelligent and contextual responses."
)

// Backend implements llm.Backend with keyword-matched replies
type Backend struct {
	minDelay time.Duration
	maxDelay time.Duration
}

// NewBackend creates an echo backend; the stream pauses between minDelay and maxDelay per word
func NewBackend(cfg config.EchoConfig) *Backend {
	return &Backend{minDelay: cfg.MinDelay, maxDelay: cfg.MaxDelay}
}

func (b *Backend) Name() string {
	return llm.ServiceEcho
}

func (b *Backend) AvailableModels() []string {
	return []string{TestModel}
}

func (b *Backend) DefaultModel() string {
	return TestModel
}

func (b *Backend) IsConfigured() bool {
	return true
}

func (b *Backend) GetResponse(ctx context.Context, req llm.Request) (string, error) {
	return Reply(req.Content), nil
}

// StreamResponse yields the reply one word at a time, each followed by a space
func (b *Backend) StreamResponse(ctx context.Context, req llm.Request) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for _, word := range strings.Fields(Reply(req.Content)) {
			if !yield(word+" ", nil) {
				return
			}
			if err := llm.Sleep(ctx, b.delay()); err != nil {
				yield("", err)
				return
			}
		}
	}
}

func (b *Backend) delay() time.Duration {
	if b.maxDelay <= b.minDelay {
		return b.minDelay
	}
	return b.minDelay + rand.N(b.maxDelay-b.minDelay+1)
}

// Reply picks the canned answer for content; the first matching rule wins
func Reply(content string) string {
	content = strings.ToLower(content)

	switch {
	case strings.Contains(content, "hello"), strings.Contains(content, "hi"):
		return replyGreeting
	case strings.Contains(content, "how are you"):
		return replyStatus
	case strings.Contains(content, "help"):
		return replyHelp
	case strings.Contains(content, "thank"):
		return replyThanks
	case strings.Contains(content, "?"):
		return replyQuestion
	default:
		return replyFallback
	}
}
