package echo_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rrens/llm-chat-relay/internal/config"
	"github.com/Rrens/llm-chat-relay/internal/llm"
	"github.com/Rrens/llm-chat-relay/internal/llm/echo"
)

func TestReply(t *testing.T) {
	tests := []struct {
		content string
		prefix  string
	}{
		{"hello there", "Hello! How can I help"},
		{"HI", "Hello! How can I help"},
		{"how are you", "I'm just a test response"},
		{"I need help", "I'm here to help!"},
		{"thanks a lot", "You're welcome!"},
		{"what is 2+2?", "That's an interesting question."},
		{"tell me a story", "I understand you're testing"},
	}

	for _, tt := range tests {
		t.Run(tt.content, func(t *testing.T) {
			assert.True(t, strings.HasPrefix(echo.Reply(tt.content), tt.prefix), echo.Reply(tt.content))
		})
	}
}

func TestBackend_StreamResponse(t *testing.T) {
	b := echo.NewBackend(config.EchoConfig{})

	var chunks []string
	for chunk, err := range b.StreamResponse(context.Background(), llm.Request{Content: "hello there"}) {
		require.NoError(t, err)
		chunks = append(chunks, chunk)
	}

	require.Len(t, chunks, 7)
	assert.Equal(t, "Hello! ", chunks[0])
	for _, c := range chunks {
		assert.True(t, strings.HasSuffix(c, " "))
	}

	whole, err := b.GetResponse(context.Background(), llm.Request{Content: "hello there"})
	require.NoError(t, err)
	assert.Equal(t, whole+" ", strings.Join(chunks, ""))
}

func TestBackend_StreamStopsOnCancel(t *testing.T) {
	b := echo.NewBackend(config.EchoConfig{MinDelay: time.Second, MaxDelay: time.Second})
	ctx, cancel := context.WithCancel(context.Background())

	var (
		chunks  int
		lastErr error
	)
	for chunk, err := range b.StreamResponse(ctx, llm.Request{Content: "hello"}) {
		if err != nil {
			lastErr = err
			break
		}
		assert.NotEmpty(t, chunk)
		chunks++
		cancel()
	}

	assert.Equal(t, 1, chunks)
	assert.ErrorIs(t, lastErr, context.Canceled)
}

func TestBackend_ConsumerStopsEarly(t *testing.T) {
	b := echo.NewBackend(config.EchoConfig{})
	n := 0
	for range b.StreamResponse(context.Background(), llm.Request{Content: "help"}) {
		n++
		if n == 2 {
			break
		}
	}
	assert.Equal(t, 2, n)
}
