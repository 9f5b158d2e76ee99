package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Rrens/llm-chat-relay/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "missing.yaml"))

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, 5, cfg.Chat.RateLimitSeconds)
	assert.Equal(t, 10, cfg.Chat.MaxConversations)
	assert.Equal(t, 20, cfg.Chat.MaxMessages)
	assert.Equal(t, 10, cfg.Chat.HistoryWindow)
	assert.Equal(t, 30*time.Second, cfg.Chat.ConnectionTimeout)
	assert.Equal(t, 0.7, cfg.Chat.DefaultTemperature)
	assert.Equal(t, "echo", cfg.LLM.DefaultService)
	assert.True(t, cfg.LLM.Echo.Enabled)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr())
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := []byte(`
store:
  driver: sqlite
chat:
  rate_limit_seconds: 0
  max_messages: 2
llm:
  ollama:
    enabled: true
`)
	require.NoError(t, os.WriteFile(path, content, 0o600))

	t.Setenv("CONFIG_PATH", path)
	t.Setenv("OLLAMA_HOST", "http://ollama.internal:11434")
	t.Setenv("JWT_SECRET", "from-env")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, 0, cfg.Chat.RateLimitSeconds)
	assert.Equal(t, 2, cfg.Chat.MaxMessages)
	assert.True(t, cfg.LLM.Ollama.Enabled)
	assert.Equal(t, "http://ollama.internal:11434", cfg.LLM.Ollama.Host)
	assert.Equal(t, "from-env", cfg.Auth.JWTSecret)
}

func TestValidate(t *testing.T) {
	base := func() config.Config {
		return config.Config{
			Store: config.StoreConfig{Driver: "memory"},
			Chat:  config.ChatConfig{MaxConversations: 1, MaxMessages: 1},
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *config.Config)
		wantErr bool
	}{
		{"valid", func(c *config.Config) {}, false},
		{"negative rate limit", func(c *config.Config) { c.Chat.RateLimitSeconds = -1 }, true},
		{"zero max messages", func(c *config.Config) { c.Chat.MaxMessages = 0 }, true},
		{"unknown driver", func(c *config.Config) { c.Store.Driver = "dynamo" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(&c)
			err := c.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
