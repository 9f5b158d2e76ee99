package api

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rrens/llm-chat-relay/internal/config"
	"github.com/Rrens/llm-chat-relay/internal/domain"
	"github.com/Rrens/llm-chat-relay/internal/llm"
	"github.com/Rrens/llm-chat-relay/internal/metrics"
	"github.com/Rrens/llm-chat-relay/internal/repository/memory"
	"github.com/Rrens/llm-chat-relay/internal/security"
)

const testSecret = "router-test-secret"

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   json.RawMessage `json:"error"`
}

// payload decodes a domain error body; middleware errors are plain strings
func (e envelope) payload(t *testing.T) domain.ErrorPayload {
	t.Helper()
	var p domain.ErrorPayload
	require.NoError(t, json.Unmarshal(e.Error, &p))
	return p
}

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			MiddlewareTimeout: 5 * time.Second,
			AllowedOrigins:    []string{"*"},
		},
		Store: config.StoreConfig{Driver: "memory"},
		Auth: config.AuthConfig{
			JWTSecret:      testSecret,
			Issuer:         "llm-chat-relay",
			AccessTokenTTL: time.Hour,
		},
		Chat: config.ChatConfig{
			MaxConversations:   3,
			MaxMessages:        20,
			ConnectionTimeout:  5 * time.Second,
			HistoryWindow:      10,
			DefaultTemperature: domain.DefaultTemperature,
		},
		LLM: config.LLMConfig{
			DefaultService: llm.ServiceEcho,
			Echo:           config.EchoConfig{Enabled: true},
		},
		Metrics: config.MetricsConfig{Enabled: true, Path: "/metrics"},
	}
}

type testServer struct {
	*httptest.Server
	token string
}

func newTestServer(t *testing.T, cfg *config.Config) *testServer {
	t.Helper()

	router := NewRouter(cfg, Dependencies{
		Store:   memory.NewStore(),
		Metrics: metrics.New(prometheus.NewRegistry()),
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	token, err := security.NewJWTManager(testSecret, cfg.Auth.Issuer, time.Hour).GenerateAccessToken("user-1", "Test User")
	require.NoError(t, err)

	return &testServer{Server: srv, token: token}
}

func (s *testServer) do(t *testing.T, method, path, body string) (*http.Response, envelope) {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, s.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+s.token)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var env envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return resp, env
}

func (s *testServer) create(t *testing.T) domain.Conversation {
	t.Helper()

	resp, env := s.do(t, http.MethodPost, "/api/v1/conversations/", `{"test_mode":true}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var conv domain.Conversation
	require.NoError(t, json.Unmarshal(env.Data, &conv))
	return conv
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, testConfig())

	resp, err := http.Get(srv.URL + "/api/v1/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/api/v1/ready")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAuthRequired(t *testing.T) {
	srv := newTestServer(t, testConfig())

	resp, err := http.Get(srv.URL + "/api/v1/conversations/")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/v1/conversations/", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestConversationLifecycle(t *testing.T) {
	srv := newTestServer(t, testConfig())
	conv := srv.create(t)

	assert.Equal(t, domain.DefaultTitle, conv.Title)
	assert.Equal(t, llm.ServiceEcho, conv.Service)
	assert.Equal(t, "test_model", conv.Model)

	resp, env := srv.do(t, http.MethodGet, "/api/v1/conversations/", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []domain.ConversationSummary
	require.NoError(t, json.Unmarshal(env.Data, &list))
	require.Len(t, list, 1)
	assert.Equal(t, conv.ID, list[0].ID)

	resp, env = srv.do(t, http.MethodPatch, "/api/v1/conversations/"+conv.ID, `{"title":"Renamed"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var updated domain.Conversation
	require.NoError(t, json.Unmarshal(env.Data, &updated))
	assert.Equal(t, "Renamed", updated.Title)

	resp, env = srv.do(t, http.MethodDelete, "/api/v1/conversations/"+conv.ID, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"message":"Conversation deleted successfully."}`, string(env.Data))

	resp, env = srv.do(t, http.MethodDelete, "/api/v1/conversations/"+conv.ID, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"message":"Conversation already deleted."}`, string(env.Data))

	resp, env = srv.do(t, http.MethodGet, "/api/v1/conversations/"+conv.ID, "")
	assert.Equal(t, http.StatusGone, resp.StatusCode)
	assert.Equal(t, domain.CodeConversationDeleted, env.payload(t).Code)

	resp, env = srv.do(t, http.MethodGet, "/api/v1/conversations/missing", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, domain.CodeConversationNotFound, env.payload(t).Code)
}

func TestCreateRejectsDisabledService(t *testing.T) {
	srv := newTestServer(t, testConfig())

	resp, env := srv.do(t, http.MethodPost, "/api/v1/conversations/", `{"llm_service":"openai"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, domain.CodeInvalidService, env.payload(t).Code)

	resp, env = srv.do(t, http.MethodPost, "/api/v1/conversations/", `{"llm_service":`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, domain.CodeInvalidRequest, env.payload(t).Code)
}

func TestConversationLimit(t *testing.T) {
	srv := newTestServer(t, testConfig())
	for range 3 {
		srv.create(t)
	}

	resp, env := srv.do(t, http.MethodPost, "/api/v1/conversations/", `{}`)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, domain.CodeConversationLimit, env.payload(t).Code)
}

func TestSendAndExport(t *testing.T) {
	srv := newTestServer(t, testConfig())
	conv := srv.create(t)

	resp, env := srv.do(t, http.MethodPost, "/api/v1/conversations/"+conv.ID+"/messages", `{"content":"hello there"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got domain.Conversation
	require.NoError(t, json.Unmarshal(env.Data, &got))
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "hello there", got.Title)
	assert.Equal(t, "Hello! How can I help you today?", got.Messages[1].Content)

	resp, env = srv.do(t, http.MethodGet, "/api/v1/conversations/"+conv.ID+"/export", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var export struct {
		Content  string `json:"content"`
		Filename string `json:"filename"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &export))
	assert.True(t, strings.HasPrefix(export.Filename, "hello-there-"))
	assert.Contains(t, export.Content, "# hello there")
	assert.Contains(t, export.Content, "**Assistant**")
}

func TestSendEmptyMessage(t *testing.T) {
	srv := newTestServer(t, testConfig())
	conv := srv.create(t)

	resp, env := srv.do(t, http.MethodPost, "/api/v1/conversations/"+conv.ID+"/messages", `{"content":"   "}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, domain.CodeEmptyMessage, env.payload(t).Code)
}

func TestMessageRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.Chat.RateLimitSeconds = 30
	srv := newTestServer(t, cfg)
	conv := srv.create(t)

	resp, _ := srv.do(t, http.MethodPost, "/api/v1/conversations/"+conv.ID+"/messages", `{"content":"hi"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, env := srv.do(t, http.MethodPost, "/api/v1/conversations/"+conv.ID+"/messages", `{"content":"again"}`)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, domain.CodeRateLimited, env.payload(t).Code)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	remaining := env.payload(t).RemainingTime
	require.NotNil(t, remaining)
	assert.Positive(t, *remaining)
}

func TestStream(t *testing.T) {
	srv := newTestServer(t, testConfig())
	conv := srv.create(t)

	// EventSource clients authenticate through the query string
	resp, err := http.Get(srv.URL + "/api/v1/conversations/" + conv.ID + "/stream?content=hello&access_token=" + srv.token)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	text := string(body)

	assert.Equal(t, 7, strings.Count(text, "event: message\n"))
	assert.Equal(t, 1, strings.Count(text, "event: done\n"))
	assert.NotContains(t, text, "event: error_event")
	assert.Less(t, strings.LastIndex(text, "event: message"), strings.Index(text, "event: done"))

	_, env := srv.do(t, http.MethodGet, "/api/v1/conversations/"+conv.ID, "")
	var stored domain.Conversation
	require.NoError(t, json.Unmarshal(env.Data, &stored))
	require.Len(t, stored.Messages, 2)
	assert.Equal(t, "Hello! How can I help you today? ", stored.Messages[1].Content)
}

func TestStreamRejectedBeforeCommit(t *testing.T) {
	srv := newTestServer(t, testConfig())

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/v1/conversations/missing/stream", strings.NewReader(`{"content":"hi"}`))
	req.Header.Set("Authorization", "Bearer "+srv.token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "event: error_event")
	assert.Contains(t, string(body), string(domain.CodeConversationNotFound))
}

func TestRequestLimiter(t *testing.T) {
	cfg := testConfig()
	cfg.Security.RateLimit = config.RateLimitConfig{Enabled: true, RequestsPerMinute: 1, Burst: 2}
	srv := newTestServer(t, cfg)

	for range 2 {
		resp, _ := srv.do(t, http.MethodGet, "/api/v1/conversations/", "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	resp, _ := srv.do(t, http.MethodGet, "/api/v1/conversations/", "")
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	assert.Equal(t, "0", resp.Header.Get("X-RateLimit-Remaining"))
}

func TestSettings(t *testing.T) {
	srv := newTestServer(t, testConfig())

	resp, env := srv.do(t, http.MethodGet, "/api/v1/settings", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var settings struct {
		Services []struct {
			Name string `json:"name"`
		} `json:"available_llm_services"`
		Default          string `json:"default_llm_service"`
		MaxConversations int    `json:"global_max_conversations"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &settings))
	require.Len(t, settings.Services, 1)
	assert.Equal(t, llm.ServiceEcho, settings.Services[0].Name)
	assert.Equal(t, llm.ServiceEcho, settings.Default)
	assert.Equal(t, 3, settings.MaxConversations)
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t, testConfig())
	srv.create(t)

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "chatrelay_http_requests_total")
}

func TestNewRegistry(t *testing.T) {
	registry := NewRegistry(config.LLMConfig{
		DefaultService: llm.ServiceEcho,
		Echo:           config.EchoConfig{Enabled: true},
		Ollama:         config.OllamaConfig{Enabled: true, Host: "http://localhost:11434", DefaultModel: "llama3"},
		Gemini:         config.GeminiConfig{Enabled: false},
	})

	assert.True(t, registry.Enabled(llm.ServiceEcho))
	assert.True(t, registry.Enabled(llm.ServiceOllama))
	assert.False(t, registry.Enabled(llm.ServiceGemini))
	assert.False(t, registry.Enabled(llm.ServiceOpenAI))
}
