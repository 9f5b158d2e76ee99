package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Rrens/llm-chat-relay/internal/api/handler"
	"github.com/Rrens/llm-chat-relay/internal/api/middleware"
	"github.com/Rrens/llm-chat-relay/internal/config"
	"github.com/Rrens/llm-chat-relay/internal/domain"
	"github.com/Rrens/llm-chat-relay/internal/llm"
	"github.com/Rrens/llm-chat-relay/internal/llm/echo"
	"github.com/Rrens/llm-chat-relay/internal/quota"
	"github.com/Rrens/llm-chat-relay/internal/repository/memory"
	"github.com/Rrens/llm-chat-relay/internal/security"
	"github.com/Rrens/llm-chat-relay/internal/service"
)

type failingPinger struct{}

func (failingPinger) Ping(ctx context.Context) error { return errors.New("connection refused") }

func TestHealthCheck(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	rec := httptest.NewRecorder()

	handler.HealthCheck(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, rec.Code)
	}

	var response map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if response["success"] != true {
		t.Error("expected success to be true")
	}

	data, ok := response["data"].(map[string]any)
	if !ok {
		t.Fatal("expected data to be a map")
	}

	if data["status"] != "ok" {
		t.Errorf("expected status 'ok', got %v", data["status"])
	}
}

func TestReadyCheck(t *testing.T) {
	rec := httptest.NewRecorder()
	handler.ReadyCheck(memory.NewStore())(rec, httptest.NewRequest(http.MethodGet, "/api/v1/ready", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ReadyCheck(failingPinger{})(rec, httptest.NewRequest(http.MethodGet, "/api/v1/ready", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status %d, got %d", http.StatusServiceUnavailable, rec.Code)
	}
}

func newHandlers() (*handler.ConversationHandler, *handler.MessageHandler) {
	store := memory.NewStore()
	guard := quota.NewGuard(store, quota.Limits{MaxConversations: 5, MaxMessages: 10})
	registry := llm.NewRegistry(llm.ServiceEcho)
	registry.Register(echo.NewBackend(config.EchoConfig{}))

	convs := service.NewConversationService(store, guard, registry, domain.DefaultTemperature, nil)
	msgs := service.NewMessageService(store, guard, registry, 5*time.Second, 10, nil)
	return handler.NewConversationHandler(convs), handler.NewMessageHandler(msgs)
}

// withRoute injects the owner and URL parameter the router would normally set
func withRoute(req *http.Request, owner, id string) *http.Request {
	rctx := chi.NewRouteContext()
	if id != "" {
		rctx.URLParams.Add("conversationID", id)
	}
	ctx := context.WithValue(req.Context(), chi.RouteCtxKey, rctx)
	if owner != "" {
		ctx = middleware.WithOwner(ctx, owner)
	}
	return req.WithContext(ctx)
}

func createConversation(t *testing.T, h *handler.ConversationHandler) domain.Conversation {
	t.Helper()

	rec := httptest.NewRecorder()
	h.Create(rec, withRoute(makeJSONRequest(http.MethodPost, "/api/v1/conversations", map[string]any{"test_mode": true}), "user-1", ""))
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected status %d, got %d: %s", http.StatusCreated, rec.Code, rec.Body.String())
	}

	var body struct {
		Data domain.Conversation `json:"data"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return body.Data
}

func TestConversationHandler_CreateRequiresOwner(t *testing.T) {
	convs, _ := newHandlers()

	rec := httptest.NewRecorder()
	convs.Create(rec, makeJSONRequest(http.MethodPost, "/api/v1/conversations", nil))

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected status %d, got %d", http.StatusUnauthorized, rec.Code)
	}
}

func TestConversationHandler_CreateEmptyBody(t *testing.T) {
	convs, _ := newHandlers()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/conversations", nil)
	convs.Create(rec, withRoute(req, "user-1", ""))

	if rec.Code != http.StatusCreated {
		t.Errorf("expected status %d, got %d", http.StatusCreated, rec.Code)
	}
}

func TestConversationHandler_UpdateValidation(t *testing.T) {
	convs, _ := newHandlers()
	conv := createConversation(t, convs)

	long := strings.Repeat("x", 201)
	rec := httptest.NewRecorder()
	convs.Update(rec, withRoute(makeJSONRequest(http.MethodPatch, "/", map[string]any{"title": long}), "user-1", conv.ID))

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
	}
}

func TestConversationHandler_OtherOwner(t *testing.T) {
	convs, _ := newHandlers()
	conv := createConversation(t, convs)

	rec := httptest.NewRecorder()
	convs.Get(rec, withRoute(httptest.NewRequest(http.MethodGet, "/", nil), "user-2", conv.ID))

	if rec.Code != http.StatusNotFound {
		t.Errorf("expected status %d, got %d", http.StatusNotFound, rec.Code)
	}
}

func TestMessageHandler_SendStreamOnly(t *testing.T) {
	convs, msgs := newHandlers()
	conv := createConversation(t, convs)

	rec := httptest.NewRecorder()
	req := makeJSONRequest(http.MethodPost, "/", map[string]any{"content": "hello", "stream_only": true})
	msgs.Send(rec, withRoute(req, "user-1", conv.ID))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, rec.Code, rec.Body.String())
	}

	var body struct {
		Data domain.Conversation `json:"data"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(body.Data.Messages) != 1 {
		t.Errorf("expected only the user message, got %d messages", len(body.Data.Messages))
	}
}

func TestMessageHandler_Stream(t *testing.T) {
	convs, msgs := newHandlers()
	conv := createConversation(t, convs)

	rec := httptest.NewRecorder()
	req := makeJSONRequest(http.MethodPost, "/", map[string]any{"content": "thanks"})
	msgs.Stream(rec, withRoute(req, "user-1", conv.ID))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("expected event stream, got %q", ct)
	}

	body := rec.Body.String()
	if !strings.Contains(body, "event: message\n") {
		t.Error("expected at least one message event")
	}
	if !strings.HasSuffix(strings.TrimSpace(body), "}") || !strings.Contains(body, "event: done\n") {
		t.Errorf("expected stream to end with a done event, got %q", body)
	}
}

func TestMessageHandler_StreamDeleted(t *testing.T) {
	convs, msgs := newHandlers()
	conv := createConversation(t, convs)

	rec := httptest.NewRecorder()
	convs.Delete(rec, withRoute(httptest.NewRequest(http.MethodDelete, "/", nil), "user-1", conv.ID))

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/?content=hi", nil)
	msgs.Stream(rec, withRoute(req, "user-1", conv.ID))

	if rec.Code != http.StatusGone {
		t.Errorf("expected status %d, got %d", http.StatusGone, rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "event: error_event") {
		t.Error("expected an error event")
	}
}

// BenchmarkJWTGeneration benchmarks token generation
func BenchmarkJWTGeneration(b *testing.B) {
	manager := security.NewJWTManager("benchmark-secret-key-32-chars!!", "llm-chat-relay", 15*time.Minute)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = manager.GenerateAccessToken("user-1", "Test User")
	}
}

// Helper to make JSON request
func makeJSONRequest(method, path string, body any) *http.Request {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	return req
}
