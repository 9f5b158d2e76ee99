package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/Rrens/llm-chat-relay/internal/api/middleware"
	"github.com/Rrens/llm-chat-relay/internal/api/response"
	"github.com/Rrens/llm-chat-relay/internal/api/sse"
	"github.com/Rrens/llm-chat-relay/internal/domain"
	"github.com/Rrens/llm-chat-relay/internal/service"
)

// MessageHandler handles message endpoints
type MessageHandler struct {
	messageService *service.MessageService
}

// NewMessageHandler creates a new message handler
func NewMessageHandler(messageService *service.MessageService) *MessageHandler {
	return &MessageHandler{messageService: messageService}
}

// Send adds a message and waits for the whole reply, or stores only the user turn with stream_only
func (h *MessageHandler) Send(w http.ResponseWriter, r *http.Request) {
	owner, ok := middleware.GetOwner(r.Context())
	if !ok {
		response.Unauthorized(w, "unauthorized")
		return
	}

	var input service.SendInput
	if err := decodeBody(r, &input); err != nil {
		response.DomainError(w, domain.InvalidRequest("invalid request body"))
		return
	}

	if err := validate.Struct(input); err != nil {
		response.DomainError(w, domain.InvalidRequest(err.Error()))
		return
	}

	conv, err := h.messageService.Send(r.Context(), owner, chi.URLParam(r, "conversationID"), input)
	if err != nil {
		response.DomainError(w, err)
		return
	}

	response.OK(w, conv)
}

type streamRequest struct {
	Content string `json:"content" validate:"max=32000"`
}

// Stream relays the reply as server-sent events. Content comes from the JSON body or the content query parameter.
func (h *MessageHandler) Stream(w http.ResponseWriter, r *http.Request) {
	owner, ok := middleware.GetOwner(r.Context())
	if !ok {
		response.Unauthorized(w, "unauthorized")
		return
	}

	var input streamRequest
	if r.Method == http.MethodPost {
		if err := decodeBody(r, &input); err != nil {
			response.DomainError(w, domain.InvalidRequest("invalid request body"))
			return
		}
	}
	if input.Content == "" {
		input.Content = r.URL.Query().Get("content")
	}

	if err := validate.Struct(input); err != nil {
		response.DomainError(w, domain.InvalidRequest(err.Error()))
		return
	}

	id := chi.URLParam(r, "conversationID")
	relay := sse.NewRelay(w)
	if err := h.messageService.Stream(r.Context(), owner, id, input.Content, relay); err != nil {
		log.Debug().Err(err).Str("owner", owner).Str("conversation_id", id).Msg("stream ended with error")
	}
}
