package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/Rrens/llm-chat-relay/internal/api/middleware"
	"github.com/Rrens/llm-chat-relay/internal/api/response"
	"github.com/Rrens/llm-chat-relay/internal/domain"
	"github.com/Rrens/llm-chat-relay/internal/service"
)

var validate = validator.New()

// ConversationHandler handles conversation endpoints
type ConversationHandler struct {
	conversationService *service.ConversationService
}

// NewConversationHandler creates a new conversation handler
func NewConversationHandler(conversationService *service.ConversationService) *ConversationHandler {
	return &ConversationHandler{conversationService: conversationService}
}

// Create handles conversation creation
func (h *ConversationHandler) Create(w http.ResponseWriter, r *http.Request) {
	owner, ok := middleware.GetOwner(r.Context())
	if !ok {
		response.Unauthorized(w, "unauthorized")
		return
	}

	var input domain.ConversationCreate
	if err := decodeBody(r, &input); err != nil {
		response.DomainError(w, domain.InvalidRequest("invalid request body"))
		return
	}

	if err := validate.Struct(input); err != nil {
		response.DomainError(w, domain.InvalidRequest(err.Error()))
		return
	}

	conv, err := h.conversationService.Create(r.Context(), owner, input)
	if err != nil {
		response.DomainError(w, err)
		return
	}

	response.Created(w, conv)
}

// List handles listing the owner's conversations
func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	owner, ok := middleware.GetOwner(r.Context())
	if !ok {
		response.Unauthorized(w, "unauthorized")
		return
	}

	includeDeleted, _ := strconv.ParseBool(r.URL.Query().Get("include_deleted"))

	conversations, err := h.conversationService.List(r.Context(), owner, includeDeleted)
	if err != nil {
		response.DomainError(w, err)
		return
	}

	response.OK(w, conversations)
}

// Get handles getting a conversation by ID
func (h *ConversationHandler) Get(w http.ResponseWriter, r *http.Request) {
	owner, ok := middleware.GetOwner(r.Context())
	if !ok {
		response.Unauthorized(w, "unauthorized")
		return
	}

	conv, err := h.conversationService.Get(r.Context(), owner, chi.URLParam(r, "conversationID"))
	if err != nil {
		response.DomainError(w, err)
		return
	}

	response.OK(w, conv)
}

// Update handles renaming and settings changes
func (h *ConversationHandler) Update(w http.ResponseWriter, r *http.Request) {
	owner, ok := middleware.GetOwner(r.Context())
	if !ok {
		response.Unauthorized(w, "unauthorized")
		return
	}

	var input domain.ConversationUpdate
	if err := decodeBody(r, &input); err != nil {
		response.DomainError(w, domain.InvalidRequest("invalid request body"))
		return
	}

	if err := validate.Struct(input); err != nil {
		response.DomainError(w, domain.InvalidRequest(err.Error()))
		return
	}

	conv, err := h.conversationService.Update(r.Context(), owner, chi.URLParam(r, "conversationID"), input)
	if err != nil {
		response.DomainError(w, err)
		return
	}

	response.OK(w, conv)
}

// Delete handles soft-deleting a conversation
func (h *ConversationHandler) Delete(w http.ResponseWriter, r *http.Request) {
	owner, ok := middleware.GetOwner(r.Context())
	if !ok {
		response.Unauthorized(w, "unauthorized")
		return
	}

	already, err := h.conversationService.Delete(r.Context(), owner, chi.URLParam(r, "conversationID"))
	if err != nil {
		response.DomainError(w, err)
		return
	}

	message := "Conversation deleted successfully."
	if already {
		message = service.MsgAlreadyDeleted
	}
	response.OK(w, map[string]string{"message": message})
}

// Export handles the markdown download
func (h *ConversationHandler) Export(w http.ResponseWriter, r *http.Request) {
	owner, ok := middleware.GetOwner(r.Context())
	if !ok {
		response.Unauthorized(w, "unauthorized")
		return
	}

	export, err := h.conversationService.Export(r.Context(), owner, chi.URLParam(r, "conversationID"))
	if err != nil {
		response.DomainError(w, err)
		return
	}

	response.OK(w, export)
}

// Settings returns enabled services and global quotas
func (h *ConversationHandler) Settings(w http.ResponseWriter, r *http.Request) {
	response.OK(w, h.conversationService.Settings())
}

// decodeBody treats an empty body as an empty object
func decodeBody(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
