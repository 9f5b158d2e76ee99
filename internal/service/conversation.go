package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/Rrens/llm-chat-relay/internal/domain"
	"github.com/Rrens/llm-chat-relay/internal/llm"
	"github.com/Rrens/llm-chat-relay/internal/llm/echo"
	"github.com/Rrens/llm-chat-relay/internal/metrics"
	"github.com/Rrens/llm-chat-relay/internal/quota"
)

// maxConflictRetries bounds every optimistic read-modify-write loop
const maxConflictRetries = 3

// MsgAlreadyDeleted is returned by Delete for a tombstoned conversation
const MsgAlreadyDeleted = "Conversation already deleted."

// Settings is what clients need to render the chat
type Settings struct {
	Services               []llm.ServiceInfo `json:"available_llm_services"`
	DefaultService         string            `json:"default_llm_service"`
	GlobalRateLimit        int               `json:"global_rate_limit"`
	GlobalMaxConversations int               `json:"global_max_conversations"`
	GlobalMaxMessages      int               `json:"global_max_messages"`
}

// Export is a downloadable markdown rendition of a conversation
type Export struct {
	Content  string `json:"content"`
	Filename string `json:"filename"`
}

// ConversationService handles conversation lifecycle operations
type ConversationService struct {
	store              domain.ConversationStore
	guard              *quota.Guard
	registry           *llm.Registry
	defaultTemperature float64
	metrics            *metrics.Metrics
}

// NewConversationService creates a new conversation service
func NewConversationService(
	store domain.ConversationStore,
	guard *quota.Guard,
	registry *llm.Registry,
	defaultTemperature float64,
	m *metrics.Metrics,
) *ConversationService {
	return &ConversationService{
		store:              store,
		guard:              guard,
		registry:           registry,
		defaultTemperature: defaultTemperature,
		metrics:            m,
	}
}

// Create starts a new conversation for owner
func (s *ConversationService) Create(ctx context.Context, owner string, input domain.ConversationCreate) (*domain.Conversation, error) {
	service := strings.TrimSpace(input.Service)
	model := strings.TrimSpace(input.Model)
	if input.TestMode {
		service = llm.ServiceEcho
		model = echo.TestModel
	}
	if service == "" {
		service = s.registry.DefaultService()
	}

	backend, err := s.registry.Get(service)
	if err != nil {
		log.Warn().Str("owner", owner).Str("service", service).Msg("rejected conversation for disabled service")
		return nil, domain.InvalidService(service)
	}
	if model == "" {
		model = backend.DefaultModel()
	}

	temperature := s.defaultTemperature
	if input.Temperature != nil {
		temperature = *input.Temperature
	}

	now := s.guard.Now()
	conv := &domain.Conversation{
		ID:           uuid.NewString(),
		Owner:        owner,
		Title:        domain.DefaultTitle,
		Created:      now,
		Updated:      now,
		Service:      service,
		Model:        model,
		SystemPrompt: input.SystemPrompt,
		Temperature:  domain.ClampTemperature(temperature),
		Messages:     []domain.Message{},
	}

	unlock := s.guard.Lock(owner)
	defer unlock()

	if err := s.guard.AdmitCreate(ctx, owner); err != nil {
		s.reject(owner, "", err)
		return nil, err
	}

	if err := s.store.Put(ctx, conv); err != nil {
		return nil, domain.PersistenceError(fmt.Errorf("failed to create conversation: %w", err))
	}

	log.Info().
		Str("owner", owner).
		Str("conversation_id", conv.ID).
		Str("service", service).
		Str("model", model).
		Msg("conversation created")

	return conv, nil
}

// List returns the owner's conversations, most recently updated first
func (s *ConversationService) List(ctx context.Context, owner string, includeDeleted bool) ([]domain.ConversationSummary, error) {
	summaries, err := s.store.ListByOwner(ctx, owner, includeDeleted)
	if err != nil {
		return nil, domain.PersistenceError(fmt.Errorf("failed to list conversations: %w", err))
	}
	if summaries == nil {
		summaries = []domain.ConversationSummary{}
	}
	slices.SortStableFunc(summaries, func(a, b domain.ConversationSummary) int {
		return b.Updated.Compare(a.Updated)
	})
	return summaries, nil
}

// Get returns one live conversation
func (s *ConversationService) Get(ctx context.Context, owner, id string) (*domain.Conversation, error) {
	conv, err := load(ctx, s.store, owner, id)
	if err != nil {
		return nil, err
	}
	if conv.Deleted {
		return nil, domain.ConversationDeleted()
	}
	return conv, nil
}

// Update applies a partial update to a live conversation
func (s *ConversationService) Update(ctx context.Context, owner, id string, input domain.ConversationUpdate) (*domain.Conversation, error) {
	var lastErr error
	for range maxConflictRetries {
		conv, err := s.Get(ctx, owner, id)
		if err != nil {
			return nil, err
		}

		if input.Title != nil {
			if title := strings.TrimSpace(*input.Title); title != "" {
				conv.Title = title
			}
		}
		if input.SystemPrompt != nil {
			conv.SystemPrompt = *input.SystemPrompt
		}
		if input.Temperature != nil {
			conv.Temperature = domain.ClampTemperature(*input.Temperature)
		}
		conv.Touch(s.guard.Now())

		err = s.store.Put(ctx, conv)
		if err == nil {
			return conv, nil
		}
		if !errors.Is(err, domain.ErrVersionConflict) {
			return nil, domain.PersistenceError(fmt.Errorf("failed to update conversation: %w", err))
		}
		lastErr = err
	}
	return nil, domain.Conflict(lastErr)
}

// Delete tombstones a conversation. It reports true when it was already deleted.
func (s *ConversationService) Delete(ctx context.Context, owner, id string) (bool, error) {
	var lastErr error
	for range maxConflictRetries {
		conv, err := load(ctx, s.store, owner, id)
		if err != nil {
			return false, err
		}
		if conv.Deleted {
			return true, nil
		}

		conv.Deleted = true
		conv.Touch(s.guard.Now())

		err = s.store.Put(ctx, conv)
		if err == nil {
			log.Info().Str("owner", owner).Str("conversation_id", id).Msg("conversation deleted")
			return false, nil
		}
		if !errors.Is(err, domain.ErrVersionConflict) {
			return false, domain.PersistenceError(fmt.Errorf("failed to delete conversation: %w", err))
		}
		lastErr = err
	}
	return false, domain.Conflict(lastErr)
}

// Export renders a live conversation as markdown
func (s *ConversationService) Export(ctx context.Context, owner, id string) (*Export, error) {
	conv, err := s.Get(ctx, owner, id)
	if err != nil {
		return nil, err
	}
	return &Export{
		Content:  FormatMarkdown(conv),
		Filename: SanitizeFilename(conv.Title) + "-" + s.guard.Now().UTC().Format(time.DateOnly) + ".md",
	}, nil
}

// Settings reports the enabled services and global quotas
func (s *ConversationService) Settings() Settings {
	limits := s.guard.Limits()
	services := s.registry.Info()
	if services == nil {
		services = []llm.ServiceInfo{}
	}
	return Settings{
		Services:               services,
		DefaultService:         s.registry.DefaultService(),
		GlobalRateLimit:        limits.RateLimitSeconds,
		GlobalMaxConversations: limits.MaxConversations,
		GlobalMaxMessages:      limits.MaxMessages,
	}
}

func (s *ConversationService) reject(owner, id string, err error) {
	derr := domain.ToError(err)
	s.metrics.RecordDenied(string(derr.Code))
	log.Warn().
		Str("owner", owner).
		Str("conversation_id", id).
		Str("reason", string(derr.Code)).
		Msg("request rejected")
}

// load maps a missing record to ConversationNotFound
func load(ctx context.Context, store domain.ConversationStore, owner, id string) (*domain.Conversation, error) {
	conv, err := store.Get(ctx, owner, id)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, domain.ConversationNotFound()
	}
	if err != nil {
		return nil, domain.PersistenceError(fmt.Errorf("failed to get conversation: %w", err))
	}
	return conv, nil
}

const exportTimeLayout = "2006-01-02 15:04:05"

// FormatMarkdown renders the export document
func FormatMarkdown(conv *domain.Conversation) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "# %s\n\n", conv.Title)
	fmt.Fprintf(&sb, "**Conversation ID:** %s\n", conv.ID)
	fmt.Fprintf(&sb, "**Created:** %s GMT\n", conv.Created.UTC().Format(exportTimeLayout))
	if conv.Service != "" {
		fmt.Fprintf(&sb, "**LLM Service:** %s\n", conv.Service)
	}
	if conv.Model != "" {
		fmt.Fprintf(&sb, "**LLM Model:** %s\n", conv.Model)
	}
	sb.WriteString("\n---\n\n")

	for _, m := range conv.Messages {
		fmt.Fprintf(&sb, "**%s** (%s GMT)\n\n", capitalize(string(m.Role)), m.Timestamp.UTC().Format(exportTimeLayout))
		sb.WriteString(m.Content)
		sb.WriteString("\n\n---\n\n")
	}
	return sb.String()
}

// SanitizeFilename keeps letters, digits, dots, underscores and dashes, turning whitespace runs into one dash
func SanitizeFilename(title string) string {
	var sb strings.Builder
	dash := false
	for _, r := range title {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '.' || r == '_' || r == '-':
			sb.WriteRune(r)
			dash = false
		case unicode.IsSpace(r):
			if !dash && sb.Len() > 0 {
				sb.WriteByte('-')
				dash = true
			}
		}
	}
	name := strings.Trim(sb.String(), "-._")
	if name == "" {
		return "conversation"
	}
	return name
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
