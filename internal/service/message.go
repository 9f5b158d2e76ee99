package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Rrens/llm-chat-relay/internal/domain"
	"github.com/Rrens/llm-chat-relay/internal/llm"
	"github.com/Rrens/llm-chat-relay/internal/metrics"
	"github.com/Rrens/llm-chat-relay/internal/quota"
)

// Session outcomes recorded in metrics
const (
	OutcomeDone         = "done"
	OutcomeRejected     = "rejected"
	OutcomeError        = "error"
	OutcomeDisconnected = "disconnected"
)

var (
	errIdleTimeout = errors.New("no data from upstream within the connection timeout")
	errClientGone  = errors.New("client stopped receiving events")
)

// EventSink receives the events of one streamed exchange
type EventSink interface {
	Message(content string) error
	Done(conv *domain.Conversation) error
	Error(err error) error
}

// SendInput is the body of a non-streamed add-message request
type SendInput struct {
	Content    string `json:"content" validate:"max=32000"`
	StreamOnly bool   `json:"stream_only"`
}

// MessageService runs message exchanges: admission, persistence and the upstream call
type MessageService struct {
	store         domain.ConversationStore
	guard         *quota.Guard
	registry      *llm.Registry
	timeout       time.Duration
	historyWindow int
	metrics       *metrics.Metrics
}

// NewMessageService creates a new message service.
// timeout bounds a buffered upstream call and the silence between two streamed fragments.
func NewMessageService(
	store domain.ConversationStore,
	guard *quota.Guard,
	registry *llm.Registry,
	timeout time.Duration,
	historyWindow int,
	m *metrics.Metrics,
) *MessageService {
	return &MessageService{
		store:         store,
		guard:         guard,
		registry:      registry,
		timeout:       timeout,
		historyWindow: historyWindow,
		metrics:       m,
	}
}

// Stream runs one exchange and reports it through sink. Every path that returns
// with the client still connected has emitted exactly one terminal event.
func (s *MessageService) Stream(ctx context.Context, owner, id, content string, sink EventSink) error {
	start := time.Now()

	conv, backend, err := s.prepare(ctx, owner, id, content)
	if err != nil {
		s.record(conv, OutcomeRejected, start)
		return s.fail(sink, err)
	}

	finished := s.metrics.SessionStarted()
	defer finished()

	reply, err := s.relay(ctx, backend, s.newRequest(conv, strings.TrimSpace(content)), sink)
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, errClientGone) {
			s.record(conv, OutcomeDisconnected, start)
			log.Info().
				Str("owner", owner).
				Str("conversation_id", id).
				Msg("client disconnected, reply discarded")
			return err
		}
		s.record(conv, OutcomeError, start)
		log.Error().Err(err).
			Str("owner", owner).
			Str("conversation_id", id).
			Str("service", conv.Service).
			Msg("upstream stream failed")
		return s.fail(sink, err)
	}

	// the reply is complete; a disconnect from here on must not lose it
	final, err := s.appendAssistant(context.WithoutCancel(ctx), conv, reply)
	if err != nil {
		s.record(conv, OutcomeError, start)
		log.Error().Err(err).Str("owner", owner).Str("conversation_id", id).Msg("failed to persist reply")
		return s.fail(sink, err)
	}

	s.record(final, OutcomeDone, start)
	if err := sink.Done(final); err != nil {
		return fmt.Errorf("failed to emit done event: %w", err)
	}
	return nil
}

// Send runs one exchange without streaming and returns the updated conversation.
// With StreamOnly only the user message is stored; the reply is fetched by a later stream.
func (s *MessageService) Send(ctx context.Context, owner, id string, input SendInput) (*domain.Conversation, error) {
	start := time.Now()

	if input.StreamOnly {
		conv, err := s.appendUser(ctx, owner, id, input.Content)
		if err != nil {
			s.record(conv, OutcomeRejected, start)
			return nil, err
		}
		return conv, nil
	}

	conv, backend, err := s.prepare(ctx, owner, id, input.Content)
	if err != nil {
		s.record(conv, OutcomeRejected, start)
		return nil, err
	}

	callCtx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	reply, err := backend.GetResponse(callCtx, s.newRequest(conv, strings.TrimSpace(input.Content)))
	if err != nil {
		err = llm.TransportError(callCtx, err)
		s.record(conv, OutcomeError, start)
		log.Error().Err(err).
			Str("owner", owner).
			Str("conversation_id", id).
			Str("service", conv.Service).
			Msg("upstream call failed")
		return nil, err
	}

	final, err := s.appendAssistant(ctx, conv, reply)
	if err != nil {
		s.record(conv, OutcomeError, start)
		return nil, err
	}
	s.record(final, OutcomeDone, start)
	return final, nil
}

// prepare admits the message, persists it and resolves the backend.
// A backend failure leaves the user message in place.
func (s *MessageService) prepare(ctx context.Context, owner, id, content string) (*domain.Conversation, llm.Backend, error) {
	conv, err := s.appendUser(ctx, owner, id, content)
	if err != nil {
		return nil, nil, err
	}

	backend, err := s.registry.Get(conv.Service)
	if err != nil {
		log.Error().Err(err).Str("owner", owner).Str("conversation_id", id).Str("service", conv.Service).Msg("backend unavailable")
		return conv, nil, err
	}
	return conv, backend, nil
}

// appendUser admits and persists the user turn together with the rate-limit stamp.
// A lost race re-runs admission, which then normally sees the new stamp and rejects.
func (s *MessageService) appendUser(ctx context.Context, owner, id, content string) (*domain.Conversation, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		s.reject(owner, id, domain.EmptyMessage())
		return nil, domain.EmptyMessage()
	}

	var lastErr error
	for range maxConflictRetries {
		adm, err := s.guard.AdmitMessage(ctx, owner, id)
		if err != nil {
			s.reject(owner, id, err)
			return nil, err
		}

		conv := adm.Conversation
		conv.AppendMessage(domain.NewMessage(domain.RoleUser, content, adm.Usage.LastRequest))
		err = s.store.PutWithUsage(ctx, conv, adm.Usage)
		adm.Release()

		if err == nil {
			return conv, nil
		}
		if !errors.Is(err, domain.ErrVersionConflict) {
			log.Error().Err(err).Str("owner", owner).Str("conversation_id", id).Msg("failed to persist user message")
			return nil, domain.PersistenceError(fmt.Errorf("failed to save user message: %w", err))
		}
		lastErr = err
		log.Debug().Str("owner", owner).Str("conversation_id", id).Msg("user message lost a write race, re-admitting")
	}
	return nil, domain.Conflict(lastErr)
}

// relay forwards fragments to sink as they arrive and returns the assembled reply
func (s *MessageService) relay(ctx context.Context, backend llm.Backend, req llm.Request, sink EventSink) (string, error) {
	streamCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	var idle *time.Timer
	if s.timeout > 0 {
		idle = time.AfterFunc(s.timeout, func() { cancel(errIdleTimeout) })
		defer idle.Stop()
	}

	var reply strings.Builder
	for chunk, err := range backend.StreamResponse(streamCtx, req) {
		if err != nil {
			if errors.Is(context.Cause(streamCtx), errIdleTimeout) {
				return "", domain.UpstreamError(errIdleTimeout, true)
			}
			return "", err
		}
		if idle != nil {
			idle.Reset(s.timeout)
		}
		if err := sink.Message(chunk); err != nil {
			return "", fmt.Errorf("%w: %w", errClientGone, err)
		}
		reply.WriteString(chunk)
		s.metrics.RecordChunk(backend.Name())
	}

	if err := ctx.Err(); err != nil {
		return "", err
	}
	if errors.Is(context.Cause(streamCtx), errIdleTimeout) {
		return "", domain.UpstreamError(errIdleTimeout, true)
	}
	return reply.String(), nil
}

// appendAssistant stores the reply, reloading and re-appending when a concurrent write won
func (s *MessageService) appendAssistant(ctx context.Context, conv *domain.Conversation, reply string) (*domain.Conversation, error) {
	msg := domain.NewMessage(domain.RoleAssistant, reply, s.guard.Now())

	var lastErr error
	for range maxConflictRetries {
		conv.AppendMessage(msg)
		err := s.store.Put(ctx, conv)
		if err == nil {
			return conv, nil
		}
		if !errors.Is(err, domain.ErrVersionConflict) {
			return nil, domain.PersistenceError(fmt.Errorf("failed to save reply: %w", err))
		}
		lastErr = err

		fresh, err := load(ctx, s.store, conv.Owner, conv.ID)
		if err != nil {
			return nil, err
		}
		if fresh.Deleted {
			return nil, domain.ConversationDeleted()
		}
		conv = fresh
	}
	return nil, domain.Conflict(lastErr)
}

func (s *MessageService) newRequest(conv *domain.Conversation, content string) llm.Request {
	return llm.Request{
		Conversation:  conv,
		Content:       content,
		Model:         conv.Model,
		SystemPrompt:  conv.SystemPrompt,
		Temperature:   conv.Temperature,
		Timeout:       s.timeout,
		HistoryWindow: s.historyWindow,
	}
}

func (s *MessageService) fail(sink EventSink, err error) error {
	if emitErr := sink.Error(err); emitErr != nil {
		return fmt.Errorf("failed to emit error event: %w", emitErr)
	}
	return err
}

func (s *MessageService) reject(owner, id string, err error) {
	derr := domain.ToError(err)
	s.metrics.RecordDenied(string(derr.Code))
	log.Warn().
		Str("owner", owner).
		Str("conversation_id", id).
		Str("reason", string(derr.Code)).
		Msg("message rejected")
}

func (s *MessageService) record(conv *domain.Conversation, outcome string, start time.Time) {
	service := "unknown"
	if conv != nil {
		service = conv.Service
	}
	s.metrics.RecordSession(service, outcome, time.Since(start))
}
