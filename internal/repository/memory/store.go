package memory

import (
	"context"
	"sync"
	"time"

	"github.com/Rrens/llm-chat-relay/internal/domain"
)

// Store implements domain.ConversationStore using in-memory maps with optimistic locking
type Store struct {
	mu            sync.RWMutex
	conversations map[string]map[string]*domain.Conversation
	lastRequest   map[string]time.Time
}

// NewStore creates an empty in-memory store
func NewStore() *Store {
	return &Store{
		conversations: make(map[string]map[string]*domain.Conversation),
		lastRequest:   make(map[string]time.Time),
	}
}

// Get returns a copy of the stored conversation
func (s *Store) Get(ctx context.Context, owner, id string) (*domain.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.conversations[owner][id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return conv.Clone(), nil
}

// Put inserts or replaces a conversation after checking its version
func (s *Store) Put(ctx context.Context, conv *domain.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.put(conv)
}

// PutWithUsage applies the usage CAS and the conversation write under one lock
func (s *Store) PutWithUsage(ctx context.Context, conv *domain.Conversation, usage domain.Usage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if domain.UnixSeconds(s.lastRequest[usage.Owner]) != domain.UnixSeconds(usage.Previous) {
		return domain.ErrVersionConflict
	}
	if err := s.checkVersion(conv); err != nil {
		return err
	}
	if err := s.put(conv); err != nil {
		return err
	}
	s.lastRequest[usage.Owner] = usage.LastRequest
	return nil
}

func (s *Store) checkVersion(conv *domain.Conversation) error {
	stored, exists := s.conversations[conv.Owner][conv.ID]
	if conv.Version == 0 {
		if exists {
			return domain.ErrVersionConflict
		}
		return nil
	}
	if !exists {
		return domain.ErrNotFound
	}
	if stored.Version != conv.Version {
		return domain.ErrVersionConflict
	}
	return nil
}

func (s *Store) put(conv *domain.Conversation) error {
	if err := s.checkVersion(conv); err != nil {
		return err
	}

	owned, ok := s.conversations[conv.Owner]
	if !ok {
		owned = make(map[string]*domain.Conversation)
		s.conversations[conv.Owner] = owned
	}

	conv.Version++
	owned[conv.ID] = conv.Clone()
	return nil
}

// ListByOwner returns summaries in no particular order
func (s *Store) ListByOwner(ctx context.Context, owner string, includeDeleted bool) ([]domain.ConversationSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	summaries := make([]domain.ConversationSummary, 0, len(s.conversations[owner]))
	for _, conv := range s.conversations[owner] {
		if conv.Deleted && !includeDeleted {
			continue
		}
		summaries = append(summaries, conv.Summary())
	}
	return summaries, nil
}

func (s *Store) CountByOwner(ctx context.Context, owner string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.conversations[owner]), nil
}

func (s *Store) LastRequestTime(ctx context.Context, owner string) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.lastRequest[owner], nil
}

func (s *Store) Ping(ctx context.Context) error {
	return nil
}

func (s *Store) Close() error {
	return nil
}
