package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Rrens/llm-chat-relay/internal/domain"
)

const (
	conversationKeyPrefix = "conversation:"
	ownerIndexPrefix      = "conversations:"
	usageKeyPrefix        = "usage:"
)

// ConversationStore implements domain.ConversationStore on Redis with WATCH/MULTI/EXEC optimistic locking
type ConversationStore struct {
	client *Client
}

// NewConversationStore creates a Redis-backed conversation store
func NewConversationStore(client *Client) *ConversationStore {
	return &ConversationStore{client: client}
}

func (s *ConversationStore) Get(ctx context.Context, owner, id string) (*domain.Conversation, error) {
	data, err := s.client.rdb.Get(ctx, conversationKey(owner, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}

	var conv domain.Conversation
	if err := json.Unmarshal(data, &conv); err != nil {
		return nil, fmt.Errorf("failed to unmarshal conversation: %w", err)
	}
	return &conv, nil
}

func (s *ConversationStore) Put(ctx context.Context, conv *domain.Conversation) error {
	key := conversationKey(conv.Owner, conv.ID)

	err := s.client.rdb.Watch(ctx, func(tx *redis.Tx) error {
		if err := checkVersion(ctx, tx, key, conv.Version); err != nil {
			return err
		}

		next := conv.Clone()
		next.Version++
		data, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("failed to marshal conversation: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.SAdd(ctx, ownerIndexKey(conv.Owner), conv.ID)
			return nil
		})
		return err
	}, key)
	if err != nil {
		return mapTxError(err, "put conversation")
	}

	conv.Version++
	return nil
}

func (s *ConversationStore) PutWithUsage(ctx context.Context, conv *domain.Conversation, usage domain.Usage) error {
	key := conversationKey(conv.Owner, conv.ID)
	uKey := usageKey(usage.Owner)

	err := s.client.rdb.Watch(ctx, func(tx *redis.Tx) error {
		stored, err := tx.Get(ctx, uKey).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("failed to read usage: %w", err)
		}
		if stored != domain.UnixSeconds(usage.Previous) {
			return domain.ErrVersionConflict
		}
		if err := checkVersion(ctx, tx, key, conv.Version); err != nil {
			return err
		}

		next := conv.Clone()
		next.Version++
		data, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("failed to marshal conversation: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.SAdd(ctx, ownerIndexKey(conv.Owner), conv.ID)
			pipe.Set(ctx, uKey, domain.UnixSeconds(usage.LastRequest), 0)
			return nil
		})
		return err
	}, key, uKey)
	if err != nil {
		return mapTxError(err, "put conversation with usage")
	}

	conv.Version++
	return nil
}

func (s *ConversationStore) ListByOwner(ctx context.Context, owner string, includeDeleted bool) ([]domain.ConversationSummary, error) {
	ids, err := s.client.rdb.SMembers(ctx, ownerIndexKey(owner)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list conversation ids: %w", err)
	}
	if len(ids) == 0 {
		return []domain.ConversationSummary{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = conversationKey(owner, id)
	}

	values, err := s.client.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load conversations: %w", err)
	}

	summaries := make([]domain.ConversationSummary, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var conv domain.Conversation
		if err := json.Unmarshal([]byte(raw), &conv); err != nil {
			return nil, fmt.Errorf("failed to unmarshal conversation: %w", err)
		}
		if conv.Deleted && !includeDeleted {
			continue
		}
		summaries = append(summaries, conv.Summary())
	}
	return summaries, nil
}

func (s *ConversationStore) CountByOwner(ctx context.Context, owner string) (int, error) {
	n, err := s.client.rdb.SCard(ctx, ownerIndexKey(owner)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count conversations: %w", err)
	}
	return int(n), nil
}

func (s *ConversationStore) LastRequestTime(ctx context.Context, owner string) (time.Time, error) {
	sec, err := s.client.rdb.Get(ctx, usageKey(owner)).Int64()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to get last request time: %w", err)
	}
	return domain.FromUnixSeconds(sec), nil
}

func (s *ConversationStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx)
}

func (s *ConversationStore) Close() error {
	return s.client.Close()
}

// checkVersion compares the watched record with the version the writer started from
func checkVersion(ctx context.Context, tx *redis.Tx, key string, version int64) error {
	data, err := tx.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		if version == 0 {
			return nil
		}
		return domain.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read conversation: %w", err)
	}
	if version == 0 {
		return domain.ErrVersionConflict
	}

	var stored struct {
		Version int64 `json:"version"`
	}
	if err := json.Unmarshal(data, &stored); err != nil {
		return fmt.Errorf("failed to unmarshal conversation: %w", err)
	}
	if stored.Version != version {
		return domain.ErrVersionConflict
	}
	return nil
}

func mapTxError(err error, op string) error {
	switch {
	case errors.Is(err, redis.TxFailedErr):
		return domain.ErrVersionConflict
	case errors.Is(err, domain.ErrVersionConflict), errors.Is(err, domain.ErrNotFound):
		return err
	default:
		return fmt.Errorf("failed to %s: %w", op, err)
	}
}

func conversationKey(owner, id string) string {
	return conversationKeyPrefix + owner + ":" + id
}

func ownerIndexKey(owner string) string {
	return ownerIndexPrefix + owner
}

func usageKey(owner string) string {
	return usageKeyPrefix + owner
}
