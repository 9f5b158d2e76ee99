package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/Rrens/llm-chat-relay/internal/domain"
)

// querier is satisfied by both the pool and a transaction
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// ConversationStore implements domain.ConversationStore on PostgreSQL.
// Conversations are stored as JSONB with a version column used for compare-and-swap.
type ConversationStore struct {
	db *DB
}

// NewConversationStore creates a new conversation store
func NewConversationStore(db *DB) *ConversationStore {
	return &ConversationStore{db: db}
}

func (s *ConversationStore) Get(ctx context.Context, owner, id string) (*domain.Conversation, error) {
	query := `
		SELECT data
		FROM conversations
		WHERE owner = $1 AND id = $2
	`

	var data []byte
	err := s.db.Pool.QueryRow(ctx, query, owner, id).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}

	var conv domain.Conversation
	if err := json.Unmarshal(data, &conv); err != nil {
		return nil, fmt.Errorf("failed to unmarshal conversation: %w", err)
	}
	return &conv, nil
}

func (s *ConversationStore) Put(ctx context.Context, conv *domain.Conversation) error {
	if err := writeConversation(ctx, s.db.Pool, conv); err != nil {
		return err
	}
	conv.Version++
	return nil
}

func (s *ConversationStore) PutWithUsage(ctx context.Context, conv *domain.Conversation, usage domain.Usage) error {
	tx, err := s.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := writeUsage(ctx, tx, usage); err != nil {
		return err
	}
	if err := writeConversation(ctx, tx, conv); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	conv.Version++
	return nil
}

func (s *ConversationStore) ListByOwner(ctx context.Context, owner string, includeDeleted bool) ([]domain.ConversationSummary, error) {
	query := `
		SELECT data
		FROM conversations
		WHERE owner = $1 AND ($2 OR NOT deleted)
		ORDER BY updated_at DESC
	`

	rows, err := s.db.Pool.Query(ctx, query, owner, includeDeleted)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	summaries := []domain.ConversationSummary{}
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		var conv domain.Conversation
		if err := json.Unmarshal(data, &conv); err != nil {
			return nil, fmt.Errorf("failed to unmarshal conversation: %w", err)
		}
		summaries = append(summaries, conv.Summary())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate conversations: %w", err)
	}

	return summaries, nil
}

func (s *ConversationStore) CountByOwner(ctx context.Context, owner string) (int, error) {
	var count int
	err := s.db.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM conversations WHERE owner = $1`, owner).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count conversations: %w", err)
	}
	return count, nil
}

func (s *ConversationStore) LastRequestTime(ctx context.Context, owner string) (time.Time, error) {
	var sec int64
	err := s.db.Pool.QueryRow(ctx, `SELECT last_request_at FROM usage WHERE owner = $1`, owner).Scan(&sec)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return time.Time{}, nil
		}
		return time.Time{}, fmt.Errorf("failed to get last request time: %w", err)
	}
	return domain.FromUnixSeconds(sec), nil
}

func (s *ConversationStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

func (s *ConversationStore) Close() error {
	s.db.Close()
	return nil
}

func writeConversation(ctx context.Context, q querier, conv *domain.Conversation) error {
	next := conv.Clone()
	next.Version++
	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("failed to marshal conversation: %w", err)
	}

	if conv.Version == 0 {
		query := `
			INSERT INTO conversations (owner, id, version, deleted, updated_at, data)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (owner, id) DO NOTHING
		`
		tag, err := q.Exec(ctx, query, next.Owner, next.ID, next.Version, next.Deleted, next.Updated, data)
		if err != nil {
			return fmt.Errorf("failed to insert conversation: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return domain.ErrVersionConflict
		}
		return nil
	}

	query := `
		UPDATE conversations
		SET version = $3, deleted = $4, updated_at = $5, data = $6
		WHERE owner = $1 AND id = $2 AND version = $7
	`
	tag, err := q.Exec(ctx, query, next.Owner, next.ID, next.Version, next.Deleted, next.Updated, data, conv.Version)
	if err != nil {
		return fmt.Errorf("failed to update conversation: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	err = q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM conversations WHERE owner = $1 AND id = $2)`, conv.Owner, conv.ID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check conversation: %w", err)
	}
	if !exists {
		return domain.ErrNotFound
	}
	return domain.ErrVersionConflict
}

func writeUsage(ctx context.Context, q querier, usage domain.Usage) error {
	previous := domain.UnixSeconds(usage.Previous)
	next := domain.UnixSeconds(usage.LastRequest)

	var (
		tag pgconn.CommandTag
		err error
	)
	if previous == 0 {
		tag, err = q.Exec(ctx, `
			INSERT INTO usage (owner, last_request_at)
			VALUES ($1, $2)
			ON CONFLICT (owner) DO UPDATE SET last_request_at = EXCLUDED.last_request_at
			WHERE usage.last_request_at = 0
		`, usage.Owner, next)
	} else {
		tag, err = q.Exec(ctx, `
			UPDATE usage SET last_request_at = $2
			WHERE owner = $1 AND last_request_at = $3
		`, usage.Owner, next, previous)
	}
	if err != nil {
		return fmt.Errorf("failed to update usage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrVersionConflict
	}
	return nil
}
