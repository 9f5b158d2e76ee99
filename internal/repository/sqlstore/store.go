// Package sqlstore implements domain.ConversationStore on database/sql engines (SQLite and MySQL)
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Rrens/llm-chat-relay/internal/domain"
)

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store keeps conversations as JSON documents next to a version column
type Store struct {
	db      *sql.DB
	dialect Dialect
}

func (s *Store) Get(ctx context.Context, owner, id string) (*domain.Conversation, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM conversations WHERE owner = ? AND id = ?`, owner, id).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}

	var conv domain.Conversation
	if err := json.Unmarshal([]byte(data), &conv); err != nil {
		return nil, fmt.Errorf("failed to unmarshal conversation: %w", err)
	}
	return &conv, nil
}

func (s *Store) Put(ctx context.Context, conv *domain.Conversation) error {
	if err := s.writeConversation(ctx, s.db, conv); err != nil {
		return err
	}
	conv.Version++
	return nil
}

func (s *Store) PutWithUsage(ctx context.Context, conv *domain.Conversation, usage domain.Usage) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.writeUsage(ctx, tx, usage); err != nil {
		return err
	}
	if err := s.writeConversation(ctx, tx, conv); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	conv.Version++
	return nil
}

func (s *Store) ListByOwner(ctx context.Context, owner string, includeDeleted bool) ([]domain.ConversationSummary, error) {
	query := `SELECT data FROM conversations WHERE owner = ? ORDER BY updated_at DESC`
	if !includeDeleted {
		query = `SELECT data FROM conversations WHERE owner = ? AND deleted = FALSE ORDER BY updated_at DESC`
	}

	rows, err := s.db.QueryContext(ctx, query, owner)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	summaries := []domain.ConversationSummary{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		var conv domain.Conversation
		if err := json.Unmarshal([]byte(data), &conv); err != nil {
			return nil, fmt.Errorf("failed to unmarshal conversation: %w", err)
		}
		summaries = append(summaries, conv.Summary())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate conversations: %w", err)
	}

	return summaries, nil
}

func (s *Store) CountByOwner(ctx context.Context, owner string) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversations WHERE owner = ?`, owner).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count conversations: %w", err)
	}
	return count, nil
}

func (s *Store) LastRequestTime(ctx context.Context, owner string) (time.Time, error) {
	var sec int64
	err := s.db.QueryRowContext(ctx, `SELECT last_request_at FROM owner_usage WHERE owner = ?`, owner).Scan(&sec)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return time.Time{}, nil
		}
		return time.Time{}, fmt.Errorf("failed to get last request time: %w", err)
	}
	return domain.FromUnixSeconds(sec), nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) writeConversation(ctx context.Context, q querier, conv *domain.Conversation) error {
	next := conv.Clone()
	next.Version++
	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("failed to marshal conversation: %w", err)
	}

	if conv.Version == 0 {
		res, err := q.ExecContext(ctx,
			s.dialect.InsertIgnore+` conversations (owner, id, version, deleted, updated_at, data) VALUES (?, ?, ?, ?, ?, ?)`,
			next.Owner, next.ID, next.Version, next.Deleted, next.Updated.UnixNano(), string(data))
		if err != nil {
			return fmt.Errorf("failed to insert conversation: %w", err)
		}
		if affected(res) == 0 {
			return domain.ErrVersionConflict
		}
		return nil
	}

	res, err := q.ExecContext(ctx,
		`UPDATE conversations SET version = ?, deleted = ?, updated_at = ?, data = ? WHERE owner = ? AND id = ? AND version = ?`,
		next.Version, next.Deleted, next.Updated.UnixNano(), string(data), next.Owner, next.ID, conv.Version)
	if err != nil {
		return fmt.Errorf("failed to update conversation: %w", err)
	}
	if affected(res) == 1 {
		return nil
	}

	var n int
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversations WHERE owner = ? AND id = ?`, conv.Owner, conv.ID).Scan(&n); err != nil {
		return fmt.Errorf("failed to check conversation: %w", err)
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return domain.ErrVersionConflict
}

func (s *Store) writeUsage(ctx context.Context, q querier, usage domain.Usage) error {
	previous := domain.UnixSeconds(usage.Previous)
	next := domain.UnixSeconds(usage.LastRequest)

	if previous == 0 {
		res, err := q.ExecContext(ctx,
			s.dialect.InsertIgnore+` owner_usage (owner, last_request_at) VALUES (?, ?)`, usage.Owner, next)
		if err != nil {
			return fmt.Errorf("failed to insert usage: %w", err)
		}
		if affected(res) == 1 {
			return nil
		}
	}

	res, err := q.ExecContext(ctx,
		`UPDATE owner_usage SET last_request_at = ? WHERE owner = ? AND last_request_at = ?`, next, usage.Owner, previous)
	if err != nil {
		return fmt.Errorf("failed to update usage: %w", err)
	}
	if affected(res) == 0 {
		return domain.ErrVersionConflict
	}
	return nil
}

func affected(res sql.Result) int64 {
	n, err := res.RowsAffected()
	if err != nil {
		return 0
	}
	return n
}
