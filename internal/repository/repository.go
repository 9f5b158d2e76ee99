// Package repository selects and decorates the conversation store configured for this process
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Rrens/llm-chat-relay/internal/config"
	"github.com/Rrens/llm-chat-relay/internal/domain"
	"github.com/Rrens/llm-chat-relay/internal/metrics"
	"github.com/Rrens/llm-chat-relay/internal/repository/memory"
	"github.com/Rrens/llm-chat-relay/internal/repository/mongo"
	"github.com/Rrens/llm-chat-relay/internal/repository/postgres"
	"github.com/Rrens/llm-chat-relay/internal/repository/redis"
	"github.com/Rrens/llm-chat-relay/internal/repository/sqlstore"
)

// Open connects the store named by cfg.Store.Driver
func Open(ctx context.Context, cfg *config.Config) (domain.ConversationStore, error) {
	driver := cfg.Store.Driver
	log.Info().Str("driver", driver).Msg("opening conversation store")

	switch driver {
	case "memory", "":
		return memory.NewStore(), nil

	case "redis":
		client, err := redis.NewClient(cfg.Redis)
		if err != nil {
			return nil, err
		}
		return redis.NewConversationStore(client), nil

	case "postgres":
		db, err := postgres.NewDB(ctx, cfg.Database)
		if err != nil {
			return nil, err
		}
		return postgres.NewConversationStore(db), nil

	case "mongo":
		return mongo.Connect(ctx, cfg.Mongo)

	case "sqlite":
		return sqlstore.OpenSQLite(ctx, cfg.SQLite.Path)

	case "mysql":
		return sqlstore.OpenMySQL(ctx, cfg.MySQL)

	default:
		return nil, fmt.Errorf("unknown store driver: %s", driver)
	}
}

// InstrumentedStore records the latency and outcome of every store call
type InstrumentedStore struct {
	next    domain.ConversationStore
	metrics *metrics.Metrics
}

// Instrument wraps store so each operation is observed by m
func Instrument(store domain.ConversationStore, m *metrics.Metrics) *InstrumentedStore {
	return &InstrumentedStore{next: store, metrics: m}
}

// observe counts lookups of missing records as successful calls
func (s *InstrumentedStore) observe(op string, start time.Time, err error) {
	if errors.Is(err, domain.ErrNotFound) {
		err = nil
	}
	s.metrics.RecordStoreOperation(op, time.Since(start), err)
}

func (s *InstrumentedStore) Get(ctx context.Context, owner, id string) (conv *domain.Conversation, err error) {
	defer func(start time.Time) { s.observe("get", start, err) }(time.Now())
	return s.next.Get(ctx, owner, id)
}

func (s *InstrumentedStore) Put(ctx context.Context, conv *domain.Conversation) (err error) {
	defer func(start time.Time) { s.observe("put", start, err) }(time.Now())
	return s.next.Put(ctx, conv)
}

func (s *InstrumentedStore) PutWithUsage(ctx context.Context, conv *domain.Conversation, usage domain.Usage) (err error) {
	defer func(start time.Time) { s.observe("put_with_usage", start, err) }(time.Now())
	return s.next.PutWithUsage(ctx, conv, usage)
}

func (s *InstrumentedStore) ListByOwner(ctx context.Context, owner string, includeDeleted bool) (list []domain.ConversationSummary, err error) {
	defer func(start time.Time) { s.observe("list", start, err) }(time.Now())
	return s.next.ListByOwner(ctx, owner, includeDeleted)
}

func (s *InstrumentedStore) CountByOwner(ctx context.Context, owner string) (n int, err error) {
	defer func(start time.Time) { s.observe("count", start, err) }(time.Now())
	return s.next.CountByOwner(ctx, owner)
}

func (s *InstrumentedStore) LastRequestTime(ctx context.Context, owner string) (t time.Time, err error) {
	defer func(start time.Time) { s.observe("last_request_time", start, err) }(time.Now())
	return s.next.LastRequestTime(ctx, owner)
}

func (s *InstrumentedStore) Ping(ctx context.Context) error {
	return s.next.Ping(ctx)
}

func (s *InstrumentedStore) Close() error {
	return s.next.Close()
}
