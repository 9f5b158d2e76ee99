// Package storetest holds the behaviour every domain.ConversationStore driver must share
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rrens/llm-chat-relay/internal/domain"
)

// NewConversation builds an unsaved conversation for owner
func NewConversation(owner string) *domain.Conversation {
	now := time.Now().Truncate(time.Second)
	return &domain.Conversation{
		ID:          uuid.NewString(),
		Owner:       owner,
		Title:       domain.DefaultTitle,
		Created:     now,
		Updated:     now,
		Service:     "echo",
		Model:       "test_model",
		Temperature: domain.DefaultTemperature,
		Messages:    []domain.Message{},
	}
}

// Run exercises a fresh store returned by newStore
func Run(t *testing.T, newStore func(t *testing.T) domain.ConversationStore) {
	t.Run("get missing", func(t *testing.T) {
		store := newStore(t)
		_, err := store.Get(context.Background(), "owner-"+uuid.NewString(), uuid.NewString())
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("insert and get", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		conv := NewConversation("owner-" + uuid.NewString())
		conv.SystemPrompt = "be brief"

		require.NoError(t, store.Put(ctx, conv))
		assert.Equal(t, int64(1), conv.Version)

		got, err := store.Get(ctx, conv.Owner, conv.ID)
		require.NoError(t, err)
		assert.Equal(t, conv.ID, got.ID)
		assert.Equal(t, "be brief", got.SystemPrompt)
		assert.Equal(t, int64(1), got.Version)
		assert.Empty(t, got.Messages)
	})

	t.Run("insert twice conflicts", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		conv := NewConversation("owner-" + uuid.NewString())
		require.NoError(t, store.Put(ctx, conv))

		dup := conv.Clone()
		dup.Version = 0
		assert.ErrorIs(t, store.Put(ctx, dup), domain.ErrVersionConflict)
	})

	t.Run("owner scoping", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		conv := NewConversation("owner-" + uuid.NewString())
		require.NoError(t, store.Put(ctx, conv))

		_, err := store.Get(ctx, "someone-else", conv.ID)
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("optimistic update", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		conv := NewConversation("owner-" + uuid.NewString())
		require.NoError(t, store.Put(ctx, conv))

		first, err := store.Get(ctx, conv.Owner, conv.ID)
		require.NoError(t, err)
		second, err := store.Get(ctx, conv.Owner, conv.ID)
		require.NoError(t, err)

		first.AppendMessage(domain.NewMessage(domain.RoleUser, "hello", time.Now()))
		require.NoError(t, store.Put(ctx, first))
		assert.Equal(t, int64(2), first.Version)

		second.AppendMessage(domain.NewMessage(domain.RoleUser, "stale", time.Now()))
		assert.ErrorIs(t, store.Put(ctx, second), domain.ErrVersionConflict)

		got, err := store.Get(ctx, conv.Owner, conv.ID)
		require.NoError(t, err)
		require.Len(t, got.Messages, 1)
		assert.Equal(t, "hello", got.Messages[0].Content)
		assert.Equal(t, "hello", got.Title)
	})

	t.Run("update missing", func(t *testing.T) {
		store := newStore(t)
		conv := NewConversation("owner-" + uuid.NewString())
		conv.Version = 3
		assert.ErrorIs(t, store.Put(context.Background(), conv), domain.ErrNotFound)
	})

	t.Run("list and count", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		owner := "owner-" + uuid.NewString()

		live := NewConversation(owner)
		require.NoError(t, store.Put(ctx, live))
		gone := NewConversation(owner)
		gone.Deleted = true
		require.NoError(t, store.Put(ctx, gone))
		require.NoError(t, store.Put(ctx, NewConversation("other-"+uuid.NewString())))

		visible, err := store.ListByOwner(ctx, owner, false)
		require.NoError(t, err)
		require.Len(t, visible, 1)
		assert.Equal(t, live.ID, visible[0].ID)

		all, err := store.ListByOwner(ctx, owner, true)
		require.NoError(t, err)
		assert.Len(t, all, 2)

		count, err := store.CountByOwner(ctx, owner)
		require.NoError(t, err)
		assert.Equal(t, 2, count, "tombstones count")
	})

	t.Run("put with usage", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		conv := NewConversation("owner-" + uuid.NewString())
		require.NoError(t, store.Put(ctx, conv))

		last, err := store.LastRequestTime(ctx, conv.Owner)
		require.NoError(t, err)
		assert.True(t, last.IsZero())

		stamp := time.Unix(1_700_000_000, 0)
		conv.AppendMessage(domain.NewMessage(domain.RoleUser, "hi", stamp))
		require.NoError(t, store.PutWithUsage(ctx, conv, domain.Usage{Owner: conv.Owner, LastRequest: stamp}))

		last, err = store.LastRequestTime(ctx, conv.Owner)
		require.NoError(t, err)
		assert.Equal(t, stamp.Unix(), last.Unix())

		// a writer that observed the old clock loses
		conv.AppendMessage(domain.NewMessage(domain.RoleUser, "again", stamp.Add(time.Second)))
		err = store.PutWithUsage(ctx, conv, domain.Usage{Owner: conv.Owner, LastRequest: stamp.Add(time.Second)})
		assert.ErrorIs(t, err, domain.ErrVersionConflict)

		got, err := store.Get(ctx, conv.Owner, conv.ID)
		require.NoError(t, err)
		assert.Len(t, got.Messages, 1)

		next := stamp.Add(10 * time.Second)
		require.NoError(t, store.PutWithUsage(ctx, conv, domain.Usage{Owner: conv.Owner, LastRequest: next, Previous: stamp}))
		last, err = store.LastRequestTime(ctx, conv.Owner)
		require.NoError(t, err)
		assert.Equal(t, next.Unix(), last.Unix())
	})

	t.Run("ping", func(t *testing.T) {
		assert.NoError(t, newStore(t).Ping(context.Background()))
	})
}
