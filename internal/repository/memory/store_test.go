package memory_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rrens/llm-chat-relay/internal/domain"
	"github.com/Rrens/llm-chat-relay/internal/repository/memory"
	"github.com/Rrens/llm-chat-relay/internal/repository/storetest"
)

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) domain.ConversationStore {
		return memory.NewStore()
	})
}

func TestStore_GetReturnsCopy(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()
	conv := storetest.NewConversation("u1")
	require.NoError(t, store.Put(ctx, conv))

	got, err := store.Get(ctx, "u1", conv.ID)
	require.NoError(t, err)
	got.Title = "mutated"

	again, err := store.Get(ctx, "u1", conv.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DefaultTitle, again.Title)
}
