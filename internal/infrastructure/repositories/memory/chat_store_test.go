package memory

import (
	"context"
	"testing"

	"segchat/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryChatStore_SeedsDefaultChannel(t *testing.T) {
	store := NewMemoryChatStore()

	channels, err := store.GetChannels(context.Background())
	require.NoError(t, err)
	require.Len(t, channels, 1)
	assert.Equal(t, domain.DefaultChannel, channels[0].Name)
}

func TestMemoryChatStore_MessagesKeepArrivalOrder(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryChatStore()

	first := domain.NewMessage("general", "alice", "one")
	second := domain.NewMessage("general", "bob", "two")
	created, err := store.SaveMessage(ctx, second)
	require.NoError(t, err)
	assert.True(t, created)
	created, err = store.SaveMessage(ctx, first)
	require.NoError(t, err)
	assert.True(t, created)
	created, err = store.SaveMessage(ctx, second)
	require.NoError(t, err)
	assert.False(t, created)

	msgs, err := store.GetMessages(ctx, "general")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "two", msgs[0].Body)
	assert.Equal(t, "one", msgs[1].Body)
}

func TestMemoryChatStore_SaveToUnknownChannel(t *testing.T) {
	store := NewMemoryChatStore()
	_, err := store.SaveMessage(context.Background(), domain.NewMessage("nowhere", "alice", "hi"))
	assert.ErrorIs(t, err, domain.ErrChannelNotFound)
}

func TestMemoryChatStore_ReturnedMessagesAreCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryChatStore()
	_, err := store.SaveMessage(ctx, domain.NewMessage("general", "alice", "original"))
	require.NoError(t, err)

	msgs, _ := store.GetMessages(ctx, "general")
	msgs[0].Body = "mutated"

	again, _ := store.GetMessages(ctx, "general")
	assert.Equal(t, "original", again[0].Body)
}

func TestMemoryChatStore_MarkDeleted(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryChatStore()
	msg := domain.NewMessage("general", "alice", "oops")
	_, err := store.SaveMessage(ctx, msg)
	require.NoError(t, err)

	require.NoError(t, store.MarkDeleted(ctx, "general", msg.ID))
	msgs, _ := store.GetMessages(ctx, "general")
	assert.True(t, msgs[0].Deleted)

	assert.ErrorIs(t, store.MarkDeleted(ctx, "general", "missing"), domain.ErrMessageNotFound)
}

func TestMemoryChatStore_Channels(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryChatStore()

	require.NoError(t, store.CreateChannel(ctx, &domain.Channel{Name: "random", Creator: "alice"}))
	assert.ErrorIs(t, store.CreateChannel(ctx, &domain.Channel{Name: "random", Creator: "bob"}), domain.ErrChannelExists)

	channels, err := store.GetChannels(ctx)
	require.NoError(t, err)
	require.Len(t, channels, 2)
	assert.Equal(t, "random", channels[1].Name)
	assert.Equal(t, "alice", channels[1].Creator)
}

func TestMemoryChatStore_Users(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryChatStore()

	cred := &domain.Credential{Username: "alice", PasswordHash: []byte("hash")}
	require.NoError(t, store.RegisterUser(ctx, cred))
	assert.ErrorIs(t, store.RegisterUser(ctx, cred), domain.ErrUserExists)

	got, err := store.GetCredential(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []byte("hash"), got.PasswordHash)

	_, err = store.GetCredential(ctx, "bob")
	assert.ErrorIs(t, err, domain.ErrUserNotFound)
}
