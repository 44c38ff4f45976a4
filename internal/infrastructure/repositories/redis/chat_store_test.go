package redis

import (
	"context"
	"os"
	"testing"

	"segchat/internal/core/domain"
	"segchat/internal/core/ports"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// newTestStore connects to REDIS_ADDR, using database 15 which is flushed
// before and after the test.
func newTestStore(t *testing.T) ports.ChatStore {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}

	flush := redis.NewClient(&redis.Options{Addr: addr, DB: 15})
	require.NoError(t, flush.FlushDB(context.Background()).Err())
	t.Cleanup(func() {
		flush.FlushDB(context.Background())
		flush.Close()
	})

	client, err := NewRedisClient(addr, "", 15, 4, zap.NewNop().Sugar())
	require.NoError(t, err)
	store := NewRedisChatStore(client)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestRedisChatStore_MigrationSeedsDefaultChannel(t *testing.T) {
	store := newTestStore(t)

	channels, err := store.GetChannels(context.Background())
	require.NoError(t, err)
	require.Len(t, channels, 1)
	assert.Equal(t, domain.DefaultChannel, channels[0].Name)
}

func TestRedisChatStore_MessagesKeepArrivalOrder(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

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
	assert.Equal(t, first.ID, msgs[1].ID)
}

func TestRedisChatStore_SaveToUnknownChannel(t *testing.T) {
	store := newTestStore(t)
	_, err := store.SaveMessage(context.Background(), domain.NewMessage("nowhere", "alice", "hi"))
	assert.ErrorIs(t, err, domain.ErrChannelNotFound)
}

func TestRedisChatStore_MarkDeleted(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	msg := domain.NewMessage("general", "alice", "oops")
	_, err := store.SaveMessage(ctx, msg)
	require.NoError(t, err)

	require.NoError(t, store.MarkDeleted(ctx, "general", msg.ID))
	msgs, err := store.GetMessages(ctx, "general")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].Deleted)
	assert.Equal(t, "oops", msgs[0].Body)

	assert.ErrorIs(t, store.MarkDeleted(ctx, "general", "missing"), domain.ErrMessageNotFound)
}

func TestRedisChatStore_ChannelsAndUsers(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.CreateChannel(ctx, &domain.Channel{Name: "random", Creator: "alice"}))
	assert.ErrorIs(t, store.CreateChannel(ctx, &domain.Channel{Name: "random", Creator: "bob"}), domain.ErrChannelExists)

	channels, err := store.GetChannels(ctx)
	require.NoError(t, err)
	require.Len(t, channels, 2)
	assert.Equal(t, "alice", channels[1].Creator)

	cred := &domain.Credential{Username: "alice", PasswordHash: []byte("hash")}
	require.NoError(t, store.RegisterUser(ctx, cred))
	assert.ErrorIs(t, store.RegisterUser(ctx, cred), domain.ErrUserExists)

	got, err := store.GetCredential(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []byte("hash"), got.PasswordHash)

	_, err = store.GetCredential(ctx, "bob")
	assert.ErrorIs(t, err, domain.ErrUserNotFound)
}
