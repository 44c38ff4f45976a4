package postgres

import (
	"context"
	"os"
	"testing"

	"segchat/internal/core/domain"
	"segchat/internal/core/ports"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// newTestStore connects to POSTGRES_DSN and drops the tables around the test.
func newTestStore(t *testing.T) ports.ChatStore {
	t.Helper()
	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_DSN not set")
	}

	reset := func() {
		db, err := sqlx.Connect("postgres", dsn)
		require.NoError(t, err)
		defer db.Close()
		_, err = db.Exec(`DROP TABLE IF EXISTS messages, users, channels`)
		require.NoError(t, err)
	}
	reset()
	t.Cleanup(reset)

	store, err := NewPostgresChatStore(context.Background(), dsn, 4, zap.NewNop().Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestPostgresChatStore_SeedsDefaultChannel(t *testing.T) {
	store := newTestStore(t)

	channels, err := store.GetChannels(context.Background())
	require.NoError(t, err)
	require.Len(t, channels, 1)
	assert.Equal(t, domain.DefaultChannel, channels[0].Name)
}

func TestPostgresChatStore_Messages(t *testing.T) {
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
	assert.Equal(t, "one", msgs[1].Body)

	require.NoError(t, store.MarkDeleted(ctx, "general", first.ID))
	msgs, _ = store.GetMessages(ctx, "general")
	assert.True(t, msgs[1].Deleted)
	assert.ErrorIs(t, store.MarkDeleted(ctx, "general", "missing"), domain.ErrMessageNotFound)

	_, err = store.SaveMessage(ctx, domain.NewMessage("nowhere", "alice", "hi"))
	assert.ErrorIs(t, err, domain.ErrChannelNotFound)
}

func TestPostgresChatStore_ChannelsAndUsers(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.CreateChannel(ctx, &domain.Channel{Name: "random", Creator: "alice"}))
	assert.ErrorIs(t, store.CreateChannel(ctx, &domain.Channel{Name: "random", Creator: "bob"}), domain.ErrChannelExists)

	channels, err := store.GetChannels(ctx)
	require.NoError(t, err)
	require.Len(t, channels, 2)
	assert.Equal(t, "random", channels[1].Name)

	cred := &domain.Credential{Username: "alice", PasswordHash: []byte("hash")}
	require.NoError(t, store.RegisterUser(ctx, cred))
	assert.ErrorIs(t, store.RegisterUser(ctx, cred), domain.ErrUserExists)

	got, err := store.GetCredential(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []byte("hash"), got.PasswordHash)

	_, err = store.GetCredential(ctx, "bob")
	assert.ErrorIs(t, err, domain.ErrUserNotFound)
}
