package syncer

import (
	"context"
	"errors"
	"testing"

	"segchat/internal/core/domain"
	"segchat/internal/infrastructure/repositories/memory"
	apperrors "segchat/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type MockRemote struct {
	mock.Mock
}

func (m *MockRemote) Upload(ctx context.Context, channel string, msg *domain.Message) (*domain.Message, error) {
	args := m.Called(ctx, channel, msg)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Message), args.Error(1)
}

func (m *MockRemote) Download(ctx context.Context, channel string) ([]*domain.Message, error) {
	args := m.Called(ctx, channel)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Message), args.Error(1)
}

func newEngine(remote Remote, opts Options) *Engine {
	return NewEngine(remote, memory.NewMemoryLocalHistory(), opts, zap.NewNop().Sugar())
}

func ids(msgs []*domain.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func msg(id, channel string) *domain.Message {
	return &domain.Message{ID: id, Channel: channel, Sender: "alice", Body: id}
}

func TestEngine_EnqueueRequiresOffline(t *testing.T) {
	e := newEngine(&MockRemote{}, Options{})

	err := e.EnqueueOffline(context.Background(), "general", msg("m1", "general"))
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeState))
	assert.Empty(t, e.Pending())
}

func TestEngine_FlushInChannelOrder(t *testing.T) {
	ctx := context.Background()
	remote := &MockRemote{}
	e := newEngine(remote, Options{})
	e.GoOffline()

	require.NoError(t, e.EnqueueOffline(ctx, "b", msg("b1", "b")))
	require.NoError(t, e.EnqueueOffline(ctx, "a", msg("a1", "a")))
	require.NoError(t, e.EnqueueOffline(ctx, "b", msg("b2", "b")))
	assert.True(t, e.Unsynced("a"))
	assert.True(t, e.Unsynced("b"))

	var uploaded []string
	remote.On("Upload", mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			uploaded = append(uploaded, args.Get(2).(*domain.Message).ID)
		}).
		Return(&domain.Message{}, nil)

	require.NoError(t, e.GoOnline(ctx))
	assert.Equal(t, []string{"b1", "b2", "a1"}, uploaded)
	assert.Empty(t, e.Pending())
	assert.False(t, e.Unsynced("a"))
	assert.False(t, e.Unsynced("b"))
}

func TestEngine_FlushFailureKeepsChannelAndAborts(t *testing.T) {
	ctx := context.Background()
	remote := &MockRemote{}
	e := newEngine(remote, Options{})
	e.GoOffline()

	require.NoError(t, e.EnqueueOffline(ctx, "a", msg("a1", "a")))
	require.NoError(t, e.EnqueueOffline(ctx, "b", msg("b1", "b")))
	require.NoError(t, e.EnqueueOffline(ctx, "b", msg("b2", "b")))
	require.NoError(t, e.EnqueueOffline(ctx, "c", msg("c1", "c")))

	remote.On("Upload", mock.Anything, "a", mock.Anything).Return(&domain.Message{}, nil)
	remote.On("Upload", mock.Anything, "b", mock.MatchedBy(func(m *domain.Message) bool { return m.ID == "b1" })).Return(&domain.Message{}, nil)
	remote.On("Upload", mock.Anything, "b", mock.MatchedBy(func(m *domain.Message) bool { return m.ID == "b2" })).Return(nil, errors.New("connection reset"))

	err := e.GoOnline(ctx)
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeTransport))

	assert.False(t, e.Unsynced("a"))
	assert.True(t, e.Unsynced("b"))
	assert.True(t, e.Unsynced("c"))

	pending := e.Pending()
	require.Len(t, pending, 3)
	assert.Equal(t, "b1", pending[0].Message.ID)
	assert.Equal(t, "b2", pending[1].Message.ID)
	assert.Equal(t, "c1", pending[2].Message.ID)
	remote.AssertNotCalled(t, "Upload", mock.Anything, "c", mock.Anything)
}

func TestEngine_OutboxSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	history := memory.NewMemoryLocalHistory()

	first := NewEngine(&MockRemote{}, history, Options{}, zap.NewNop().Sugar())
	first.GoOffline()
	require.NoError(t, first.EnqueueOffline(ctx, "general", msg("m1", "general")))

	second := NewEngine(&MockRemote{}, history, Options{}, zap.NewNop().Sugar())
	require.NoError(t, second.Restore(ctx))
	pending := second.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, "m1", pending[0].Message.ID)
	assert.True(t, second.Unsynced("general"))
}

func TestEngine_ReconcileOrdersRemoteFirst(t *testing.T) {
	ctx := context.Background()
	remote := &MockRemote{}
	e := newEngine(remote, Options{})

	require.NoError(t, e.Receive(ctx, msg("local-only", "general")))
	require.NoError(t, e.Receive(ctx, msg("shared", "general")))

	deleted := msg("shared", "general")
	deleted.Deleted = true
	remote.On("Download", mock.Anything, "general").
		Return([]*domain.Message{msg("r1", "general"), deleted}, nil)

	merged, err := e.Reconcile(ctx, "general")
	require.NoError(t, err)
	assert.Equal(t, []string{"r1", "shared", "local-only"}, ids(merged))
	assert.True(t, merged[1].Deleted)

	assert.Equal(t, []string{"r1", "local-only"}, ids(e.View("general")))
}

func TestEngine_ReconcileNeverShrinksOnRemoteFailure(t *testing.T) {
	ctx := context.Background()
	remote := &MockRemote{}
	e := newEngine(remote, Options{})

	for _, id := range []string{"m1", "m2", "m3"} {
		require.NoError(t, e.Receive(ctx, msg(id, "general")))
	}
	before := len(e.Messages("general"))

	remote.On("Download", mock.Anything, "general").Return(nil, errors.New("unreachable"))

	merged, err := e.Reconcile(ctx, "general")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(merged), before)
	assert.Equal(t, []string{"m1", "m2", "m3"}, ids(merged))
}

func TestEngine_OwnerFastPath(t *testing.T) {
	ctx := context.Background()

	t.Run("disabled by default", func(t *testing.T) {
		remote := &MockRemote{}
		remote.On("Download", mock.Anything, "mine").Return([]*domain.Message{}, nil)
		e := newEngine(remote, Options{})
		e.Own("mine")

		_, err := e.Reconcile(ctx, "mine")
		require.NoError(t, err)
		remote.AssertCalled(t, "Download", mock.Anything, "mine")
	})

	t.Run("serves owned channel locally", func(t *testing.T) {
		remote := &MockRemote{}
		e := newEngine(remote, Options{OwnerFastPath: true})
		e.Own("mine")
		require.NoError(t, e.Receive(ctx, msg("m1", "mine")))

		merged, err := e.Reconcile(ctx, "mine")
		require.NoError(t, err)
		assert.Equal(t, []string{"m1"}, ids(merged))
		remote.AssertNotCalled(t, "Download", mock.Anything, mock.Anything)
	})

	t.Run("visitors always ask the tracker", func(t *testing.T) {
		remote := &MockRemote{}
		remote.On("Download", mock.Anything, "mine").Return([]*domain.Message{}, nil)
		e := newEngine(remote, Options{OwnerFastPath: true})
		e.Own("mine")
		e.SetVisitor()

		_, err := e.Reconcile(ctx, "mine")
		require.NoError(t, err)
		remote.AssertCalled(t, "Download", mock.Anything, "mine")
	})
}

func TestEngine_StatusTransitions(t *testing.T) {
	e := newEngine(&MockRemote{}, Options{})
	assert.Equal(t, Status{Online: true}, e.Status())

	e.GoInvisible()
	assert.Equal(t, Status{Invisible: true}, e.Status())

	e.SetVisitor()
	assert.Equal(t, Status{Online: true, Visitor: true}, e.Status())

	e.GoOffline()
	assert.Equal(t, Status{Visitor: true}, e.Status())

	e.SetAuthenticated()
	assert.Equal(t, Status{Online: true}, e.Status())
}

func TestEngine_MarkDeletedHidesFromView(t *testing.T) {
	ctx := context.Background()
	e := newEngine(&MockRemote{}, Options{})
	require.NoError(t, e.Receive(ctx, msg("m1", "general")))
	require.NoError(t, e.Receive(ctx, msg("m2", "general")))

	require.NoError(t, e.MarkDeleted(ctx, "general", "m1"))
	require.NoError(t, e.MarkDeleted(ctx, "general", "unknown"))

	assert.Equal(t, []string{"m2"}, ids(e.View("general")))
	assert.Len(t, e.Messages("general"), 2)
}

func TestUnion(t *testing.T) {
	a := []*domain.Message{msg("1", "c"), msg("2", "c")}
	b := []*domain.Message{msg("2", "c"), msg("3", "c"), nil}
	assert.Equal(t, []string{"1", "2", "3"}, ids(Union(a, b)))
	assert.Empty(t, Union())
}
