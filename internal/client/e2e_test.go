package client

import (
	"context"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"segchat/internal/core/domain"
	"segchat/internal/core/services"
	"segchat/internal/infrastructure/notify"
	"segchat/internal/infrastructure/protocol"
	"segchat/internal/infrastructure/repositories/memory"
	"segchat/internal/infrastructure/transport"
	"segchat/pkg/framing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

func startTracker(t *testing.T) string {
	t.Helper()

	log := zap.NewNop()
	store := memory.NewMemoryChatStore()
	srv := protocol.NewServer(protocol.Config{
		IdleTimeout:  10 * time.Second,
		WriteTimeout: time.Second,
	}, protocol.Dependencies{
		Tracker:  services.NewPresenceTracker(log.Sugar()),
		Streams:  services.NewLivestreamCoordinator(log.Sugar()),
		Channels: services.NewChannelService(store),
		Auth:     services.NewAuthService(store, "e2e-secret", time.Hour, bcrypt.MinCost),
		Notifier: notify.NewNotifier(notify.Config{Attempts: 3, Timeout: time.Second}, log.Sugar()),
		Logger:   log,
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go srv.Serve(ctx, ln)
	t.Cleanup(func() {
		cancel()
		shutdownCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
		defer done()
		_ = srv.Shutdown(shutdownCtx)
	})
	return ln.Addr().String()
}

type recorder struct {
	mu     sync.Mutex
	events []Event
	frames [][]byte
}

func (r *recorder) event(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) frame(_ domain.Endpoint, frame []byte) {
	r.mu.Lock()
	r.frames = append(r.frames, append([]byte(nil), frame...))
	r.mu.Unlock()
}

func (r *recorder) has(kind EventKind, body string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events {
		if ev.Kind == kind && (body == "" || (ev.Message != nil && ev.Message.Body == body)) {
			return true
		}
	}
	return false
}

func (r *recorder) frameCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

func startPeer(t *testing.T, tracker, username string, visitor bool) (*Node, *recorder) {
	t.Helper()

	tcfg := transport.DefaultConfig()
	tcfg.ConnectPause = 20 * time.Millisecond
	tcfg.DialTimeout = time.Second

	rec := &recorder{}
	node := NewNode(Config{
		ServerAddress:  tracker,
		ListenAddress:  "127.0.0.1:0",
		Username:       username,
		Password:       "pw-" + username,
		Visitor:        visitor,
		RequestTimeout: 3 * time.Second,
		Transport:      tcfg,
	}, memory.NewMemoryLocalHistory(), zap.NewNop().Sugar(),
		WithEventHandler(rec.event),
		WithFrameHandler(rec.frame),
	)

	ctx := context.Background()
	if err := node.Start(ctx); err != nil {
		t.Skipf("peer could not start: %v", err)
	}
	t.Cleanup(func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = node.Close(closeCtx)
	})

	if !visitor {
		require.NoError(t, node.Register(ctx))
	}
	require.NoError(t, node.Join(ctx))
	return node, rec
}

func bodies(msgs []*domain.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Body)
	}
	return out
}

func TestTwoPeersExchangeThroughTracker(t *testing.T) {
	tracker := startTracker(t)
	ctx := context.Background()

	alice, _ := startPeer(t, tracker, "alice", false)
	bob, bobEvents := startPeer(t, tracker, "bob", false)

	peers, err := alice.Peers(ctx)
	require.NoError(t, err)
	require.Len(t, peers, 1)
	assert.Equal(t, "bob", peers[0].Username)
	assert.True(t, peers[0].Online)
	assert.False(t, peers[0].Invisible)

	_, err = alice.Send(ctx, "general", "hi")
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return bobEvents.has(EventMessage, "hi") }, 3*time.Second, 20*time.Millisecond)

	history, err := bob.History(ctx, "general")
	require.NoError(t, err)
	assert.Contains(t, bodies(history), "hi")
}

func TestOfflineMessagesAreFlushedOnReconnect(t *testing.T) {
	tracker := startTracker(t)
	ctx := context.Background()

	alice, _ := startPeer(t, tracker, "alice", false)
	bob, _ := startPeer(t, tracker, "bob", false)

	require.NoError(t, alice.GoOffline(ctx))
	_, err := alice.Send(ctx, "random", "written offline")
	require.NoError(t, err)
	assert.True(t, alice.Engine().Unsynced("random"))

	history, err := bob.History(ctx, "random")
	require.NoError(t, err)
	assert.NotContains(t, bodies(history), "written offline")

	require.NoError(t, alice.GoOnline(ctx))
	assert.False(t, alice.Engine().Unsynced("random"))

	history, err = bob.History(ctx, "random")
	require.NoError(t, err)
	assert.Contains(t, bodies(history), "written offline")
}

func TestDirectBroadcastBetweenPeers(t *testing.T) {
	tracker := startTracker(t)
	ctx := context.Background()

	alice, _ := startPeer(t, tracker, "alice", false)
	_, bobEvents := startPeer(t, tracker, "bob", false)

	// Short-lived notification connections may also sit in the pool, so
	// only require that bob was reached.
	sent, _ := alice.Broadcast(ctx, "general", "psst")
	assert.GreaterOrEqual(t, sent, 1)

	assert.Eventually(t, func() bool { return bobEvents.has(EventChat, "psst") }, 3*time.Second, 20*time.Millisecond)
}

func TestLivestreamVideoReachesPeers(t *testing.T) {
	tracker := startTracker(t)
	ctx := context.Background()

	alice, _ := startPeer(t, tracker, "alice", false)
	_, bobEvents := startPeer(t, tracker, "bob", false)

	_, err := alice.SendFrame([]byte("too early"))
	assert.Error(t, err)

	primary, err := alice.StartLivestream(ctx, "general")
	require.NoError(t, err)
	assert.True(t, primary)

	sent, err := alice.SendFrame([]byte("frame-1"))
	require.NoError(t, err)
	assert.Equal(t, 1, sent)

	assert.Eventually(t, func() bool { return bobEvents.frameCount() == 1 }, 3*time.Second, 20*time.Millisecond)
	assert.Eventually(t, func() bool { return bobEvents.has(EventLivestream, "") }, 3*time.Second, 20*time.Millisecond)

	require.NoError(t, alice.StopLivestream(ctx, "general"))
	assert.Empty(t, alice.Registry().VideoEndpoints())
}

func TestVisitorsCannotPost(t *testing.T) {
	tracker := startTracker(t)
	ctx := context.Background()

	guest, _ := startPeer(t, tracker, "", true)
	assert.Contains(t, guest.Username(), "Visitor_")

	_, err := guest.Send(ctx, "general", "hello")
	assert.ErrorIs(t, err, ErrVisitor)
	assert.ErrorIs(t, guest.CreateChannel(ctx, "mine"), ErrVisitor)
	_, err = guest.StartLivestream(ctx, "general")
	assert.ErrorIs(t, err, ErrVisitor)

	assert.Equal(t, []string{"general"}, guest.Channels())
}

func TestCreateChannelIsAnnounced(t *testing.T) {
	tracker := startTracker(t)
	ctx := context.Background()

	alice, _ := startPeer(t, tracker, "alice", false)
	bob, bobEvents := startPeer(t, tracker, "bob", false)

	require.NoError(t, alice.CreateChannel(ctx, "music"))
	assert.Contains(t, alice.Channels(), "music")

	assert.Eventually(t, func() bool { return bobEvents.has(EventChannel, "") }, 3*time.Second, 20*time.Millisecond)
	assert.Contains(t, bob.Channels(), "music")
}

func TestPeerMessagesForInvalidChannelsAreDropped(t *testing.T) {
	tracker := startTracker(t)
	bob, bobEvents := startPeer(t, tracker, "bob", false)

	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(bob.Port())))
	require.NoError(t, err)
	defer conn.Close()

	injected := &domain.Message{ID: "x1", Channel: "general:x", Sender: "mallory", Body: "injected", Timestamp: time.Now().UTC()}
	require.NoError(t, framing.WriteJSON(conn, &domain.Notification{Type: domain.NotificationChat, Channel: "general", Message: injected}))
	valid := domain.NewMessage("general", "mallory", "hello")
	require.NoError(t, framing.WriteJSON(conn, &domain.Notification{Type: domain.NotificationChat, Channel: "general", Message: valid}))

	require.Eventually(t, func() bool { return bobEvents.has(EventChat, "hello") }, 3*time.Second, 20*time.Millisecond)
	assert.False(t, bobEvents.has(EventChat, "injected"))

	history, err := bob.History(context.Background(), "general")
	require.NoError(t, err)
	assert.Contains(t, bodies(history), "hello")
	assert.NotContains(t, bodies(history), "injected")
}

func TestValidChannel(t *testing.T) {
	assert.True(t, validChannel("general"))
	assert.True(t, validChannel("music-2"))
	assert.False(t, validChannel(""))
	assert.False(t, validChannel("general:x"))
	assert.False(t, validChannel(" general"))
}
