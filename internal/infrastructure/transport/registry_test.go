package transport

import (
	"bytes"
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"segchat/internal/core/domain"
	apperrors "segchat/pkg/errors"
	"segchat/pkg/framing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ConnectPause = 10 * time.Millisecond
	cfg.DialTimeout = time.Second
	cfg.PingInterval = 0
	cfg.ReadTimeout = 0
	cfg.WriteTimeout = time.Second
	return cfg
}

func listen(t *testing.T) (net.Listener, domain.Endpoint) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	ep, err := domain.ParseEndpoint(ln.Addr().String())
	require.NoError(t, err)
	return ln, ep
}

func tcpPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	ln, _ := listen(t)

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- conn
	}()

	dialed, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	other, ok := <-accepted
	require.True(t, ok)
	return dialed, other
}

func TestRegistry_ConnectGivesUpAfterThreeAttempts(t *testing.T) {
	var dials atomic.Int32
	refuse := func(ctx context.Context, network, address string) (net.Conn, error) {
		dials.Add(1)
		return nil, errors.New("connection refused")
	}

	reg := NewRegistry(testConfig(), zap.NewNop().Sugar(), WithDialFunc(refuse))
	defer reg.Close()

	_, err := reg.Connect(context.Background(), domain.Endpoint{Host: "127.0.0.1", Port: 1})
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeTransport))
	assert.Equal(t, int32(3), dials.Load())
	assert.Empty(t, reg.ControlEndpoints())
}

func TestRegistry_ConnectReusesPooledConnection(t *testing.T) {
	ln, ep := listen(t)
	var held []net.Conn
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			held = append(held, conn)
		}
	}()

	var dials atomic.Int32
	dialer := &net.Dialer{}
	counting := func(ctx context.Context, network, address string) (net.Conn, error) {
		dials.Add(1)
		return dialer.DialContext(ctx, network, address)
	}

	reg := NewRegistry(testConfig(), zap.NewNop().Sugar(), WithDialFunc(counting))
	defer reg.Close()

	first, err := reg.Connect(context.Background(), ep)
	require.NoError(t, err)
	second, err := reg.Connect(context.Background(), ep)
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, int32(1), dials.Load())
	assert.Equal(t, []domain.Endpoint{ep}, reg.ControlEndpoints())
}

func TestRegistry_MessagesReachHandler(t *testing.T) {
	ln, ep := listen(t)

	var mu sync.Mutex
	var received [][]byte
	server := NewRegistry(testConfig(), zap.NewNop().Sugar(), WithMessageHandler(func(from domain.Endpoint, line []byte) {
		mu.Lock()
		received = append(received, append([]byte(nil), line...))
		mu.Unlock()
	}))
	defer server.Close()

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			_, _ = server.AcceptControl(conn)
		}
	}()

	client := NewRegistry(testConfig(), zap.NewNop().Sugar())
	defer client.Close()

	_, err := client.Connect(context.Background(), ep)
	require.NoError(t, err)
	require.NoError(t, client.SendTo(ep, map[string]string{"type": "chat", "text": "hi"}))

	sent, err := client.Broadcast(map[string]string{"type": "chat", "text": "all"})
	require.NoError(t, err)
	assert.Equal(t, 1, sent)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 2
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.JSONEq(t, `{"type":"chat","text":"hi"}`, string(received[0]))
	assert.JSONEq(t, `{"type":"chat","text":"all"}`, string(received[1]))
}

func TestRegistry_SendToUnknownEndpoint(t *testing.T) {
	reg := NewRegistry(testConfig(), zap.NewNop().Sugar())
	defer reg.Close()

	err := reg.SendTo(domain.Endpoint{Host: "127.0.0.1", Port: 9}, framing.Envelope{Type: "chat"})
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeState))
}

func TestControlConn_KeepaliveHoldsIdleConnection(t *testing.T) {
	a, b := tcpPair(t)

	cfg := testConfig()
	cfg.PingInterval = 40 * time.Millisecond
	cfg.ReadTimeout = 200 * time.Millisecond

	left := NewControlConn(a, domain.Endpoint{Host: "left"}, cfg)
	right := NewControlConn(b, domain.Endpoint{Host: "right"}, cfg)

	go left.Run(func([]byte) {})
	go right.Run(func([]byte) {})
	defer left.Close()
	defer right.Close()

	// Neither side sends application traffic for several read timeouts.
	select {
	case <-left.Done():
		t.Fatal("left connection dropped despite keepalive")
	case <-right.Done():
		t.Fatal("right connection dropped despite keepalive")
	case <-time.After(600 * time.Millisecond):
	}
}

func TestControlConn_SilentPeerIsDropped(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()

	cfg := testConfig()
	cfg.ReadTimeout = 50 * time.Millisecond

	conn := NewControlConn(a, domain.Endpoint{Host: "silent"}, cfg)
	errCh := make(chan error, 1)
	go func() { errCh <- conn.Run(func([]byte) {}) }()

	select {
	case err := <-errCh:
		var netErr net.Error
		require.ErrorAs(t, err, &netErr)
		assert.True(t, netErr.Timeout())
	case <-time.After(2 * time.Second):
		t.Fatal("silent peer was not dropped")
	}
}

func TestControlConn_AnswersPing(t *testing.T) {
	a, b := net.Pipe()
	conn := NewControlConn(a, domain.Endpoint{Host: "x"}, testConfig())
	go conn.Run(func([]byte) {})
	defer conn.Close()

	go func() { _ = framing.WriteJSON(b, framing.Envelope{Type: framing.TypePing, RequestID: "r1"}) }()

	var env framing.Envelope
	require.NoError(t, framing.NewLineReader(b, 0).ReadJSON(&env))
	assert.Equal(t, framing.TypePong, env.Type)
	assert.Equal(t, "r1", env.RequestID)
}

func TestRegistry_VideoFramesRoundTrip(t *testing.T) {
	ctrl, ep := listen(t)
	ctrl.Close()

	videoLn, err := net.Listen("tcp", ep.Video().String())
	if err != nil {
		t.Skipf("video port unavailable: %v", err)
	}
	defer videoLn.Close()

	frames := make(chan []byte, 4)
	receiver := NewRegistry(testConfig(), zap.NewNop().Sugar(), WithFrameHandler(func(_ domain.Endpoint, frame []byte) {
		frames <- frame
	}))
	defer receiver.Close()

	go func() {
		conn, err := videoLn.Accept()
		if err != nil {
			return
		}
		_, _ = receiver.AcceptVideo(conn)
	}()

	sender := NewRegistry(testConfig(), zap.NewNop().Sugar())
	defer sender.Close()

	_, err = sender.ConnectVideo(context.Background(), ep)
	require.NoError(t, err)

	payload := bytes.Repeat([]byte{0xAB}, 64*1024)
	require.NoError(t, sender.SendFrame(ep, payload))
	assert.Equal(t, 1, sender.BroadcastFrame([]byte("second")))

	select {
	case got := <-frames:
		assert.Equal(t, payload, got)
	case <-time.After(2 * time.Second):
		t.Fatal("first frame not received")
	}
	select {
	case got := <-frames:
		assert.Equal(t, []byte("second"), got)
	case <-time.After(2 * time.Second):
		t.Fatal("second frame not received")
	}
}

func TestVideoConn_RefusesOversizedFrame(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()

	cfg := testConfig()
	cfg.MaxFrameBytes = 8
	conn := NewVideoConn(a, domain.Endpoint{Host: "x"}, cfg)
	defer conn.Close()

	err := conn.WriteFrame(make([]byte, 9))
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeProtocol))
}

func TestVideoConn_OversizedHeaderEndsConnection(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()

	cfg := testConfig()
	cfg.MaxFrameBytes = 8
	conn := NewVideoConn(a, domain.Endpoint{Host: "x"}, cfg)

	errCh := make(chan error, 1)
	go func() { errCh <- conn.Run(func(domain.Endpoint, []byte) {}) }()

	go func() { _, _ = b.Write([]byte{0, 0, 1, 0}) }()

	select {
	case err := <-errCh:
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeProtocol))
	case <-time.After(2 * time.Second):
		t.Fatal("oversized frame did not end the connection")
	}
}

func TestServe_StopsOnContextCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, ln, func(c net.Conn) { c.Close() }) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}
}
