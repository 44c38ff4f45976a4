package client

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"segchat/internal/core/domain"
	"segchat/internal/infrastructure/protocol"
	"segchat/internal/infrastructure/transport"
	apperrors "segchat/pkg/errors"
	"segchat/pkg/framing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func pipeSession(t *testing.T, timeout time.Duration) (*Session, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	cfg := transport.DefaultConfig()
	cfg.PingInterval = 0
	cfg.ReadTimeout = 0

	s := NewSession(client, domain.Endpoint{Host: "tracker", Port: 5000}, cfg, timeout, zap.NewNop().Sugar())
	t.Cleanup(func() {
		s.Close()
		server.Close()
	})
	return s, server
}

func TestSession_MatchesRepliesByRequestID(t *testing.T) {
	s, server := pipeSession(t, 2*time.Second)

	go func() {
		reader := framing.NewLineReader(server, 0)
		var reqs []protocol.Request
		for i := 0; i < 2; i++ {
			var req protocol.Request
			if err := reader.ReadJSON(&req); err != nil {
				return
			}
			reqs = append(reqs, req)
		}
		// Answer in reverse order.
		for i := len(reqs) - 1; i >= 0; i-- {
			data, _ := json.Marshal([]string{reqs[i].Channel})
			_ = framing.WriteJSON(server, protocol.Reply{
				Type:      protocol.ReplyOK,
				RequestID: reqs[i].RequestID,
				OK:        true,
				Data:      data,
			})
		}
	}()

	var wg sync.WaitGroup
	results := make(map[string][]string)
	var mu sync.Mutex
	for _, channel := range []string{"a", "b"} {
		wg.Add(1)
		go func(channel string) {
			defer wg.Done()
			var out []string
			err := s.call(context.Background(), &protocol.Request{Type: protocol.RequestSyncDownload, Channel: channel}, &out)
			assert.NoError(t, err)
			mu.Lock()
			results[channel] = out
			mu.Unlock()
		}(channel)
	}
	wg.Wait()

	assert.Equal(t, []string{"a"}, results["a"])
	assert.Equal(t, []string{"b"}, results["b"])
}

func TestSession_ErrorReplyKeepsCode(t *testing.T) {
	s, server := pipeSession(t, 2*time.Second)

	go func() {
		var req protocol.Request
		if err := framing.NewLineReader(server, 0).ReadJSON(&req); err != nil {
			return
		}
		_ = framing.WriteJSON(server, protocol.Reply{
			Type:      protocol.ReplyError,
			RequestID: req.RequestID,
			Error:     "channel already exists",
			Code:      apperrors.ErrCodeState,
		})
	}()

	_, err := s.CreateChannel(context.Background(), "music", "alice")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeState))
}

func TestSession_TimesOut(t *testing.T) {
	s, server := pipeSession(t, 50*time.Millisecond)

	go func() {
		var req protocol.Request
		_ = framing.NewLineReader(server, 0).ReadJSON(&req)
	}()

	_, err := s.PeerList(context.Background())
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeTransport))
}

func TestSession_ByeEndsSession(t *testing.T) {
	s, server := pipeSession(t, time.Second)

	go func() { _ = framing.WriteJSON(server, framing.Envelope{Type: framing.TypeBye}) }()

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session still open after bye")
	}

	require.Eventually(t, func() bool {
		_, err := s.ChannelList(context.Background())
		return apperrors.HasCode(err, apperrors.ErrCodeTransport)
	}, time.Second, 10*time.Millisecond)
}
