package client

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"segchat/internal/core/domain"
	"segchat/internal/infrastructure/protocol"
	"segchat/internal/infrastructure/transport"
	apperrors "segchat/pkg/errors"
	"segchat/pkg/framing"
	"segchat/pkg/retry"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrSessionClosed is returned for requests on a closed session.
var ErrSessionClosed = apperrors.NewStateError("session closed")

// Session is a peer's control connection to the tracker. Requests may be
// issued from several goroutines; replies are matched by request id.
type Session struct {
	cc      *transport.ControlConn
	timeout time.Duration

	mu      sync.Mutex
	pending map[string]chan *protocol.Reply
	err     error

	logger *zap.SugaredLogger
}

// Dial connects to the tracker at addr, retrying as configured.
func Dial(ctx context.Context, addr string, cfg transport.Config, timeout time.Duration, logger *zap.SugaredLogger) (*Session, error) {
	dialer := &net.Dialer{Timeout: cfg.DialTimeout}
	conn, err := retry.RetryWithResult(ctx, retry.Fixed(cfg.ConnectAttempts, cfg.ConnectPause), func() (net.Conn, error) {
		return dialer.DialContext(ctx, "tcp", addr)
	})
	if err != nil {
		return nil, apperrors.NewTransportError(fmt.Sprintf("connect to tracker %s", addr), err)
	}

	ep, _ := domain.ParseEndpoint(addr)
	return NewSession(conn, ep, cfg, timeout, logger), nil
}

// NewSession wraps an established connection and starts reading replies.
func NewSession(conn net.Conn, ep domain.Endpoint, cfg transport.Config, timeout time.Duration, logger *zap.SugaredLogger) *Session {
	s := &Session{
		cc:      transport.NewControlConn(conn, ep, cfg),
		timeout: timeout,
		pending: make(map[string]chan *protocol.Reply),
		logger:  logger,
	}
	go s.run()
	return s
}

func (s *Session) run() {
	err := s.cc.Run(s.handleLine)
	if err == nil {
		err = ErrSessionClosed
	}

	s.mu.Lock()
	s.err = err
	pending := s.pending
	s.pending = make(map[string]chan *protocol.Reply)
	s.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
	s.logger.Infow("tracker session ended", "error", err)
}

func (s *Session) handleLine(line []byte) {
	env, err := framing.PeekEnvelope(line)
	if err == nil && env.Type == framing.TypeBye {
		s.logger.Infow("tracker is shutting down")
		_ = s.cc.Close()
		return
	}

	var reply protocol.Reply
	if err := framing.DecodeLine(line, &reply); err != nil {
		s.logger.Warnw("undecodable reply from tracker", "error", err)
		return
	}

	s.mu.Lock()
	ch, ok := s.pending[reply.RequestID]
	delete(s.pending, reply.RequestID)
	s.mu.Unlock()

	if !ok {
		s.logger.Warnw("reply without a waiting request",
			"request_id", reply.RequestID,
			"type", reply.Type,
			"error", reply.Error,
		)
		return
	}
	ch <- &reply
}

// Do sends req and waits for its reply. A request id is assigned when req
// has none.
func (s *Session) Do(ctx context.Context, req *protocol.Request) (*protocol.Reply, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	ch := make(chan *protocol.Reply, 1)

	s.mu.Lock()
	if s.err != nil {
		err := s.err
		s.mu.Unlock()
		return nil, apperrors.WrapError(err, apperrors.ErrCodeTransport, "tracker session closed")
	}
	s.pending[req.RequestID] = ch
	s.mu.Unlock()

	if err := s.cc.Send(req); err != nil {
		s.forget(req.RequestID)
		return nil, apperrors.NewTransportError(fmt.Sprintf("send %s", req.Type), err)
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	select {
	case reply, ok := <-ch:
		if !ok {
			return nil, apperrors.NewTransportError(fmt.Sprintf("%s interrupted", req.Type), ErrSessionClosed)
		}
		return reply, nil
	case <-ctx.Done():
		s.forget(req.RequestID)
		return nil, apperrors.NewTransportError(fmt.Sprintf("%s timed out", req.Type), ctx.Err())
	}
}

func (s *Session) forget(id string) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

// call performs req and decodes a successful reply into out.
func (s *Session) call(ctx context.Context, req *protocol.Request, out any) error {
	reply, err := s.Do(ctx, req)
	if err != nil {
		return err
	}
	if err := reply.Err(); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := reply.Decode(out); err != nil {
		return apperrors.WrapError(err, apperrors.ErrCodeProtocol, fmt.Sprintf("decode %s reply", req.Type))
	}
	return nil
}

func (s *Session) Register(ctx context.Context, username, password string) error {
	return s.call(ctx, &protocol.Request{Type: protocol.RequestRegister, Username: username, Password: password}, nil)
}

func (s *Session) Login(ctx context.Context, username, password string) (protocol.LoginResult, error) {
	var res protocol.LoginResult
	err := s.call(ctx, &protocol.Request{Type: protocol.RequestLogin, Username: username, Password: password}, &res)
	return res, err
}

// Announce is what a peer tells the tracker about itself.
type Announce struct {
	Username  string
	Port      int
	SessionID domain.SessionID
	Visitor   bool
	Invisible bool
	Password  string
	Token     string
}

func (s *Session) SubmitInfo(ctx context.Context, a Announce) (protocol.SubmitResult, error) {
	var res protocol.SubmitResult
	err := s.call(ctx, &protocol.Request{
		Type:      protocol.RequestSubmitInfo,
		Username:  a.Username,
		Port:      a.Port,
		SessionID: a.SessionID,
		Visitor:   a.Visitor,
		Invisible: a.Invisible,
		Password:  a.Password,
		Token:     a.Token,
	}, &res)
	return res, err
}

func (s *Session) PeerList(ctx context.Context) ([]domain.PeerRecord, error) {
	var peers []domain.PeerRecord
	err := s.call(ctx, &protocol.Request{Type: protocol.RequestGetList}, &peers)
	return peers, err
}

// Upload implements syncer.Remote.
func (s *Session) Upload(ctx context.Context, channel string, msg *domain.Message) (*domain.Message, error) {
	var stored domain.Message
	err := s.call(ctx, &protocol.Request{
		Type:     protocol.RequestSyncUpload,
		Channel:  channel,
		Message:  msg,
		Username: msg.Sender,
	}, &stored)
	if err != nil {
		return nil, err
	}
	return &stored, nil
}

// Download implements syncer.Remote.
func (s *Session) Download(ctx context.Context, channel string) ([]*domain.Message, error) {
	var history []*domain.Message
	err := s.call(ctx, &protocol.Request{Type: protocol.RequestSyncDownload, Channel: channel}, &history)
	return history, err
}

func (s *Session) CreateChannel(ctx context.Context, channel, username string) (*domain.Channel, error) {
	var ch domain.Channel
	err := s.call(ctx, &protocol.Request{Type: protocol.RequestCreateChannel, Channel: channel, Username: username}, &ch)
	if err != nil {
		return nil, err
	}
	return &ch, nil
}

func (s *Session) ChannelList(ctx context.Context) ([]string, error) {
	var names []string
	err := s.call(ctx, &protocol.Request{Type: protocol.RequestGetChannelList}, &names)
	return names, err
}

func (s *Session) StartLivestream(ctx context.Context, channel, username string, targets []string) (protocol.LivestreamStatus, error) {
	var status protocol.LivestreamStatus
	err := s.call(ctx, &protocol.Request{
		Type:     protocol.RequestStartLivestream,
		Channel:  channel,
		Username: username,
		Targets:  targets,
	}, &status)
	return status, err
}

func (s *Session) StopLivestream(ctx context.Context, channel, username string) (protocol.LivestreamStatus, error) {
	var status protocol.LivestreamStatus
	err := s.call(ctx, &protocol.Request{Type: protocol.RequestStopLivestream, Channel: channel, Username: username}, &status)
	return status, err
}

func (s *Session) UpdateStatus(ctx context.Context, port int, online, invisible bool) (bool, error) {
	var res protocol.StatusResult
	err := s.call(ctx, &protocol.Request{
		Type:      protocol.RequestUpdateStatus,
		Port:      port,
		Online:    &online,
		Invisible: invisible,
	}, &res)
	return res.Updated, err
}

func (s *Session) DeleteMessage(ctx context.Context, channel, messageID, username string) error {
	return s.call(ctx, &protocol.Request{
		Type:      protocol.RequestDeleteMessage,
		Channel:   channel,
		MessageID: messageID,
		Username:  username,
	}, nil)
}

// Disconnect tells the tracker this peer is leaving. The tracker closes the
// connection after replying.
func (s *Session) Disconnect(ctx context.Context, port int, username string) (protocol.DisconnectResult, error) {
	var res protocol.DisconnectResult
	err := s.call(ctx, &protocol.Request{Type: protocol.RequestDisconnect, Port: port, Username: username}, &res)
	return res, err
}

func (s *Session) Close() error {
	return s.cc.Close()
}

// Done is closed when the connection to the tracker is gone.
func (s *Session) Done() <-chan struct{} {
	return s.cc.Done()
}
