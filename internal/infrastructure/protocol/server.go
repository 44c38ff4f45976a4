package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"regexp"
	"runtime/debug"
	"sync"
	"time"

	"segchat/internal/core/domain"
	"segchat/internal/core/ports"
	"segchat/internal/core/services"
	"segchat/internal/infrastructure/monitoring"
	"segchat/internal/infrastructure/transport"
	"segchat/pkg/config"
	apperrors "segchat/pkg/errors"
	"segchat/pkg/framing"
	"segchat/pkg/logger"
	"segchat/pkg/tracing"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type Config struct {
	Address      string
	IdleTimeout  time.Duration
	WriteTimeout time.Duration
	MaxLineBytes int

	// RequestsPerSecond of zero disables rate limiting.
	RequestsPerSecond float64
	Burst             int
}

func NewConfig(cfg *config.Config) Config {
	c := Config{
		Address:      cfg.Server.Address,
		IdleTimeout:  cfg.Server.IdleTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		MaxLineBytes: cfg.Server.MaxLineBytes,
	}
	if cfg.RateLimiting.Enabled {
		c.RequestsPerSecond = cfg.RateLimiting.RequestsPerSecond
		c.Burst = cfg.RateLimiting.Burst
	}
	return c
}

type Dependencies struct {
	Tracker  *services.PresenceTracker
	Streams  *services.LivestreamCoordinator
	Channels ports.ChannelService
	Auth     services.AuthService
	Notifier ports.Notifier
	Metrics  *monitoring.PrometheusCollector
	Logger   *zap.Logger
}

// Server is the tracker: it answers protocol requests on long-lived control
// connections and pushes notifications to announced peers.
type Server struct {
	cfg Config

	tracker  *services.PresenceTracker
	streams  *services.LivestreamCoordinator
	channels ports.ChannelService
	auth     services.AuthService
	notifier ports.Notifier
	metrics  *monitoring.PrometheusCollector
	limiter  *limiterStore

	// stateMu serialises the state-changing part of every request.
	stateMu sync.Mutex

	mu      sync.Mutex
	ln      net.Listener
	conns   map[*transport.ControlConn]struct{}
	closing bool
	wg      sync.WaitGroup

	ctxLogger *logger.ContextLogger
	logger    *zap.SugaredLogger
}

func NewServer(cfg Config, deps Dependencies) *Server {
	s := &Server{
		cfg:       cfg,
		tracker:   deps.Tracker,
		streams:   deps.Streams,
		channels:  deps.Channels,
		auth:      deps.Auth,
		notifier:  deps.Notifier,
		metrics:   deps.Metrics,
		conns:     make(map[*transport.ControlConn]struct{}),
		ctxLogger: logger.NewContextLogger(deps.Logger),
		logger:    deps.Logger.Sugar(),
	}
	if cfg.RequestsPerSecond > 0 {
		s.limiter = newLimiterStore(rate.Limit(cfg.RequestsPerSecond), cfg.Burst)
	}
	return s
}

func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Address, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled or Shutdown is
// called.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	s.logger.Infow("tracker listening", "address", ln.Addr().String())
	return transport.Serve(ctx, ln, func(conn net.Conn) {
		s.handleConn(ctx, conn)
	})
}

// Addr returns the listening address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Shutdown stops accepting, tells every connected client goodbye and waits
// for the connection goroutines to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	ln := s.ln
	conns := make([]*transport.ControlConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}
	for _, c := range conns {
		_ = c.Send(framing.Envelope{Type: framing.TypeBye})
		_ = c.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	remote := conn.RemoteAddr()
	cc := transport.NewControlConn(conn, domain.Endpoint{Host: hostOf(remote)}, transport.Config{
		ReadTimeout:  s.cfg.IdleTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		MaxLineBytes: s.cfg.MaxLineBytes,
	})

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		_ = cc.Close()
		return
	}
	s.conns[cc] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, cc)
		s.mu.Unlock()
		s.wg.Done()
	}()

	s.metrics.RecordConnectionOpened()
	defer s.metrics.RecordConnectionClosed()
	s.logger.Debugw("client connected", "remote", remote.String())

	cc.OnOversize(func() {
		s.metrics.RecordRequest("parse_error", string(apperrors.ErrCodeProtocol), 0)
		s.send(cc, &Reply{
			Type:      ReplyParseError,
			RequestID: UnknownRequestID,
			Error:     "request too long",
			Code:      apperrors.ErrCodeProtocol,
		})
	})

	err := cc.Run(func(line []byte) {
		if s.handleLine(ctx, cc, line) {
			_ = cc.Close()
		}
	})
	if err != nil {
		s.logger.Debugw("client connection ended", "remote", remote.String(), "error", err)
	}
}

// result is what a handler produces: the reply payload, notifications to fan
// out once the state lock is released, and whether to hang up.
type result struct {
	data   any
	notify []*domain.Notification
	close  bool
}

// handleLine answers one request and reports whether the connection should
// be closed afterwards.
func (s *Server) handleLine(ctx context.Context, cc *transport.ControlConn, line []byte) bool {
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		s.metrics.RecordRequest("parse_error", string(apperrors.ErrCodeProtocol), 0)
		s.send(cc, &Reply{
			Type:      ReplyParseError,
			RequestID: bestEffortRequestID(line),
			Error:     fmt.Sprintf("malformed request: %v", err),
			Code:      apperrors.ErrCodeProtocol,
		})
		return false
	}

	start := time.Now()
	remote := cc.RemoteAddr()
	ctx = logger.WithRequestID(ctx, req.RequestID)
	ctx = logger.WithPeer(ctx, remote.String())
	if req.Username != "" {
		ctx = logger.WithUsername(ctx, req.Username)
	}
	ctx, span := tracing.TraceRequest(ctx, string(req.Type), req.RequestID, remote.String())
	defer span.End()

	var (
		res result
		err error
	)
	if s.limiter != nil && !s.limiter.allow(hostOf(remote)) {
		err = apperrors.NewRateLimitError()
	} else {
		res, err = s.dispatch(ctx, remote, &req)
	}

	reply := &Reply{Type: ReplyOK, RequestID: req.RequestID, RequestType: req.Type, OK: true}
	if err == nil && res.data != nil {
		reply.Data, err = json.Marshal(res.data)
		if err != nil {
			err = apperrors.NewInternalError("encode reply", err)
			res.notify = nil
		}
	}

	outcome := "ok"
	if err != nil {
		appErr := toAppError(err)
		outcome = string(appErr.Code)
		reply = &Reply{
			Type:        ReplyError,
			RequestID:   req.RequestID,
			RequestType: req.Type,
			Error:       appErr.Message,
			Code:        appErr.Code,
		}
		tracing.RecordError(ctx, err)
		if appErr.Code == apperrors.ErrCodeInternal {
			s.ctxLogger.LogError(ctx, err, "request failed", zap.String("type", string(req.Type)))
		} else {
			s.ctxLogger.LogDebug(ctx, "request rejected",
				zap.String("type", string(req.Type)),
				zap.String("code", string(appErr.Code)),
				zap.String("reason", appErr.Message),
			)
		}
	}

	s.send(cc, reply)
	s.metrics.RecordRequest(string(req.Type), outcome, time.Since(start))

	for _, note := range res.notify {
		s.fanout(ctx, note)
	}
	return res.close || req.Type == RequestDisconnect
}

// withState runs fn while holding the state lock.
func (s *Server) withState(fn func() error) error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return fn()
}

// dispatch routes req to its handler. A panicking handler becomes an
// internal error reply and the connection stays open.
func (s *Server) dispatch(ctx context.Context, remote net.Addr, req *Request) (res result, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.ctxLogger.Sugar(ctx).Errorw("handler panicked", "type", req.Type, "panic", r, "stack", string(debug.Stack()))
			res, err = result{}, apperrors.NewInternalError(fmt.Sprintf("%s failed", req.Type), fmt.Errorf("panic: %v", r))
		}
	}()

	switch req.Type {
	case RequestRegister:
		return s.handleRegister(ctx, req)
	case RequestLogin:
		return s.handleLogin(ctx, req)
	case RequestSubmitInfo:
		return s.handleSubmitInfo(ctx, remote, req)
	case RequestGetList:
		return result{data: s.tracker.Snapshot()}, nil
	case RequestSyncUpload:
		return s.handleSyncUpload(ctx, req)
	case RequestSyncDownload:
		return s.handleSyncDownload(ctx, req)
	case RequestCreateChannel:
		return s.handleCreateChannel(ctx, req)
	case RequestGetChannelList:
		names, err := s.channels.Names(ctx)
		return result{data: names}, err
	case RequestStartLivestream:
		return s.handleStartLivestream(req)
	case RequestStopLivestream:
		return s.handleStopLivestream(req)
	case RequestUpdateStatus:
		return s.handleUpdateStatus(remote, req)
	case RequestDisconnect:
		return s.handleDisconnect(remote, req)
	case RequestDeleteMessage:
		return s.handleDeleteMessage(ctx, req)
	case "":
		return result{}, apperrors.NewProtocolError("request type is required")
	default:
		return result{}, apperrors.NewProtocolError(fmt.Sprintf("unknown request type: %s", req.Type))
	}
}

func (s *Server) fanout(ctx context.Context, note *domain.Notification) {
	targets := s.tracker.Snapshot()
	res := s.notifier.Notify(ctx, targets, note)
	if res.Dropped > 0 {
		s.ctxLogger.Sugar(ctx).Infow("notification not delivered to every peer",
			"type", note.Type,
			"channel", note.Channel,
			"delivered", res.Delivered,
			"dropped", res.Dropped,
		)
	}
}

func (s *Server) send(cc *transport.ControlConn, reply *Reply) {
	if err := cc.Send(reply); err != nil {
		s.logger.Debugw("failed to write reply",
			"remote", cc.RemoteAddr().String(),
			"request_id", reply.RequestID,
			"error", err,
		)
	}
}

var requestIDPattern = regexp.MustCompile(`"request_id"\s*:\s*"([^"]*)"`)

// bestEffortRequestID recovers the request id from a line that failed to
// decode as a Request.
func bestEffortRequestID(line []byte) string {
	var loose map[string]any
	if err := json.Unmarshal(line, &loose); err == nil {
		if id, ok := loose["request_id"].(string); ok && id != "" {
			return id
		}
	}
	if m := requestIDPattern.FindSubmatch(line); m != nil && len(m[1]) > 0 {
		return string(m[1])
	}
	return UnknownRequestID
}

// toAppError maps domain and service errors onto the wire taxonomy.
func toAppError(err error) *apperrors.AppError {
	if appErr := apperrors.GetAppError(err); appErr != nil {
		return appErr
	}
	switch {
	case errors.Is(err, domain.ErrUserExists):
		return apperrors.WrapError(err, apperrors.ErrCodeAuth, "username already taken")
	case errors.Is(err, domain.ErrInvalidCredentials),
		errors.Is(err, services.ErrInvalidToken),
		errors.Is(err, services.ErrExpiredToken):
		return apperrors.WrapError(err, apperrors.ErrCodeAuth, "authentication failed")
	case errors.Is(err, domain.ErrChannelExists):
		return apperrors.WrapError(err, apperrors.ErrCodeState, "channel already exists")
	case errors.Is(err, domain.ErrChannelNotFound):
		return apperrors.WrapError(err, apperrors.ErrCodeState, "channel not found")
	case errors.Is(err, domain.ErrMessageNotFound):
		return apperrors.WrapError(err, apperrors.ErrCodeState, "message not found")
	default:
		return apperrors.NewInternalError("internal error", err)
	}
}
