package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"segchat/internal/core/domain"
	"segchat/internal/infrastructure/monitoring"
	"segchat/pkg/config"
	apperrors "segchat/pkg/errors"
	"segchat/pkg/framing"
	"segchat/pkg/retry"

	"go.uber.org/zap"
)

const (
	poolControl = "control"
	poolVideo   = "video"
)

type Config struct {
	ConnectAttempts int
	ConnectPause    time.Duration
	DialTimeout     time.Duration
	PingInterval    time.Duration
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	MaxLineBytes    int
	MaxFrameBytes   int
}

func DefaultConfig() Config {
	return Config{
		ConnectAttempts: 3,
		ConnectPause:    time.Second,
		DialTimeout:     5 * time.Second,
		PingInterval:    10 * time.Second,
		ReadTimeout:     20 * time.Second,
		WriteTimeout:    5 * time.Second,
		MaxLineBytes:    framing.DefaultMaxLineBytes,
		MaxFrameBytes:   framing.DefaultMaxFrameBytes,
	}
}

func NewConfig(cfg *config.Config) Config {
	return Config{
		ConnectAttempts: cfg.Transport.ConnectAttempts,
		ConnectPause:    cfg.Transport.ConnectPause,
		DialTimeout:     cfg.Transport.DialTimeout,
		PingInterval:    cfg.Transport.PingInterval,
		ReadTimeout:     cfg.Transport.ReadTimeout,
		WriteTimeout:    cfg.Transport.WriteTimeout,
		MaxLineBytes:    cfg.Server.MaxLineBytes,
		MaxFrameBytes:   cfg.Transport.MaxFrameBytes,
	}
}

// MessageHandler receives control messages from any pooled connection.
type MessageHandler func(from domain.Endpoint, line []byte)

// DialFunc opens one outbound TCP connection.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

type Option func(*Registry)

func WithDialFunc(dial DialFunc) Option {
	return func(r *Registry) { r.dial = dial }
}

func WithMetrics(metrics *monitoring.PrometheusCollector) Option {
	return func(r *Registry) { r.metrics = metrics }
}

func WithMessageHandler(h MessageHandler) Option {
	return func(r *Registry) { r.onMessage = h }
}

func WithFrameHandler(h FrameHandler) Option {
	return func(r *Registry) { r.onFrame = h }
}

// Registry owns a peer's connections to other peers: one pool of control
// connections and one of video connections, both keyed by endpoint.
// Connections remove themselves from their pool when they fail.
type Registry struct {
	cfg Config

	mu      sync.RWMutex
	control map[string]*ControlConn
	video   map[string]*VideoConn
	closed  bool

	dial      DialFunc
	onMessage MessageHandler
	onFrame   FrameHandler
	metrics   *monitoring.PrometheusCollector
	logger    *zap.SugaredLogger
}

func NewRegistry(cfg Config, logger *zap.SugaredLogger, opts ...Option) *Registry {
	r := &Registry{
		cfg:       cfg,
		control:   make(map[string]*ControlConn),
		video:     make(map[string]*VideoConn),
		dial:      (&net.Dialer{}).DialContext,
		onMessage: func(domain.Endpoint, []byte) {},
		onFrame:   func(domain.Endpoint, []byte) {},
		logger:    logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Connect returns the pooled control connection to ep, dialing it when
// absent. Dialing makes up to ConnectAttempts tries with a fixed pause.
func (r *Registry) Connect(ctx context.Context, ep domain.Endpoint) (*ControlConn, error) {
	key := ep.String()

	r.mu.RLock()
	existing, ok := r.control[key]
	r.mu.RUnlock()
	if ok {
		return existing, nil
	}

	conn, err := r.dialWithRetry(ctx, poolControl, key)
	if err != nil {
		return nil, err
	}
	return r.addControl(ep, NewControlConn(conn, ep, r.cfg))
}

// ConnectVideo returns the pooled video connection for the peer whose
// control endpoint is ep. The dial goes to ep's video port.
func (r *Registry) ConnectVideo(ctx context.Context, ep domain.Endpoint) (*VideoConn, error) {
	key := ep.String()

	r.mu.RLock()
	existing, ok := r.video[key]
	r.mu.RUnlock()
	if ok {
		return existing, nil
	}

	conn, err := r.dialWithRetry(ctx, poolVideo, ep.Video().String())
	if err != nil {
		return nil, err
	}
	return r.addVideo(ep, NewVideoConn(conn, ep, r.cfg))
}

// AcceptControl pools an inbound control connection under its remote
// address and starts reading from it.
func (r *Registry) AcceptControl(conn net.Conn) (*ControlConn, error) {
	ep := endpointOf(conn.RemoteAddr())
	return r.addControl(ep, NewControlConn(conn, ep, r.cfg))
}

// AcceptVideo pools an inbound video connection under its remote address.
func (r *Registry) AcceptVideo(conn net.Conn) (*VideoConn, error) {
	ep := endpointOf(conn.RemoteAddr())
	return r.addVideo(ep, NewVideoConn(conn, ep, r.cfg))
}

func (r *Registry) dialWithRetry(ctx context.Context, pool, addr string) (net.Conn, error) {
	cfg := retry.Fixed(r.cfg.ConnectAttempts, r.cfg.ConnectPause)
	cfg.OnRetry = func(attempt int, err error) {
		r.logger.Warnw("connect attempt failed",
			"pool", pool,
			"address", addr,
			"attempt", attempt,
			"error", err,
		)
	}

	conn, err := retry.RetryWithResult(ctx, cfg, func() (net.Conn, error) {
		dialCtx := ctx
		if r.cfg.DialTimeout > 0 {
			var cancel context.CancelFunc
			dialCtx, cancel = context.WithTimeout(ctx, r.cfg.DialTimeout)
			defer cancel()
		}
		conn, err := r.dial(dialCtx, "tcp", addr)
		r.metrics.RecordDial(pool, err == nil)
		return conn, err
	})
	if err != nil {
		r.logger.Errorw("giving up on peer", "pool", pool, "address", addr, "error", err)
		return nil, apperrors.NewTransportError(fmt.Sprintf("connect %s", addr), err)
	}
	return conn, nil
}

func (r *Registry) addControl(ep domain.Endpoint, c *ControlConn) (*ControlConn, error) {
	key := ep.String()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		c.Close()
		return nil, apperrors.NewStateError("registry closed")
	}
	if existing, ok := r.control[key]; ok {
		r.mu.Unlock()
		c.Close()
		return existing, nil
	}
	r.control[key] = c
	size := len(r.control)
	r.mu.Unlock()

	r.metrics.SetPoolSize(poolControl, size)
	r.logger.Debugw("control connection added", "endpoint", key)

	go func() {
		err := c.Run(func(line []byte) { r.onMessage(ep, line) })
		r.removeControl(key, c)
		if err != nil && !errors.Is(err, net.ErrClosed) {
			r.logger.Infow("control connection closed", "endpoint", key, "error", err)
		}
	}()
	return c, nil
}

func (r *Registry) addVideo(ep domain.Endpoint, v *VideoConn) (*VideoConn, error) {
	key := ep.String()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		v.Close()
		return nil, apperrors.NewStateError("registry closed")
	}
	if existing, ok := r.video[key]; ok {
		r.mu.Unlock()
		v.Close()
		return existing, nil
	}
	r.video[key] = v
	size := len(r.video)
	r.mu.Unlock()

	r.metrics.SetPoolSize(poolVideo, size)

	go func() {
		err := v.Run(func(from domain.Endpoint, frame []byte) {
			r.metrics.RecordVideoBytes("in", len(frame))
			r.onFrame(from, frame)
		})
		r.removeVideo(key, v)
		if err != nil && !errors.Is(err, net.ErrClosed) {
			r.logger.Infow("video connection closed", "endpoint", key, "error", err)
		}
	}()
	return v, nil
}

func (r *Registry) removeControl(key string, c *ControlConn) {
	r.mu.Lock()
	if r.control[key] == c {
		delete(r.control, key)
	}
	size := len(r.control)
	r.mu.Unlock()
	r.metrics.SetPoolSize(poolControl, size)
}

func (r *Registry) removeVideo(key string, v *VideoConn) {
	r.mu.Lock()
	if r.video[key] == v {
		delete(r.video, key)
	}
	size := len(r.video)
	r.mu.Unlock()
	r.metrics.SetPoolSize(poolVideo, size)
}

// SendTo writes v to the pooled control connection for ep.
func (r *Registry) SendTo(ep domain.Endpoint, v any) error {
	r.mu.RLock()
	c, ok := r.control[ep.String()]
	r.mu.RUnlock()
	if !ok {
		return apperrors.NewStateError(fmt.Sprintf("no control connection to %s", ep))
	}
	if err := c.Send(v); err != nil {
		c.Close()
		return apperrors.NewTransportError(fmt.Sprintf("send to %s", ep), err)
	}
	return nil
}

// Broadcast writes v to every pooled control connection and returns how
// many writes succeeded. Failed connections are closed.
func (r *Registry) Broadcast(v any) (int, error) {
	data, err := framing.Encode(v)
	if err != nil {
		return 0, err
	}

	var errs []error
	sent := 0
	for _, c := range r.controlConns() {
		if err := c.write(data); err != nil {
			c.Close()
			errs = append(errs, err)
			continue
		}
		sent++
	}
	return sent, errors.Join(errs...)
}

// SendFrame writes one frame to the video connection for ep.
func (r *Registry) SendFrame(ep domain.Endpoint, frame []byte) error {
	r.mu.RLock()
	v, ok := r.video[ep.String()]
	r.mu.RUnlock()
	if !ok {
		return apperrors.NewStateError(fmt.Sprintf("no video connection to %s", ep))
	}
	if err := v.WriteFrame(frame); err != nil {
		if !apperrors.HasCode(err, apperrors.ErrCodeProtocol) {
			v.Close()
		}
		return err
	}
	r.metrics.RecordVideoBytes("out", len(frame))
	return nil
}

// BroadcastFrame writes frame to every video connection and returns how
// many writes succeeded.
func (r *Registry) BroadcastFrame(frame []byte) int {
	r.mu.RLock()
	conns := make([]*VideoConn, 0, len(r.video))
	for _, v := range r.video {
		conns = append(conns, v)
	}
	r.mu.RUnlock()

	sent := 0
	for _, v := range conns {
		if err := v.WriteFrame(frame); err != nil {
			r.logger.Debugw("frame write failed", "endpoint", v.Endpoint().String(), "error", err)
			if !apperrors.HasCode(err, apperrors.ErrCodeProtocol) {
				v.Close()
			}
			continue
		}
		r.metrics.RecordVideoBytes("out", len(frame))
		sent++
	}
	return sent
}

// Disconnect closes and forgets the control connection to ep.
func (r *Registry) Disconnect(ep domain.Endpoint) {
	r.mu.RLock()
	c, ok := r.control[ep.String()]
	r.mu.RUnlock()
	if ok {
		c.Close()
		r.removeControl(ep.String(), c)
	}
}

// DisconnectVideo closes every video connection.
func (r *Registry) DisconnectVideo() {
	r.mu.Lock()
	conns := r.video
	r.video = make(map[string]*VideoConn)
	r.mu.Unlock()

	for _, v := range conns {
		v.Close()
	}
	r.metrics.SetPoolSize(poolVideo, 0)
}

func (r *Registry) ControlEndpoints() []domain.Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.Endpoint, 0, len(r.control))
	for _, c := range r.control {
		out = append(out, c.Endpoint())
	}
	return out
}

func (r *Registry) VideoEndpoints() []domain.Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.Endpoint, 0, len(r.video))
	for _, v := range r.video {
		out = append(out, v.Endpoint())
	}
	return out
}

// Close sends a single bye to every control peer and closes all
// connections. Nothing in flight is drained.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	control := r.control
	video := r.video
	r.control = make(map[string]*ControlConn)
	r.video = make(map[string]*VideoConn)
	r.mu.Unlock()

	bye, _ := framing.Encode(framing.Envelope{Type: framing.TypeBye})
	for _, c := range control {
		_ = c.write(bye)
		c.Close()
	}
	for _, v := range video {
		v.Close()
	}
	return nil
}

func (r *Registry) controlConns() []*ControlConn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*ControlConn, 0, len(r.control))
	for _, c := range r.control {
		out = append(out, c)
	}
	return out
}

func endpointOf(addr net.Addr) domain.Endpoint {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return domain.Endpoint{Host: tcp.IP.String(), Port: tcp.Port}
	}
	ep, err := domain.ParseEndpoint(addr.String())
	if err != nil {
		return domain.Endpoint{Host: addr.String()}
	}
	return ep
}
