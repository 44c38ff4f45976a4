// Package client implements a chat peer: its session with the tracker,
// its listeners for notifications and direct peer traffic, and its
// livestream video links.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"segchat/internal/client/syncer"
	"segchat/internal/core/domain"
	"segchat/internal/core/ports"
	"segchat/internal/infrastructure/monitoring"
	"segchat/internal/infrastructure/transport"
	"segchat/pkg/config"
	apperrors "segchat/pkg/errors"
	"segchat/pkg/framing"
	"segchat/pkg/retry"
	"segchat/pkg/validation"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const channelListAttempts = 3

type Config struct {
	ServerAddress  string
	ListenAddress  string
	Username       string
	Password       string
	Visitor        bool
	Invisible      bool
	OwnerFastPath  bool
	RequestTimeout time.Duration
	Transport      transport.Config
}

func NewConfig(cfg *config.Config) Config {
	return Config{
		ServerAddress:  cfg.Peer.ServerAddress,
		ListenAddress:  cfg.Peer.ListenAddress,
		Username:       cfg.Peer.Username,
		Password:       cfg.Peer.Password,
		Visitor:        cfg.Peer.Visitor,
		Invisible:      cfg.Peer.Invisible,
		OwnerFastPath:  cfg.Peer.OwnerFastPath,
		RequestTimeout: cfg.Peer.RequestTimeout,
		Transport:      transport.NewConfig(cfg),
	}
}

type Option func(*Node)

func WithEventHandler(h EventHandler) Option {
	return func(n *Node) { n.onEvent = h }
}

func WithFrameHandler(h transport.FrameHandler) Option {
	return func(n *Node) { n.onFrame = h }
}

func WithMetrics(metrics *monitoring.PrometheusCollector) Option {
	return func(n *Node) { n.metrics = metrics }
}

// ErrVisitor is returned for actions visitors may not take.
var ErrVisitor = apperrors.NewStateError("visitors can only view messages")

// Node is one chat peer.
type Node struct {
	cfg       Config
	sessionID domain.SessionID
	history   ports.LocalHistory

	session  *Session
	registry *transport.Registry
	engine   *syncer.Engine

	controlLn net.Listener
	videoLn   net.Listener
	port      int

	mu        sync.Mutex
	username  string
	token     string
	channels  []string
	streaming map[string]bool

	onEvent EventHandler
	onFrame transport.FrameHandler
	metrics *monitoring.PrometheusCollector

	cancel context.CancelFunc
	group  *errgroup.Group

	logger *zap.SugaredLogger
}

func NewNode(cfg Config, history ports.LocalHistory, logger *zap.SugaredLogger, opts ...Option) *Node {
	n := &Node{
		cfg:       cfg,
		sessionID: domain.SessionID(uuid.NewString()),
		history:   history,
		username:  cfg.Username,
		channels:  []string{domain.DefaultChannel},
		streaming: make(map[string]bool),
		onEvent:   func(Event) {},
		onFrame:   func(domain.Endpoint, []byte) {},
		logger:    logger,
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.username == "" {
		n.username = "Visitor_" + string(n.sessionID)[:8]
	}
	n.registry = transport.NewRegistry(cfg.Transport, logger,
		transport.WithMetrics(n.metrics),
		transport.WithMessageHandler(n.handleLine),
		transport.WithFrameHandler(func(from domain.Endpoint, frame []byte) { n.onFrame(from, frame) }),
	)
	return n
}

// Start opens the control listener, the video listener on the next port
// and the session with the tracker.
func (n *Node) Start(ctx context.Context) error {
	controlLn, err := net.Listen("tcp", n.cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen for peers on %s: %w", n.cfg.ListenAddress, err)
	}
	port := controlLn.Addr().(*net.TCPAddr).Port
	host, _, _ := net.SplitHostPort(n.cfg.ListenAddress)
	videoLn, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port+1)))
	if err != nil {
		controlLn.Close()
		return fmt.Errorf("listen for video on port %d: %w", port+1, err)
	}

	session, err := Dial(ctx, n.cfg.ServerAddress, n.cfg.Transport, n.cfg.RequestTimeout, n.logger)
	if err != nil {
		controlLn.Close()
		videoLn.Close()
		return err
	}

	n.controlLn, n.videoLn, n.port = controlLn, videoLn, port
	n.session = session
	n.engine = syncer.NewEngine(session, n.history, syncer.Options{OwnerFastPath: n.cfg.OwnerFastPath}, n.logger)
	if err := n.engine.Restore(ctx); err != nil {
		n.logger.Warnw("could not restore outbox", "error", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	group, runCtx := errgroup.WithContext(runCtx)
	n.cancel, n.group = cancel, group

	group.Go(func() error {
		return transport.Serve(runCtx, controlLn, func(conn net.Conn) {
			if _, err := n.registry.AcceptControl(conn); err != nil {
				n.logger.Debugw("inbound control connection refused", "error", err)
			}
		})
	})
	group.Go(func() error {
		return transport.Serve(runCtx, videoLn, func(conn net.Conn) {
			if _, err := n.registry.AcceptVideo(conn); err != nil {
				n.logger.Debugw("inbound video connection refused", "error", err)
			}
		})
	})

	n.logger.Infow("peer started",
		"port", port,
		"video_port", port+1,
		"tracker", n.cfg.ServerAddress,
		"session_id", n.sessionID,
	)
	return nil
}

func (n *Node) Port() int { return n.port }

func (n *Node) SessionID() domain.SessionID { return n.sessionID }

func (n *Node) Username() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.username
}

func (n *Node) Engine() *syncer.Engine { return n.engine }

func (n *Node) Registry() *transport.Registry { return n.registry }

func (n *Node) Status() syncer.Status { return n.engine.Status() }

// Register creates the configured account on the tracker.
func (n *Node) Register(ctx context.Context) error {
	return n.session.Register(ctx, n.Username(), n.cfg.Password)
}

// Join logs in (or enters as a visitor), announces this peer, loads the
// channel list and connects to every known peer.
func (n *Node) Join(ctx context.Context) error {
	if n.cfg.Visitor {
		n.engine.SetVisitor()
	} else {
		res, err := n.session.Login(ctx, n.Username(), n.cfg.Password)
		if err != nil {
			return err
		}
		if !res.Success {
			return apperrors.NewAuthError("invalid username or password")
		}
		n.mu.Lock()
		n.token = res.Token
		n.mu.Unlock()
		n.engine.SetAuthenticated()
	}

	if err := n.announce(ctx, n.cfg.Invisible); err != nil {
		return err
	}
	if n.cfg.Invisible {
		n.engine.GoInvisible()
	}

	n.RefreshChannels(ctx)
	if _, err := n.ConnectToPeers(ctx); err != nil {
		n.logger.Warnw("could not reach peers", "error", err)
	}
	return nil
}

func (n *Node) announce(ctx context.Context, invisible bool) error {
	n.mu.Lock()
	a := Announce{
		Username:  n.username,
		Port:      n.port,
		SessionID: n.sessionID,
		Visitor:   n.cfg.Visitor,
		Invisible: invisible,
		Token:     n.token,
	}
	n.mu.Unlock()
	if a.Token == "" && !a.Visitor {
		a.Password = n.cfg.Password
	}

	_, err := n.session.SubmitInfo(ctx, a)
	return err
}

// RefreshChannels asks the tracker for the channel list, falling back to
// the default channel when it cannot answer.
func (n *Node) RefreshChannels(ctx context.Context) []string {
	cfg := retry.Fixed(channelListAttempts, 0)
	names, err := retry.RetryWithResult(ctx, cfg, func() ([]string, error) {
		return n.session.ChannelList(ctx)
	})
	if err != nil {
		n.logger.Warnw("using default channel list", "error", err)
		names = []string{domain.DefaultChannel}
	}

	n.mu.Lock()
	n.channels = names
	n.mu.Unlock()
	return append([]string(nil), names...)
}

func (n *Node) Channels() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.channels...)
}

// Peers returns the tracker's listing without this peer.
func (n *Node) Peers(ctx context.Context) ([]domain.PeerRecord, error) {
	peers, err := n.session.PeerList(ctx)
	if err != nil {
		return nil, err
	}
	return lo.Filter(peers, func(p domain.PeerRecord, _ int) bool {
		return p.SessionID != n.sessionID
	}), nil
}

// ConnectToPeers opens control connections to every listed peer not yet
// connected and reports how many are connected afterwards.
func (n *Node) ConnectToPeers(ctx context.Context) (int, error) {
	peers, err := n.Peers(ctx)
	if err != nil {
		return 0, err
	}

	var errs []error
	connected := 0
	for _, p := range peers {
		if _, err := n.registry.Connect(ctx, p.Endpoint); err != nil {
			errs = append(errs, err)
			continue
		}
		connected++
	}
	return connected, errors.Join(errs...)
}

func (n *Node) guardVisitor() error {
	if n.engine.Status().Visitor {
		return ErrVisitor
	}
	return nil
}

// Send posts body to channel. Online, the tracker stores it and notifies
// every peer; otherwise it waits in the outbox.
func (n *Node) Send(ctx context.Context, channel, body string) (*domain.Message, error) {
	if err := n.guardVisitor(); err != nil {
		return nil, err
	}
	msg := domain.NewMessage(channel, n.Username(), body)

	if !n.engine.Status().Online {
		if err := n.engine.EnqueueOffline(ctx, channel, msg); err != nil {
			return nil, err
		}
		return msg, nil
	}

	stored, err := n.session.Upload(ctx, channel, msg)
	if err != nil {
		return nil, err
	}
	if err := n.engine.Receive(ctx, stored); err != nil {
		n.logger.Warnw("failed to record sent message", "id", stored.ID, "error", err)
	}
	return stored, nil
}

// Broadcast sends body straight to every connected peer.
func (n *Node) Broadcast(ctx context.Context, channel, body string) (int, error) {
	if err := n.guardVisitor(); err != nil {
		return 0, err
	}
	msg := domain.NewMessage(channel, n.Username(), body)

	if !n.engine.Status().Online {
		return 0, n.engine.EnqueueOffline(ctx, channel, msg)
	}
	if _, err := n.ConnectToPeers(ctx); err != nil {
		n.logger.Debugw("some peers unreachable before broadcast", "error", err)
	}

	sent, err := n.registry.Broadcast(&domain.Notification{
		Type:    domain.NotificationChat,
		Channel: channel,
		Message: msg,
		SentAt:  time.Now().UTC(),
	})
	if recvErr := n.engine.Receive(ctx, msg); recvErr != nil {
		n.logger.Warnw("failed to record broadcast message", "id", msg.ID, "error", recvErr)
	}
	return sent, err
}

// SendToPeer sends body to a single peer over a direct connection.
func (n *Node) SendToPeer(ctx context.Context, peer domain.Endpoint, channel, body string) error {
	if err := n.guardVisitor(); err != nil {
		return err
	}
	msg := domain.NewMessage(channel, n.Username(), body)

	if !n.engine.Status().Online {
		return n.engine.EnqueueOffline(ctx, channel, msg)
	}
	if _, err := n.registry.Connect(ctx, peer); err != nil {
		return err
	}
	return n.registry.SendTo(peer, &domain.Notification{
		Type:    domain.NotificationChat,
		Channel: channel,
		Message: msg,
		SentAt:  time.Now().UTC(),
	})
}

// DeleteMessage soft-deletes a message everywhere.
func (n *Node) DeleteMessage(ctx context.Context, channel, messageID string) error {
	if err := n.guardVisitor(); err != nil {
		return err
	}
	if err := n.session.DeleteMessage(ctx, channel, messageID, n.Username()); err != nil {
		return err
	}
	return n.engine.MarkDeleted(ctx, channel, messageID)
}

func (n *Node) CreateChannel(ctx context.Context, name string) error {
	if err := n.guardVisitor(); err != nil {
		return err
	}
	if _, err := n.session.CreateChannel(ctx, name, n.Username()); err != nil {
		return err
	}
	n.engine.Own(name)
	n.addChannel(name)
	return nil
}

func (n *Node) addChannel(name string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !lo.Contains(n.channels, name) {
		n.channels = append(n.channels, name)
	}
}

// History returns the reconciled log of channel.
func (n *Node) History(ctx context.Context, channel string) ([]*domain.Message, error) {
	return n.engine.Reconcile(ctx, channel)
}

// GoOnline re-announces this peer, flushes the outbox and reconnects to
// peers.
func (n *Node) GoOnline(ctx context.Context) error {
	if err := n.announce(ctx, false); err != nil {
		return err
	}
	if _, err := n.session.UpdateStatus(ctx, n.port, true, false); err != nil {
		return err
	}
	flushErr := n.engine.GoOnline(ctx)
	if _, err := n.ConnectToPeers(ctx); err != nil {
		n.logger.Debugw("some peers unreachable", "error", err)
	}
	n.emit(Event{Kind: EventStatus, Text: string(domain.StatusOnline)})
	return flushErr
}

func (n *Node) GoOffline(ctx context.Context) error {
	n.engine.GoOffline()
	n.emit(Event{Kind: EventStatus, Text: string(domain.StatusOffline)})
	_, err := n.session.UpdateStatus(ctx, n.port, false, false)
	return err
}

func (n *Node) GoInvisible(ctx context.Context) error {
	n.engine.GoInvisible()
	n.emit(Event{Kind: EventStatus, Text: string(domain.StatusInvisible)})
	if err := n.announce(ctx, true); err != nil {
		return err
	}
	_, err := n.session.UpdateStatus(ctx, n.port, false, true)
	return err
}

// StartLivestream joins the channel's roster and opens video links to
// every known peer.
func (n *Node) StartLivestream(ctx context.Context, channel string) (bool, error) {
	if err := n.guardVisitor(); err != nil {
		return false, err
	}
	peers, err := n.Peers(ctx)
	if err != nil {
		return false, err
	}
	targets := lo.Map(peers, func(p domain.PeerRecord, _ int) string { return p.Username })

	status, err := n.session.StartLivestream(ctx, channel, n.Username(), targets)
	if err != nil {
		return false, err
	}

	n.mu.Lock()
	n.streaming[channel] = true
	n.mu.Unlock()

	for _, p := range peers {
		if _, err := n.registry.ConnectVideo(ctx, p.Endpoint); err != nil {
			n.logger.Warnw("no video link to peer", "peer", p.Endpoint.String(), "error", err)
		}
	}
	return status.Primary == n.Username(), nil
}

// StopLivestream leaves the roster. Video links close once this peer
// streams nowhere.
func (n *Node) StopLivestream(ctx context.Context, channel string) error {
	if _, err := n.session.StopLivestream(ctx, channel, n.Username()); err != nil {
		return err
	}

	n.mu.Lock()
	delete(n.streaming, channel)
	idle := len(n.streaming) == 0
	n.mu.Unlock()

	if idle {
		n.registry.DisconnectVideo()
	}
	return nil
}

// SendFrame pushes one video frame to every video link.
func (n *Node) SendFrame(frame []byte) (int, error) {
	n.mu.Lock()
	streaming := len(n.streaming) > 0
	n.mu.Unlock()
	if !streaming {
		return 0, apperrors.NewStateError("not streaming")
	}
	return n.registry.BroadcastFrame(frame), nil
}

// Close leaves the tracker, says goodbye to peers and stops listening.
// Nothing queued is drained.
func (n *Node) Close(ctx context.Context) error {
	if n.session != nil {
		if _, err := n.session.Disconnect(ctx, n.port, n.Username()); err != nil {
			n.logger.Debugw("disconnect notice not acknowledged", "error", err)
		}
		_ = n.session.Close()
	}
	_ = n.registry.Close()

	if n.cancel != nil {
		n.cancel()
		return n.group.Wait()
	}
	return nil
}

func (n *Node) emit(ev Event) {
	n.onEvent(ev)
}

// handleLine processes traffic from the tracker's notifications and from
// other peers.
func (n *Node) handleLine(from domain.Endpoint, line []byte) {
	ctx := context.Background()

	var note domain.Notification
	if err := framing.DecodeLine(line, &note); err != nil {
		n.logger.Debugw("undecodable message from peer", "from", from.String(), "error", err)
		return
	}

	switch note.Type {
	case domain.NotificationMessage, domain.NotificationChat:
		if note.Message == nil {
			return
		}
		if note.Message.Channel == "" {
			note.Message.Channel = note.Channel
		}
		if !validChannel(note.Message.Channel) {
			n.logger.Debugw("dropping message for invalid channel", "from", from.String(), "channel", note.Message.Channel)
			return
		}
		if err := n.engine.Receive(ctx, note.Message); err != nil {
			n.logger.Warnw("failed to record message", "id", note.Message.ID, "error", err)
		}
		kind := EventMessage
		if note.Type == domain.NotificationChat {
			kind = EventChat
		}
		n.emit(Event{Kind: kind, Channel: note.Channel, Message: note.Message, Notification: &note, From: from})

	case domain.NotificationDelete:
		if !validChannel(note.Channel) {
			return
		}
		if err := n.engine.MarkDeleted(ctx, note.Channel, note.MessageID); err != nil {
			n.logger.Warnw("failed to delete message", "id", note.MessageID, "error", err)
		}
		n.emit(Event{Kind: EventDelete, Channel: note.Channel, Notification: &note, From: from})

	case domain.NotificationChannelCreation:
		if !validChannel(note.Channel) {
			return
		}
		n.addChannel(note.Channel)
		n.emit(Event{Kind: EventChannel, Channel: note.Channel, Notification: &note, From: from, Text: note.Text})

	case domain.NotificationLivestreamStart, domain.NotificationLivestreamStop, domain.NotificationLivestreamPrimary:
		n.emit(Event{Kind: EventLivestream, Channel: note.Channel, Notification: &note, From: from, Text: note.Text})

	case framing.TypeBye:
		n.registry.Disconnect(from)

	default:
		n.logger.Debugw("ignoring message", "type", note.Type, "from", from.String())
	}
}

// validChannel reports whether name is a channel name the tracker would
// accept. Peers can send any name over a direct connection.
func validChannel(name string) bool {
	return name == strings.TrimSpace(name) && validation.ValidateChannelName(name) == nil
}
