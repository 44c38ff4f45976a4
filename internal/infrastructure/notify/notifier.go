// Package notify delivers tracker notifications to peers.
//
// Delivery is best effort and at most once per pass: each reachable peer gets
// a fresh short-lived connection carrying a single JSON line. A peer that
// cannot be reached within the attempt budget is skipped, and nothing is
// queued for later.
package notify

import (
	"context"
	"fmt"
	"net"
	"time"

	"segchat/internal/core/domain"
	"segchat/internal/core/ports"
	"segchat/internal/infrastructure/monitoring"
	"segchat/pkg/framing"
	"segchat/pkg/retry"
	"segchat/pkg/tracing"

	"go.uber.org/zap"
)

type Config struct {
	Attempts int           // total tries per peer
	Timeout  time.Duration // per connection, covering dial and write
}

func DefaultConfig() Config {
	return Config{Attempts: 3, Timeout: 2 * time.Second}
}

// DialFunc opens the outbound connection for one delivery attempt.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

type Option func(*Notifier)

func WithDialFunc(dial DialFunc) Option {
	return func(n *Notifier) { n.dial = dial }
}

func WithMetrics(metrics *monitoring.PrometheusCollector) Option {
	return func(n *Notifier) { n.metrics = metrics }
}

// WithPublisher mirrors every notification to p once its pass completes.
// It may be given more than once.
func WithPublisher(p ports.EventPublisher) Option {
	return func(n *Notifier) { n.publishers = append(n.publishers, p) }
}

type Notifier struct {
	cfg        Config
	dial       DialFunc
	metrics    *monitoring.PrometheusCollector
	publishers []ports.EventPublisher
	logger     *zap.SugaredLogger
}

func NewNotifier(cfg Config, logger *zap.SugaredLogger, opts ...Option) *Notifier {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 1
	}
	n := &Notifier{
		cfg:    cfg,
		dial:   (&net.Dialer{}).DialContext,
		logger: logger,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Notify sends note to every target that is online and visible, one peer
// after another.
func (n *Notifier) Notify(ctx context.Context, targets []domain.PeerRecord, note *domain.Notification) domain.FanoutResult {
	start := time.Now()
	if note.SentAt.IsZero() {
		note.SentAt = start.UTC()
	}

	reachable := make([]domain.PeerRecord, 0, len(targets))
	for _, t := range targets {
		if t.Reachable() {
			reachable = append(reachable, t)
		}
	}

	ctx, span := tracing.TraceFanout(ctx, string(note.Type), note.Channel, len(reachable))
	defer span.End()

	result := domain.FanoutResult{Targets: len(reachable)}

	payload, err := framing.Encode(note)
	if err != nil {
		n.logger.Errorw("failed to encode notification", "type", note.Type, "error", err)
		tracing.RecordError(ctx, err)
		result.Dropped = len(reachable)
		return result
	}

	for _, peer := range reachable {
		if ctx.Err() != nil {
			result.Dropped++
			continue
		}
		addr := peer.Endpoint.String()
		cfg := retry.Fixed(n.cfg.Attempts, 0)
		err := retry.Retry(ctx, cfg, func() error {
			return n.deliver(ctx, addr, payload)
		})
		if err != nil {
			result.Dropped++
			n.logger.Warnw("notification dropped",
				"type", note.Type,
				"channel", note.Channel,
				"peer", addr,
				"username", peer.Username,
				"error", err,
			)
			continue
		}
		result.Delivered++
	}

	tracing.AddSpanAttributes(ctx,
		tracing.DeliveredKey.Int(result.Delivered),
		tracing.DroppedKey.Int(result.Dropped),
	)
	n.metrics.RecordFanout(string(note.Type), result.Delivered, result.Dropped, time.Since(start))
	for _, p := range n.publishers {
		p.Publish(note)
	}

	n.logger.Debugw("notification pass complete",
		"type", note.Type,
		"channel", note.Channel,
		"targets", result.Targets,
		"delivered", result.Delivered,
		"dropped", result.Dropped,
	)
	return result
}

func (n *Notifier) deliver(ctx context.Context, addr string, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, n.cfg.Timeout)
	defer cancel()

	conn, err := n.dial(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	}
	if _, err := conn.Write(payload); err != nil {
		return fmt.Errorf("write %s: %w", addr, err)
	}
	return nil
}
