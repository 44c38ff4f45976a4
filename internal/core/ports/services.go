package ports

import (
	"context"

	"segchat/internal/core/domain"
)

// Notifier pushes one notification to every reachable peer in targets.
type Notifier interface {
	Notify(ctx context.Context, targets []domain.PeerRecord, n *domain.Notification) domain.FanoutResult
}

// EventPublisher receives a copy of every notification the tracker fans out.
type EventPublisher interface {
	Publish(n *domain.Notification)
}

// ChannelService owns channel logs on the tracker side.
type ChannelService interface {
	// Append stores msg in channel, creating the channel when absent.
	// Re-appending a message ID already in the log is a no-op and reports
	// false.
	Append(ctx context.Context, channel string, msg *domain.Message) (*domain.Message, bool, error)
	History(ctx context.Context, channel string) ([]*domain.Message, error)
	Create(ctx context.Context, name, creator string) (*domain.Channel, error)
	Names(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, channel, messageID string) error
}
