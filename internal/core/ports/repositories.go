package ports

import (
	"context"

	"segchat/internal/core/domain"
)

// ChatStore is the authoritative persistence used by the tracker. Channel and
// message listings come back in arrival order.
type ChatStore interface {
	// SaveMessage appends msg unless its ID is already in the channel log
	// and reports whether it was stored.
	SaveMessage(ctx context.Context, msg *domain.Message) (bool, error)
	GetMessages(ctx context.Context, channel string) ([]*domain.Message, error)
	MarkDeleted(ctx context.Context, channel, messageID string) error

	CreateChannel(ctx context.Context, ch *domain.Channel) error
	GetChannels(ctx context.Context) ([]*domain.Channel, error)

	RegisterUser(ctx context.Context, cred *domain.Credential) error
	GetCredential(ctx context.Context, username string) (*domain.Credential, error)

	Ping(ctx context.Context) error
	Close() error
}

// LocalHistory is the per-peer persisted copy of channel logs and of the
// offline outbox.
type LocalHistory interface {
	// Append stores msg unless a message with the same ID is already present.
	Append(ctx context.Context, msg *domain.Message) error
	History(ctx context.Context, channel string) ([]*domain.Message, error)
	MarkDeleted(ctx context.Context, channel, messageID string) error

	// SaveOutbox replaces the persisted outbox with entries.
	SaveOutbox(ctx context.Context, entries []domain.OutboxEntry) error
	LoadOutbox(ctx context.Context) ([]domain.OutboxEntry, error)

	Close() error
}
