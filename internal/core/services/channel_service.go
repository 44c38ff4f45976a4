package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"segchat/internal/core/domain"
	"segchat/internal/core/ports"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

type channelService struct {
	store ports.ChatStore
}

func NewChannelService(store ports.ChatStore) ports.ChannelService {
	return &channelService{store: store}
}

func (s *channelService) Append(ctx context.Context, channel string, msg *domain.Message) (*domain.Message, bool, error) {
	stored := msg.Clone()
	stored.Channel = channel
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.Timestamp.IsZero() {
		stored.Timestamp = time.Now().UTC()
	}

	if _, err := s.Create(ctx, channel, stored.Sender); err != nil && !errors.Is(err, domain.ErrChannelExists) {
		return nil, false, err
	}

	created, err := s.store.SaveMessage(ctx, stored)
	if err != nil {
		return nil, false, fmt.Errorf("failed to save message: %w", err)
	}
	return stored, created, nil
}

func (s *channelService) History(ctx context.Context, channel string) ([]*domain.Message, error) {
	return s.store.GetMessages(ctx, channel)
}

func (s *channelService) Create(ctx context.Context, name, creator string) (*domain.Channel, error) {
	ch := &domain.Channel{
		Name:      name,
		Creator:   creator,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateChannel(ctx, ch); err != nil {
		return nil, err
	}
	return ch, nil
}

func (s *channelService) Names(ctx context.Context) ([]string, error) {
	channels, err := s.store.GetChannels(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list channels: %w", err)
	}

	names := lo.Map(channels, func(ch *domain.Channel, _ int) string { return ch.Name })
	if !lo.Contains(names, domain.DefaultChannel) {
		names = append([]string{domain.DefaultChannel}, names...)
	}
	return names, nil
}

func (s *channelService) Delete(ctx context.Context, channel, messageID string) error {
	return s.store.MarkDeleted(ctx, channel, messageID)
}
