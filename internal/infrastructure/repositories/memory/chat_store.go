package memory

import (
	"context"
	"sync"
	"time"

	"segchat/internal/core/domain"
	"segchat/internal/core/ports"
)

type MemoryChatStore struct {
	mu       sync.RWMutex
	channels map[string]*domain.Channel
	order    []string
	messages map[string][]*domain.Message
	ids      map[string]map[string]int
	users    map[string]*domain.Credential
}

// NewMemoryChatStore returns an empty store seeded with the default channel.
func NewMemoryChatStore() ports.ChatStore {
	s := &MemoryChatStore{
		channels: make(map[string]*domain.Channel),
		messages: make(map[string][]*domain.Message),
		ids:      make(map[string]map[string]int),
		users:    make(map[string]*domain.Credential),
	}
	s.addChannelLocked(&domain.Channel{Name: domain.DefaultChannel, Creator: "system", CreatedAt: time.Now().UTC()})
	return s
}

func (s *MemoryChatStore) SaveMessage(ctx context.Context, msg *domain.Message) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.channels[msg.Channel]; !exists {
		return false, domain.ErrChannelNotFound
	}
	index := s.ids[msg.Channel]
	if _, dup := index[msg.ID]; dup {
		return false, nil
	}
	index[msg.ID] = len(s.messages[msg.Channel])
	s.messages[msg.Channel] = append(s.messages[msg.Channel], msg.Clone())
	return true, nil
}

func (s *MemoryChatStore) GetMessages(ctx context.Context, channel string) ([]*domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log := s.messages[channel]
	out := make([]*domain.Message, len(log))
	for i, m := range log {
		out[i] = m.Clone()
	}
	return out, nil
}

func (s *MemoryChatStore) MarkDeleted(ctx context.Context, channel, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, ok := s.ids[channel][messageID]
	if !ok {
		return domain.ErrMessageNotFound
	}
	s.messages[channel][idx].Deleted = true
	return nil
}

func (s *MemoryChatStore) CreateChannel(ctx context.Context, ch *domain.Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.channels[ch.Name]; exists {
		return domain.ErrChannelExists
	}
	s.addChannelLocked(ch)
	return nil
}

func (s *MemoryChatStore) addChannelLocked(ch *domain.Channel) {
	c := *ch
	s.channels[ch.Name] = &c
	s.order = append(s.order, ch.Name)
	s.ids[ch.Name] = make(map[string]int)
}

func (s *MemoryChatStore) GetChannels(ctx context.Context) ([]*domain.Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.Channel, 0, len(s.order))
	for _, name := range s.order {
		c := *s.channels[name]
		out = append(out, &c)
	}
	return out, nil
}

func (s *MemoryChatStore) RegisterUser(ctx context.Context, cred *domain.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.users[cred.Username]; exists {
		return domain.ErrUserExists
	}
	c := *cred
	s.users[cred.Username] = &c
	return nil
}

func (s *MemoryChatStore) GetCredential(ctx context.Context, username string) (*domain.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cred, exists := s.users[username]
	if !exists {
		return nil, domain.ErrUserNotFound
	}
	c := *cred
	return &c, nil
}

func (s *MemoryChatStore) Ping(ctx context.Context) error {
	return nil
}

func (s *MemoryChatStore) Close() error {
	return nil
}
