package memory

import (
	"context"
	"sync"

	"segchat/internal/core/domain"
	"segchat/internal/core/ports"
)

// MemoryLocalHistory keeps a peer's history for the lifetime of the process.
type MemoryLocalHistory struct {
	mu       sync.RWMutex
	messages map[string][]*domain.Message
	ids      map[string]map[string]int
	outbox   []domain.OutboxEntry
}

func NewMemoryLocalHistory() ports.LocalHistory {
	return &MemoryLocalHistory{
		messages: make(map[string][]*domain.Message),
		ids:      make(map[string]map[string]int),
	}
}

func (h *MemoryLocalHistory) Append(ctx context.Context, msg *domain.Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	index, ok := h.ids[msg.Channel]
	if !ok {
		index = make(map[string]int)
		h.ids[msg.Channel] = index
	}
	if idx, dup := index[msg.ID]; dup {
		if msg.Deleted {
			h.messages[msg.Channel][idx].Deleted = true
		}
		return nil
	}
	index[msg.ID] = len(h.messages[msg.Channel])
	h.messages[msg.Channel] = append(h.messages[msg.Channel], msg.Clone())
	return nil
}

func (h *MemoryLocalHistory) History(ctx context.Context, channel string) ([]*domain.Message, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	log := h.messages[channel]
	out := make([]*domain.Message, len(log))
	for i, m := range log {
		out[i] = m.Clone()
	}
	return out, nil
}

func (h *MemoryLocalHistory) MarkDeleted(ctx context.Context, channel, messageID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	idx, ok := h.ids[channel][messageID]
	if !ok {
		return domain.ErrMessageNotFound
	}
	h.messages[channel][idx].Deleted = true
	return nil
}

func (h *MemoryLocalHistory) SaveOutbox(ctx context.Context, entries []domain.OutboxEntry) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.outbox = make([]domain.OutboxEntry, len(entries))
	for i, e := range entries {
		h.outbox[i] = domain.OutboxEntry{Channel: e.Channel, Message: e.Message.Clone()}
	}
	return nil
}

func (h *MemoryLocalHistory) LoadOutbox(ctx context.Context) ([]domain.OutboxEntry, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]domain.OutboxEntry, len(h.outbox))
	for i, e := range h.outbox {
		out[i] = domain.OutboxEntry{Channel: e.Channel, Message: e.Message.Clone()}
	}
	return out, nil
}

func (h *MemoryLocalHistory) Close() error {
	return nil
}
