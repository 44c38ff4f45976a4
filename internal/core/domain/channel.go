package domain

import (
	"time"

	"github.com/google/uuid"
)

// DefaultChannel exists in every store from the start.
const DefaultChannel = "general"

type Channel struct {
	Name      string    `json:"name"`
	Creator   string    `json:"creator"`
	CreatedAt time.Time `json:"created_at"`
}

// Message is one entry of a channel log. IDs are assigned by the author so
// copies held by different peers can be merged without duplicates.
type Message struct {
	ID        string    `json:"id"`
	Channel   string    `json:"channel"`
	Sender    string    `json:"sender"`
	Body      string    `json:"body"`
	Timestamp time.Time `json:"timestamp"`
	Deleted   bool      `json:"deleted,omitempty"`
}

func NewMessage(channel, sender, body string) *Message {
	return &Message{
		ID:        uuid.NewString(),
		Channel:   channel,
		Sender:    sender,
		Body:      body,
		Timestamp: time.Now().UTC(),
	}
}

// Clone returns a copy safe to hand out across goroutines.
func (m *Message) Clone() *Message {
	c := *m
	return &c
}

// OutboxEntry is a message written while offline and not yet accepted by
// the server.
type OutboxEntry struct {
	Channel string   `json:"channel"`
	Message *Message `json:"message"`
}
