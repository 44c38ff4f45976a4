package domain

import "time"

type NotificationType string

const (
	NotificationMessage           NotificationType = "notification"
	NotificationChannelCreation   NotificationType = "channel_creation"
	NotificationLivestreamStart   NotificationType = "livestream_start"
	NotificationLivestreamStop    NotificationType = "livestream_stop"
	NotificationLivestreamPrimary NotificationType = "livestream_primary"
	NotificationDelete            NotificationType = "delete"

	// NotificationChat is a message sent directly between peers.
	NotificationChat NotificationType = "chat"
)

// Notification is pushed to peers on their listening endpoint, one JSON
// line per connection.
type Notification struct {
	Type      NotificationType `json:"type"`
	Channel   string           `json:"channel,omitempty"`
	Message   *Message         `json:"message,omitempty"`
	MessageID string           `json:"message_id,omitempty"`
	Username  string           `json:"username,omitempty"`
	Primary   string           `json:"primary,omitempty"`
	Targets   []string         `json:"targets,omitempty"`
	Text      string           `json:"text,omitempty"`
	SentAt    time.Time        `json:"sent_at"`
}

// FanoutResult counts the outcome of one notification pass.
type FanoutResult struct {
	Targets   int
	Delivered int
	Dropped   int
}
