package client

import (
	"segchat/internal/core/domain"
)

type EventKind string

const (
	EventMessage    EventKind = "message"
	EventChat       EventKind = "chat"
	EventDelete     EventKind = "delete"
	EventChannel    EventKind = "channel"
	EventLivestream EventKind = "livestream"
	EventStatus     EventKind = "status"
)

// Event is something the node observed that a user interface may want to
// show.
type Event struct {
	Kind         EventKind
	Channel      string
	Message      *domain.Message
	Notification *domain.Notification
	From         domain.Endpoint
	Text         string
}

// EventHandler is called from receive goroutines and must not block.
type EventHandler func(Event)
