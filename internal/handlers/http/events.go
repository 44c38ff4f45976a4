package http

import (
	"net/http"
	"sync"
	"time"

	"segchat/internal/core/domain"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	// the feed is read-only and carries no credentials
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

const subscriberBuffer = 64

// EventHub relays every fanned-out notification to websocket subscribers.
// Slow subscribers lose events rather than stalling the fan-out.
type EventHub struct {
	mu          sync.RWMutex
	subscribers map[*websocket.Conn]chan *domain.Notification

	pingInterval time.Duration
	writeTimeout time.Duration
	logger       *zap.SugaredLogger
}

func NewEventHub(logger *zap.SugaredLogger) *EventHub {
	return &EventHub{
		subscribers:  make(map[*websocket.Conn]chan *domain.Notification),
		pingInterval: 30 * time.Second,
		writeTimeout: 10 * time.Second,
		logger:       logger,
	}
}

// Publish implements ports.EventPublisher.
func (h *EventHub) Publish(n *domain.Notification) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for conn, ch := range h.subscribers {
		select {
		case ch <- n:
		default:
			h.logger.Debugw("event subscriber lagging, dropping event",
				"remote", conn.RemoteAddr().String(),
				"type", n.Type,
			)
		}
	}
}

// Subscribers reports how many feeds are attached.
func (h *EventHub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

func (h *EventHub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	events := make(chan *domain.Notification, subscriberBuffer)
	h.mu.Lock()
	h.subscribers[conn] = events
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.subscribers, conn)
		h.mu.Unlock()
		h.logger.Infow("event subscriber detached", "remote", conn.RemoteAddr().String())
	}()
	h.logger.Infow("event subscriber attached", "remote", conn.RemoteAddr().String())

	// Incoming frames are discarded; reading is how close frames get seen.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					h.logger.Infow("event subscriber read failed", "error", err)
				}
				return
			}
		}
	}()

	pingTicker := time.NewTicker(h.pingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case n := <-events:
			conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if err := conn.WriteJSON(n); err != nil {
				h.logger.Infow("error writing event", "error", err)
				return
			}
		case <-pingTicker.C:
			conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}
