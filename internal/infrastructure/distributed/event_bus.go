package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"segchat/internal/core/domain"
	"segchat/pkg/circuitbreaker"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	DefaultChannel = "segchat:events"
	publishBuffer  = 256
	publishTimeout = 2 * time.Second
)

// Event is a notification tagged with the tracker instance that fanned it
// out.
type Event struct {
	InstanceID   string               `json:"instance_id"`
	Notification *domain.Notification `json:"notification"`
}

// EventBus mirrors fanned-out notifications to a Redis pub/sub channel so
// dashboards attached to any tracker sharing the store see all of them.
// Publishing never blocks the fan-out: events are queued and written by a
// background goroutine, and dropped while Redis is unavailable.
type EventBus struct {
	client     *redis.Client
	channel    string
	instanceID string
	breaker    *circuitbreaker.CircuitBreaker
	logger     *zap.SugaredLogger

	queue     chan *domain.Notification
	done      chan struct{}
	closeOnce sync.Once
}

func NewEventBus(client *redis.Client, instanceID string, logger *zap.SugaredLogger) *EventBus {
	breaker := circuitbreaker.New(circuitbreaker.Config{
		FailureThreshold: 3,
		SuccessThreshold: 1,
		Timeout:          30 * time.Second,
	})
	breaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Infow("event bus breaker changed state", "from", from.String(), "to", to.String())
	})

	eb := &EventBus{
		client:     client,
		channel:    DefaultChannel,
		instanceID: instanceID,
		breaker:    breaker,
		logger:     logger,
		queue:      make(chan *domain.Notification, publishBuffer),
		done:       make(chan struct{}),
	}
	go eb.run()
	return eb
}

// Publish implements ports.EventPublisher.
func (eb *EventBus) Publish(n *domain.Notification) {
	select {
	case <-eb.done:
		return
	default:
	}
	select {
	case eb.queue <- n:
	default:
		eb.logger.Debugw("event bus queue full, dropping event", "type", n.Type)
	}
}

func (eb *EventBus) run() {
	for {
		select {
		case <-eb.done:
			return
		case n := <-eb.queue:
			if err := eb.publish(n); err != nil {
				eb.logger.Debugw("event not mirrored", "type", n.Type, "error", err)
			}
		}
	}
}

func (eb *EventBus) publish(n *domain.Notification) error {
	data, err := json.Marshal(Event{InstanceID: eb.instanceID, Notification: n})
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return eb.breaker.Execute(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		return eb.client.Publish(ctx, eb.channel, data).Err()
	})
}

// Subscribe delivers notifications published by other instances to handler
// until ctx is cancelled.
func (eb *EventBus) Subscribe(ctx context.Context, handler func(*domain.Notification)) error {
	pubsub := eb.client.Subscribe(ctx, eb.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", eb.channel, err)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				eb.logger.Warnw("failed to unmarshal event", "error", err)
				continue
			}
			if event.InstanceID == eb.instanceID || event.Notification == nil {
				continue
			}
			handler(event.Notification)
		}
	}
}

func (eb *EventBus) Close() error {
	eb.closeOnce.Do(func() { close(eb.done) })
	return nil
}
