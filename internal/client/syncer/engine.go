// Package syncer keeps a peer's view of channel logs consistent with the
// tracker across offline periods.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"segchat/internal/core/domain"
	"segchat/internal/core/ports"
	apperrors "segchat/pkg/errors"

	"github.com/samber/lo"
	"go.uber.org/zap"
)

// Remote is the authoritative side of synchronisation.
type Remote interface {
	Upload(ctx context.Context, channel string, msg *domain.Message) (*domain.Message, error)
	Download(ctx context.Context, channel string) ([]*domain.Message, error)
}

// Status is the presence mode of the local peer.
type Status struct {
	Online    bool `json:"online"`
	Invisible bool `json:"invisible"`
	Visitor   bool `json:"visitor"`
}

type Options struct {
	// OwnerFastPath serves reads of channels this peer created from local
	// history while online.
	OwnerFastPath bool
}

type Engine struct {
	remote  Remote
	history ports.LocalHistory
	opts    Options

	mu       sync.Mutex
	status   Status
	order    []string
	outbox   map[string][]*domain.Message
	unsynced map[string]bool
	cache    map[string][]*domain.Message
	owned    map[string]bool

	// flushMu keeps a single flush pass in flight.
	flushMu sync.Mutex

	logger *zap.SugaredLogger
}

func NewEngine(remote Remote, history ports.LocalHistory, opts Options, logger *zap.SugaredLogger) *Engine {
	return &Engine{
		remote:   remote,
		history:  history,
		opts:     opts,
		status:   Status{Online: true},
		outbox:   make(map[string][]*domain.Message),
		unsynced: make(map[string]bool),
		cache:    make(map[string][]*domain.Message),
		owned:    make(map[string]bool),
		logger:   logger,
	}
}

// Restore reloads an outbox persisted by a previous run.
func (e *Engine) Restore(ctx context.Context) error {
	entries, err := e.history.LoadOutbox(ctx)
	if err != nil {
		return fmt.Errorf("load outbox: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, entry := range entries {
		e.queueLocked(entry.Channel, entry.Message)
	}
	if len(entries) > 0 {
		e.logger.Infow("restored offline outbox", "messages", len(entries), "channels", len(e.order))
	}
	return nil
}

// EnqueueOffline queues msg for channel while the peer is not online.
func (e *Engine) EnqueueOffline(ctx context.Context, channel string, msg *domain.Message) error {
	e.mu.Lock()
	if e.status.Online {
		e.mu.Unlock()
		return apperrors.NewStateError("peer is online; send directly")
	}
	msg = msg.Clone()
	msg.Channel = channel
	e.queueLocked(channel, msg)
	e.cacheLocked(channel, msg)
	entries := e.entriesLocked()
	e.mu.Unlock()

	if err := e.history.Append(ctx, msg); err != nil {
		return fmt.Errorf("persist offline message: %w", err)
	}
	if err := e.history.SaveOutbox(ctx, entries); err != nil {
		return fmt.Errorf("persist outbox: %w", err)
	}

	e.logger.Debugw("message queued offline", "channel", channel, "id", msg.ID)
	return nil
}

func (e *Engine) queueLocked(channel string, msg *domain.Message) {
	if _, ok := e.outbox[channel]; !ok {
		e.order = append(e.order, channel)
	}
	e.outbox[channel] = append(e.outbox[channel], msg)
	e.unsynced[channel] = true
}

func (e *Engine) entriesLocked() []domain.OutboxEntry {
	var entries []domain.OutboxEntry
	for _, channel := range e.order {
		for _, msg := range e.outbox[channel] {
			entries = append(entries, domain.OutboxEntry{Channel: channel, Message: msg})
		}
	}
	return entries
}

// Flush uploads every queued message, channel by channel in the order the
// channels were first queued. A channel is cleared only once all of its
// messages are accepted. The first failure stops the pass.
func (e *Engine) Flush(ctx context.Context) error {
	e.flushMu.Lock()
	defer e.flushMu.Unlock()

	e.mu.Lock()
	channels := append([]string(nil), e.order...)
	e.mu.Unlock()

	for _, channel := range channels {
		e.mu.Lock()
		queued := append([]*domain.Message(nil), e.outbox[channel]...)
		e.mu.Unlock()

		for _, msg := range queued {
			if _, err := e.remote.Upload(ctx, channel, msg); err != nil {
				e.mu.Lock()
				e.unsynced[channel] = true
				e.mu.Unlock()
				e.logger.Warnw("flush stopped", "channel", channel, "id", msg.ID, "error", err)
				return apperrors.NewTransportError(fmt.Sprintf("flush channel %s", channel), err)
			}
		}

		e.mu.Lock()
		// Messages may only have been queued since the snapshot if the peer
		// went offline again; keep those.
		remaining := e.outbox[channel][len(queued):]
		if len(remaining) == 0 {
			delete(e.outbox, channel)
			e.order = lo.Without(e.order, channel)
			e.unsynced[channel] = false
		} else {
			e.outbox[channel] = remaining
		}
		entries := e.entriesLocked()
		e.mu.Unlock()

		if err := e.history.SaveOutbox(ctx, entries); err != nil {
			return fmt.Errorf("persist outbox: %w", err)
		}
		e.logger.Infow("channel synced", "channel", channel, "messages", len(queued))
	}
	return nil
}

// Reconcile merges local history, the cache and the tracker's log for
// channel. Tracker order comes first, followed by messages only known
// locally. The merge never drops a message; when the tracker cannot be
// reached the local view is returned.
func (e *Engine) Reconcile(ctx context.Context, channel string) ([]*domain.Message, error) {
	local, err := e.history.History(ctx, channel)
	if err != nil {
		e.logger.Warnw("local history unavailable", "channel", channel, "error", err)
		local = nil
	}

	e.mu.Lock()
	cached := cloneAll(e.cache[channel])
	fastPath := e.opts.OwnerFastPath && e.owned[channel] && e.status.Online && !e.status.Visitor
	e.mu.Unlock()

	var remote []*domain.Message
	if !fastPath {
		remote, err = e.remote.Download(ctx, channel)
		if err != nil {
			e.logger.Warnw("serving local view", "channel", channel, "error", err)
			remote = nil
		}
	}

	merged := Union(remote, local, cached)

	e.mu.Lock()
	// Anything received while the download was in flight is kept too.
	merged = Union(merged, e.cache[channel])
	e.cache[channel] = merged
	out := cloneAll(merged)
	e.mu.Unlock()

	// Append is idempotent; a known message is only updated when the
	// tracker has it deleted.
	for _, msg := range remote {
		if err := e.history.Append(ctx, msg); err != nil {
			e.logger.Warnw("failed to persist message", "channel", channel, "id", msg.ID, "error", err)
		}
	}
	return out, nil
}

// Union merges message lists by ID, keeping the first occurrence's position.
// A message is deleted if any copy is.
func Union(lists ...[]*domain.Message) []*domain.Message {
	var out []*domain.Message
	index := make(map[string]int)
	for _, list := range lists {
		for _, msg := range list {
			if msg == nil {
				continue
			}
			if i, ok := index[msg.ID]; ok {
				if msg.Deleted && !out[i].Deleted {
					out[i] = out[i].Clone()
					out[i].Deleted = true
				}
				continue
			}
			index[msg.ID] = len(out)
			out = append(out, msg)
		}
	}
	return out
}

// Receive records a message pushed by the tracker or another peer.
func (e *Engine) Receive(ctx context.Context, msg *domain.Message) error {
	msg = msg.Clone()
	e.mu.Lock()
	e.cacheLocked(msg.Channel, msg)
	e.mu.Unlock()

	return e.history.Append(ctx, msg)
}

func (e *Engine) cacheLocked(channel string, msg *domain.Message) {
	e.cache[channel] = Union(e.cache[channel], []*domain.Message{msg})
}

// MarkDeleted hides a message from the local view.
func (e *Engine) MarkDeleted(ctx context.Context, channel, messageID string) error {
	e.mu.Lock()
	for i, msg := range e.cache[channel] {
		if msg.ID == messageID {
			e.cache[channel][i] = msg.Clone()
			e.cache[channel][i].Deleted = true
		}
	}
	e.mu.Unlock()

	err := e.history.MarkDeleted(ctx, channel, messageID)
	if err != nil && !errors.Is(err, domain.ErrMessageNotFound) {
		return err
	}
	return nil
}

// Messages returns the cached log of channel, deleted entries included.
func (e *Engine) Messages(channel string) []*domain.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	return cloneAll(e.cache[channel])
}

// View returns the cached log of channel without deleted messages.
func (e *Engine) View(channel string) []*domain.Message {
	return lo.Filter(e.Messages(channel), func(m *domain.Message, _ int) bool { return !m.Deleted })
}

// Own records that this peer created channel.
func (e *Engine) Own(channel string) {
	e.mu.Lock()
	e.owned[channel] = true
	e.mu.Unlock()
}

func (e *Engine) Unsynced(channel string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.unsynced[channel]
}

// Pending lists queued messages in flush order.
func (e *Engine) Pending() []domain.OutboxEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.entriesLocked()
}

func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// GoOnline makes the peer online and visible and flushes the outbox.
func (e *Engine) GoOnline(ctx context.Context) error {
	e.setStatus(func(s *Status) {
		s.Online = true
		s.Invisible = false
	})
	return e.Flush(ctx)
}

func (e *Engine) GoOffline() {
	e.setStatus(func(s *Status) {
		s.Online = false
		s.Invisible = false
	})
}

// GoInvisible keeps the peer connected but hidden; it counts as offline.
func (e *Engine) GoInvisible() {
	e.setStatus(func(s *Status) {
		s.Online = false
		s.Invisible = true
	})
}

func (e *Engine) SetVisitor() {
	e.setStatus(func(s *Status) {
		s.Visitor = true
		s.Online = true
		s.Invisible = false
	})
}

func (e *Engine) SetAuthenticated() {
	e.setStatus(func(s *Status) {
		s.Visitor = false
		s.Online = true
		s.Invisible = false
	})
}

func (e *Engine) setStatus(apply func(*Status)) {
	e.mu.Lock()
	apply(&e.status)
	status := e.status
	e.mu.Unlock()

	e.logger.Infow("peer status changed",
		"online", status.Online,
		"invisible", status.Invisible,
		"visitor", status.Visitor,
	)
}

func cloneAll(msgs []*domain.Message) []*domain.Message {
	return lo.Map(msgs, func(m *domain.Message, _ int) *domain.Message { return m.Clone() })
}
