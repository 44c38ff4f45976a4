package services

import (
	"sync"

	"segchat/internal/core/domain"

	"go.uber.org/zap"
)

// PresenceTracker holds the peer directory. Records are keyed by endpoint
// and listed in the order they were last announced.
type PresenceTracker struct {
	mu      sync.Mutex
	records map[string]domain.PeerRecord
	order   []string
	logger  *zap.SugaredLogger
}

func NewPresenceTracker(logger *zap.SugaredLogger) *PresenceTracker {
	return &PresenceTracker{
		records: make(map[string]domain.PeerRecord),
		logger:  logger,
	}
}

// Upsert removes whatever is stored for rec's endpoint and inserts rec at
// the end of the listing. Nothing from the previous record is kept.
func (t *PresenceTracker) Upsert(rec domain.PeerRecord) {
	key := rec.Endpoint.String()

	t.mu.Lock()
	defer t.mu.Unlock()

	t.removeLocked(key)
	t.order = append(t.order, key)
	t.records[key] = rec

	t.logger.Debugw("peer announced",
		"endpoint", key,
		"username", rec.Username,
		"visitor", rec.Visitor,
		"invisible", rec.Invisible,
	)
}

// Remove deletes the record at ep and reports whether one existed.
func (t *PresenceTracker) Remove(ep domain.Endpoint) bool {
	key := ep.String()

	t.mu.Lock()
	defer t.mu.Unlock()

	return t.removeLocked(key)
}

func (t *PresenceTracker) removeLocked(key string) bool {
	if _, exists := t.records[key]; !exists {
		return false
	}
	delete(t.records, key)
	for i, k := range t.order {
		if k == key {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	return true
}

// UpdateStatus changes presence flags in place. Unknown endpoints are ignored.
func (t *PresenceTracker) UpdateStatus(ep domain.Endpoint, online, invisible bool) bool {
	key := ep.String()

	t.mu.Lock()
	defer t.mu.Unlock()

	rec, exists := t.records[key]
	if !exists {
		return false
	}
	rec.Online = online
	rec.Invisible = invisible
	t.records[key] = rec
	return true
}

// Snapshot returns copies of every record that is not invisible.
func (t *PresenceTracker) Snapshot() []domain.PeerRecord {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]domain.PeerRecord, 0, len(t.order))
	for _, key := range t.order {
		rec := t.records[key]
		if rec.Invisible {
			continue
		}
		out = append(out, rec)
	}
	return out
}

func (t *PresenceTracker) Get(ep domain.Endpoint) (domain.PeerRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[ep.String()]
	return rec, ok
}

func (t *PresenceTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}
