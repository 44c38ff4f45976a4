package badger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"segchat/internal/core/domain"
	"segchat/internal/core/ports"

	"github.com/dgraph-io/badger/v4"
)

// Key layout, where {ch} is the channel name preceded by its byte length
// (e.g. "7:general") so no channel's keys fall under another's prefix:
//
//	msg:{ch}:{seq}  message JSON, seq zero padded so a prefix scan
//	                returns arrival order
//	idx:{ch}:{id}   key of the message with that ID
//	seq:{ch}        last sequence number used in channel
//	outbox          JSON array of pending entries
var outboxKey = []byte("outbox")

func channelSegment(channel string) string {
	return strconv.Itoa(len(channel)) + ":" + channel
}

func messagePrefix(channel string) []byte { return []byte("msg:" + channelSegment(channel) + ":") }
func messageKey(channel string, seq uint64) []byte {
	return []byte(fmt.Sprintf("msg:%s:%019d", channelSegment(channel), seq))
}
func indexKey(channel, id string) []byte { return []byte("idx:" + channelSegment(channel) + ":" + id) }
func seqKey(channel string) []byte       { return []byte("seq:" + channelSegment(channel)) }

// BadgerLocalHistory persists a peer's channel logs and outbox under its
// data directory.
type BadgerLocalHistory struct {
	db *badger.DB
	// serializes sequence allocation
	mu sync.Mutex
}

// OpenBadgerLocalHistory opens (or creates) the store in dir.
func OpenBadgerLocalHistory(dir string) (ports.LocalHistory, error) {
	db, err := badger.Open(badger.DefaultOptions(dir).WithLoggingLevel(badger.ERROR))
	if err != nil {
		return nil, fmt.Errorf("failed to open history in %s: %w", dir, err)
	}
	return &BadgerLocalHistory{db: db}, nil
}

func (h *BadgerLocalHistory) Append(ctx context.Context, msg *domain.Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(indexKey(msg.Channel, msg.ID))
		switch {
		case err == nil:
			if !msg.Deleted {
				return nil
			}
			key, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			return markDeleted(txn, key)
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}

		seq, err := nextSeq(txn, msg.Channel)
		if err != nil {
			return err
		}
		data, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		key := messageKey(msg.Channel, seq)
		if err := txn.Set(key, data); err != nil {
			return err
		}
		return txn.Set(indexKey(msg.Channel, msg.ID), key)
	})
}

func nextSeq(txn *badger.Txn, channel string) (uint64, error) {
	var seq uint64
	item, err := txn.Get(seqKey(channel))
	switch {
	case err == nil:
		err = item.Value(func(val []byte) error {
			seq = binary.BigEndian.Uint64(val)
			return nil
		})
		if err != nil {
			return 0, err
		}
	case !errors.Is(err, badger.ErrKeyNotFound):
		return 0, err
	}
	seq++
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, seq)
	return seq, txn.Set(seqKey(channel), buf)
}

func markDeleted(txn *badger.Txn, key []byte) error {
	item, err := txn.Get(key)
	if err != nil {
		return err
	}
	var msg domain.Message
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &msg)
	}); err != nil {
		return err
	}
	if msg.Deleted {
		return nil
	}
	msg.Deleted = true
	data, err := json.Marshal(&msg)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}

func (h *BadgerLocalHistory) History(ctx context.Context, channel string) ([]*domain.Message, error) {
	out := []*domain.Message{}
	err := h.db.View(func(txn *badger.Txn) error {
		prefix := messagePrefix(channel)
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var msg domain.Message
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &msg)
			}); err != nil {
				return err
			}
			out = append(out, &msg)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (h *BadgerLocalHistory) MarkDeleted(ctx context.Context, channel, messageID string) error {
	return h.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(indexKey(channel, messageID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return domain.ErrMessageNotFound
		}
		if err != nil {
			return err
		}
		key, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		return markDeleted(txn, key)
	})
}

func (h *BadgerLocalHistory) SaveOutbox(ctx context.Context, entries []domain.OutboxEntry) error {
	if entries == nil {
		entries = []domain.OutboxEntry{}
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	return h.db.Update(func(txn *badger.Txn) error {
		return txn.Set(outboxKey, data)
	})
}

func (h *BadgerLocalHistory) LoadOutbox(ctx context.Context) ([]domain.OutboxEntry, error) {
	var entries []domain.OutboxEntry
	err := h.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(outboxKey)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &entries)
		})
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func (h *BadgerLocalHistory) Close() error {
	return h.db.Close()
}
