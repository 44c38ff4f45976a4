package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"segchat/internal/core/domain"
	"segchat/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix       = "segchat:"
	channelOrderKey = keyPrefix + "channels"
	channelMetaKey  = keyPrefix + "channel:meta"
	usersKey        = keyPrefix + "users"
)

func messagesKey(channel string) string { return keyPrefix + "messages:" + channel }
func indexKey(channel string) string    { return keyPrefix + "message_index:" + channel }

// saveMessageScript appends a message once per ID. It returns -1 when the
// channel is unknown, 0 for a duplicate and 1 when the message was stored.
var saveMessageScript = redis.NewScript(`
if redis.call('HEXISTS', KEYS[1], ARGV[1]) == 0 then
	return -1
end
if redis.call('HEXISTS', KEYS[3], ARGV[2]) == 1 then
	return 0
end
local n = redis.call('RPUSH', KEYS[2], ARGV[3])
redis.call('HSET', KEYS[3], ARGV[2], n - 1)
return 1
`)

// markDeletedScript rewrites the stored entry in place. The payload is
// decoded and re-encoded in Lua so concurrent appends keep their positions.
var markDeletedScript = redis.NewScript(`
local idx = redis.call('HGET', KEYS[2], ARGV[1])
if not idx then
	return 0
end
local raw = redis.call('LINDEX', KEYS[1], idx)
local msg = cjson.decode(raw)
msg['deleted'] = true
redis.call('LSET', KEYS[1], idx, cjson.encode(msg))
return 1
`)

// RedisChatStore keeps channel logs as Redis lists with a per-channel hash
// from message ID to list position.
type RedisChatStore struct {
	client *redis.Client
}

func NewRedisChatStore(client *redis.Client) ports.ChatStore {
	return &RedisChatStore{client: client}
}

func (r *RedisChatStore) SaveMessage(ctx context.Context, msg *domain.Message) (bool, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return false, fmt.Errorf("failed to marshal message: %w", err)
	}

	keys := []string{channelMetaKey, messagesKey(msg.Channel), indexKey(msg.Channel)}
	res, err := saveMessageScript.Run(ctx, r.client, keys, msg.Channel, msg.ID, data).Int()
	if err != nil {
		return false, fmt.Errorf("failed to save message in Redis: %w", err)
	}
	if res < 0 {
		return false, domain.ErrChannelNotFound
	}
	return res == 1, nil
}

func (r *RedisChatStore) GetMessages(ctx context.Context, channel string) ([]*domain.Message, error) {
	raw, err := r.client.LRange(ctx, messagesKey(channel), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read messages from Redis: %w", err)
	}

	out := make([]*domain.Message, 0, len(raw))
	for _, item := range raw {
		var msg domain.Message
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal message: %w", err)
		}
		out = append(out, &msg)
	}
	return out, nil
}

func (r *RedisChatStore) MarkDeleted(ctx context.Context, channel, messageID string) error {
	keys := []string{messagesKey(channel), indexKey(channel)}
	found, err := markDeletedScript.Run(ctx, r.client, keys, messageID).Int()
	if err != nil {
		return fmt.Errorf("failed to mark message deleted in Redis: %w", err)
	}
	if found == 0 {
		return domain.ErrMessageNotFound
	}
	return nil
}

func (r *RedisChatStore) CreateChannel(ctx context.Context, ch *domain.Channel) error {
	added, err := addChannel(ctx, r.client, ch)
	if err != nil {
		return err
	}
	if !added {
		return domain.ErrChannelExists
	}
	return nil
}

// addChannel records ch unless a channel with the same name exists.
func addChannel(ctx context.Context, client *redis.Client, ch *domain.Channel) (bool, error) {
	data, err := json.Marshal(ch)
	if err != nil {
		return false, fmt.Errorf("failed to marshal channel: %w", err)
	}
	added, err := client.HSetNX(ctx, channelMetaKey, ch.Name, data).Result()
	if err != nil {
		return false, fmt.Errorf("failed to create channel in Redis: %w", err)
	}
	if !added {
		return false, nil
	}
	if err := client.RPush(ctx, channelOrderKey, ch.Name).Err(); err != nil {
		return false, fmt.Errorf("failed to record channel order: %w", err)
	}
	return true, nil
}

func (r *RedisChatStore) GetChannels(ctx context.Context) ([]*domain.Channel, error) {
	names, err := r.client.LRange(ctx, channelOrderKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read channel order: %w", err)
	}
	if len(names) == 0 {
		return []*domain.Channel{}, nil
	}

	raw, err := r.client.HMGet(ctx, channelMetaKey, names...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read channels: %w", err)
	}

	out := make([]*domain.Channel, 0, len(names))
	for i, item := range raw {
		s, ok := item.(string)
		if !ok {
			// order entry without metadata, keep the name
			out = append(out, &domain.Channel{Name: names[i]})
			continue
		}
		var ch domain.Channel
		if err := json.Unmarshal([]byte(s), &ch); err != nil {
			return nil, fmt.Errorf("failed to unmarshal channel: %w", err)
		}
		out = append(out, &ch)
	}
	return out, nil
}

type credentialRecord struct {
	Username     string `json:"username"`
	PasswordHash []byte `json:"password_hash"`
	CreatedAt    int64  `json:"created_at"`
}

func (r *RedisChatStore) RegisterUser(ctx context.Context, cred *domain.Credential) error {
	data, err := json.Marshal(credentialRecord{
		Username:     cred.Username,
		PasswordHash: cred.PasswordHash,
		CreatedAt:    cred.CreatedAt.UnixNano(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal credential: %w", err)
	}
	added, err := r.client.HSetNX(ctx, usersKey, cred.Username, data).Result()
	if err != nil {
		return fmt.Errorf("failed to register user in Redis: %w", err)
	}
	if !added {
		return domain.ErrUserExists
	}
	return nil
}

func (r *RedisChatStore) GetCredential(ctx context.Context, username string) (*domain.Credential, error) {
	data, err := r.client.HGet(ctx, usersKey, username).Result()
	if err == redis.Nil {
		return nil, domain.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user from Redis: %w", err)
	}

	var rec credentialRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal credential: %w", err)
	}
	return &domain.Credential{
		Username:     rec.Username,
		PasswordHash: rec.PasswordHash,
		CreatedAt:    unixNano(rec.CreatedAt),
	}, nil
}

func (r *RedisChatStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisChatStore) Close() error {
	return CloseRedisClient(r.client)
}

func unixNano(ns int64) time.Time {
	return time.Unix(0, ns).UTC()
}
