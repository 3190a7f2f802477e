package redis

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"castroom/internal/core/domain"
	"castroom/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

// appendMessageScript assigns the next seq and a server timestamp in
// microseconds, clamped so it never goes backwards within a room. Values are
// stored as "<micros>:<json>".
var appendMessageScript = redis.NewScript(`
local seq = redis.call('INCR', KEYS[1])
local t = redis.call('TIME')
local now = tonumber(t[1]) * 1000000 + tonumber(t[2])
local last = tonumber(redis.call('GET', KEYS[2]) or '0')
if now <= last then
	now = last + 1
end
local stamp = string.format('%d', now)
redis.call('SET', KEYS[2], stamp)
redis.call('HSET', KEYS[3], seq, stamp .. ':' .. ARGV[1])
return {seq, stamp}`)

type RedisMessageRepository struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisMessageRepository(client redis.UniversalClient) ports.MessageStore {
	return &RedisMessageRepository{
		client: client,
		prefix: keyPrefix + "chat:",
	}
}

func (r *RedisMessageRepository) keys(roomID domain.RoomID) []string {
	base := r.prefix + string(roomID)
	return []string{base + ":seq", base + ":last", base + ":messages"}
}

func (r *RedisMessageRepository) Append(ctx context.Context, msg *domain.ChatMessage) error {
	body := *msg
	body.Seq = 0
	body.CreatedAt = time.Time{}
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	res, err := appendMessageScript.Run(ctx, r.client, r.keys(msg.RoomID), data).Slice()
	if err != nil {
		return fmt.Errorf("failed to append message in Redis: %w", err)
	}
	if len(res) != 2 {
		return fmt.Errorf("unexpected append reply %v", res)
	}

	seq, ok := res[0].(int64)
	if !ok {
		return fmt.Errorf("unexpected seq type %T", res[0])
	}
	stamp, ok := res[1].(string)
	if !ok {
		return fmt.Errorf("unexpected timestamp type %T", res[1])
	}
	micros, err := strconv.ParseInt(stamp, 10, 64)
	if err != nil {
		return fmt.Errorf("corrupt timestamp %q: %w", stamp, err)
	}

	msg.Seq = seq
	msg.CreatedAt = time.UnixMicro(micros).UTC()
	return nil
}

func (r *RedisMessageRepository) List(ctx context.Context, roomID domain.RoomID) ([]domain.ChatMessage, error) {
	raw, err := r.client.HGetAll(ctx, r.keys(roomID)[2]).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list messages from Redis: %w", err)
	}

	msgs := make([]domain.ChatMessage, 0, len(raw))
	for field, value := range raw {
		seq, err := strconv.ParseInt(field, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("corrupt message seq %q: %w", field, err)
		}
		stamp, data, found := strings.Cut(value, ":")
		if !found {
			return nil, fmt.Errorf("corrupt message %d", seq)
		}
		micros, err := strconv.ParseInt(stamp, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("corrupt timestamp for message %d: %w", seq, err)
		}

		var msg domain.ChatMessage
		if err := json.Unmarshal([]byte(data), &msg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal message: %w", err)
		}
		msg.Seq = seq
		msg.CreatedAt = time.UnixMicro(micros).UTC()
		msgs = append(msgs, msg)
	}

	slices.SortFunc(msgs, func(a, b domain.ChatMessage) int { return cmp.Compare(a.Seq, b.Seq) })
	return msgs, nil
}
