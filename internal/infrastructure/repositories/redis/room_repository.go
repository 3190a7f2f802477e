package redis

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"

	"castroom/internal/core/domain"
	"castroom/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "castroom:"

// Room layout:
//
//	castroom:room:<id>              hash {data, active, max, code}
//	castroom:room:<id>:participants hash user id -> participant json
//	castroom:code:<code>            string room id, active rooms only
//	castroom:user:<id>:rooms        zset room id scored by created_at
var (
	createRoomScript = redis.NewScript(`
if redis.call('SET', KEYS[2], ARGV[1], 'NX') == false then
	return 0
end
redis.call('HSET', KEYS[1], 'data', ARGV[2], 'active', '1', 'max', ARGV[3], 'code', ARGV[4])
redis.call('HSET', KEYS[3], ARGV[5], ARGV[6])
redis.call('ZADD', KEYS[4], ARGV[7], ARGV[1])
return 1`)

	addParticipantScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 'missing'
end
if redis.call('HGET', KEYS[1], 'active') ~= '1' then
	return 'inactive'
end
if redis.call('HEXISTS', KEYS[2], ARGV[1]) == 1 then
	return 'exists'
end
if redis.call('HLEN', KEYS[2]) >= tonumber(redis.call('HGET', KEYS[1], 'max')) then
	return 'full'
end
redis.call('HSET', KEYS[2], ARGV[1], ARGV[2])
redis.call('ZADD', KEYS[3], ARGV[3], ARGV[4])
return 'ok'`)

	endRoomScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
if redis.call('HGET', KEYS[1], 'active') == '1' then
	redis.call('HSET', KEYS[1], 'active', '0')
	local codeKey = ARGV[2] .. redis.call('HGET', KEYS[1], 'code')
	if redis.call('GET', codeKey) == ARGV[1] then
		redis.call('DEL', codeKey)
	end
end
return 1`)
)

// roomRecord is the immutable part of a room.
type roomRecord struct {
	ID              domain.RoomID `json:"id"`
	Code            string        `json:"code"`
	Name            string        `json:"name"`
	HostID          domain.UserID `json:"host_id"`
	HostName        string        `json:"host_name"`
	MaxParticipants int           `json:"max_participants"`
	CreatedAt       int64         `json:"created_at"`
}

type RedisRoomRepository struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisRoomRepository(client redis.UniversalClient) ports.RoomStore {
	return &RedisRoomRepository{
		client: client,
		prefix: keyPrefix,
	}
}

func (r *RedisRoomRepository) roomKey(id domain.RoomID) string {
	return r.prefix + "room:" + string(id)
}

func (r *RedisRoomRepository) participantsKey(id domain.RoomID) string {
	return r.roomKey(id) + ":participants"
}

func (r *RedisRoomRepository) codePrefix() string {
	return r.prefix + "code:"
}

func (r *RedisRoomRepository) userRoomsKey(id domain.UserID) string {
	return r.prefix + "user:" + string(id) + ":rooms"
}

func (r *RedisRoomRepository) Create(ctx context.Context, room *domain.Room) error {
	if !room.IsActive {
		return fmt.Errorf("refusing to create inactive room %s", room.ID)
	}
	host := slices.IndexFunc(room.Participants, func(p domain.Participant) bool { return p.IsHost })
	if host < 0 {
		return fmt.Errorf("room %s has no host participant", room.ID)
	}

	data, err := json.Marshal(roomRecord{
		ID:              room.ID,
		Code:            room.Code,
		Name:            room.Name,
		HostID:          room.HostID,
		HostName:        room.HostName,
		MaxParticipants: room.MaxParticipants,
		CreatedAt:       room.CreatedAt.UnixNano(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal room: %w", err)
	}
	hostData, err := json.Marshal(room.Participants[host])
	if err != nil {
		return fmt.Errorf("failed to marshal participant: %w", err)
	}

	keys := []string{
		r.roomKey(room.ID),
		r.codePrefix() + room.Code,
		r.participantsKey(room.ID),
		r.userRoomsKey(room.HostID),
	}
	created, err := createRoomScript.Run(ctx, r.client, keys,
		string(room.ID), data, room.MaxParticipants, room.Code,
		string(room.HostID), hostData, room.CreatedAt.UnixNano(),
	).Int()
	if err != nil {
		return fmt.Errorf("failed to create room in Redis: %w", err)
	}
	if created == 0 {
		return domain.ErrCodeTaken
	}
	return nil
}

func (r *RedisRoomRepository) GetByID(ctx context.Context, id domain.RoomID) (*domain.Room, error) {
	var meta *redis.MapStringStringCmd
	var members *redis.StringSliceCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		meta = pipe.HGetAll(ctx, r.roomKey(id))
		members = pipe.HVals(ctx, r.participantsKey(id))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get room from Redis: %w", err)
	}
	return decodeRoom(meta.Val(), members.Val())
}

func decodeRoom(meta map[string]string, members []string) (*domain.Room, error) {
	if len(meta) == 0 {
		return nil, domain.ErrRoomNotFound
	}

	var rec roomRecord
	if err := json.Unmarshal([]byte(meta["data"]), &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal room: %w", err)
	}
	maxParticipants, err := strconv.Atoi(meta["max"])
	if err != nil {
		return nil, fmt.Errorf("corrupt room capacity %q: %w", meta["max"], err)
	}

	room := &domain.Room{
		ID:              rec.ID,
		Code:            rec.Code,
		Name:            rec.Name,
		HostID:          rec.HostID,
		HostName:        rec.HostName,
		MaxParticipants: maxParticipants,
		IsActive:        meta["active"] == "1",
		Participants:    make([]domain.Participant, 0, len(members)),
	}
	room.CreatedAt = unixNano(rec.CreatedAt)

	for _, raw := range members {
		var p domain.Participant
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, fmt.Errorf("failed to unmarshal participant: %w", err)
		}
		room.Participants = append(room.Participants, p)
	}
	slices.SortFunc(room.Participants, func(a, b domain.Participant) int {
		if c := a.JoinedAt.Compare(b.JoinedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return room, nil
}

func (r *RedisRoomRepository) GetActiveByCode(ctx context.Context, code string) (*domain.Room, error) {
	id, err := r.client.Get(ctx, r.codePrefix()+code).Result()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrRoomNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve room code: %w", err)
	}

	room, err := r.GetByID(ctx, domain.RoomID(id))
	if err != nil {
		return nil, err
	}
	if !room.IsActive {
		return nil, domain.ErrRoomNotFound
	}
	return room, nil
}

func (r *RedisRoomRepository) AddParticipant(ctx context.Context, id domain.RoomID, p domain.Participant) (*domain.Room, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal participant: %w", err)
	}

	keys := []string{r.roomKey(id), r.participantsKey(id), r.userRoomsKey(p.ID)}
	result, err := addParticipantScript.Run(ctx, r.client, keys, string(p.ID), data, p.JoinedAt.UnixNano(), string(id)).Text()
	if err != nil {
		return nil, fmt.Errorf("failed to add participant in Redis: %w", err)
	}

	switch result {
	case "missing":
		return nil, domain.ErrRoomNotFound
	case "inactive":
		return nil, domain.ErrRoomInactive
	case "full":
		return nil, domain.ErrRoomFull
	}
	return r.GetByID(ctx, id)
}

func (r *RedisRoomRepository) RemoveParticipant(ctx context.Context, id domain.RoomID, userID domain.UserID) (*domain.Room, error) {
	room, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, r.participantsKey(id), string(userID))
		if userID != room.HostID {
			pipe.ZRem(ctx, r.userRoomsKey(userID), string(id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to remove participant in Redis: %w", err)
	}
	return r.GetByID(ctx, id)
}

func (r *RedisRoomRepository) End(ctx context.Context, id domain.RoomID) (*domain.Room, error) {
	found, err := endRoomScript.Run(ctx, r.client, []string{r.roomKey(id)}, string(id), r.codePrefix()).Int()
	if err != nil {
		return nil, fmt.Errorf("failed to end room in Redis: %w", err)
	}
	if found == 0 {
		return nil, domain.ErrRoomNotFound
	}
	return r.GetByID(ctx, id)
}

func (r *RedisRoomRepository) ListByUser(ctx context.Context, userID domain.UserID) ([]*domain.Room, error) {
	ids, err := r.client.ZRevRange(ctx, r.userRoomsKey(userID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list rooms from Redis: %w", err)
	}

	rooms := make([]*domain.Room, 0, len(ids))
	for _, id := range ids {
		room, err := r.GetByID(ctx, domain.RoomID(id))
		if errors.Is(err, domain.ErrRoomNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, room)
	}
	return rooms, nil
}
