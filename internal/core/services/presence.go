package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"castroom/internal/core/domain"
	"castroom/internal/core/ports"
	apperrors "castroom/pkg/errors"
	"castroom/pkg/utils"
	"castroom/pkg/validation"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type PresenceConfig struct {
	CodeLength           int
	CodeAttempts         int
	MaxParticipantsLimit int
}

// PresenceController is the only writer of rooms and of the local room
// cache. Every mutation runs under the room's lock against a freshly fetched
// copy and commits through the store, which enforces capacity atomically.
type PresenceController struct {
	rooms   ports.RoomStore
	locker  ports.Locker
	feed    ports.Feed[domain.Room]
	cfg     PresenceConfig
	logger  *zap.SugaredLogger
	metrics ports.Metrics

	now     func() time.Time
	newCode func(n int) (string, error)

	mu    sync.RWMutex
	cache map[domain.RoomID]*domain.Room
}

func NewPresenceController(
	rooms ports.RoomStore,
	locker ports.Locker,
	feed ports.Feed[domain.Room],
	cfg PresenceConfig,
	logger *zap.SugaredLogger,
	metrics ports.Metrics,
) *PresenceController {
	if cfg.CodeLength <= 0 {
		cfg.CodeLength = 6
	}
	if cfg.CodeAttempts <= 0 {
		cfg.CodeAttempts = 5
	}
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &PresenceController{
		rooms:   rooms,
		locker:  locker,
		feed:    feed,
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		now:     func() time.Time { return time.Now().UTC() },
		newCode: generateRoomCode,
		cache:   make(map[domain.RoomID]*domain.Room),
	}
}

var _ ports.PresenceService = (*PresenceController)(nil)

// generateRoomCode draws n characters from the unambiguous code alphabet.
func generateRoomCode(n int) (string, error) {
	return utils.RandomString(n, validation.RoomCodeAlphabet)
}

func (c *PresenceController) CreateRoom(ctx context.Context, name string, maxParticipants int, host domain.User) (*domain.Room, error) {
	name = strings.TrimSpace(name)
	if err := validation.ValidateRoomName(name); err != nil {
		return nil, apperrors.NewValidationError(err.Error())
	}
	if err := validation.ValidateMaxParticipants(maxParticipants, c.cfg.MaxParticipantsLimit); err != nil {
		return nil, apperrors.NewValidationError(err.Error())
	}

	for attempt := 1; attempt <= c.cfg.CodeAttempts; attempt++ {
		code, err := c.newCode(c.cfg.CodeLength)
		if err != nil {
			return nil, apperrors.NewUnknownError("failed to generate room code", err)
		}

		now := c.now()
		room := &domain.Room{
			ID:              domain.RoomID(uuid.NewString()),
			Code:            code,
			Name:            name,
			HostID:          host.ID,
			HostName:        host.Name,
			MaxParticipants: maxParticipants,
			IsActive:        true,
			CreatedAt:       now,
			Participants:    []domain.Participant{domain.NewParticipant(host, true, now)},
		}

		err = c.rooms.Create(ctx, room)
		if errors.Is(err, domain.ErrCodeTaken) {
			c.logger.Debugw("room code collision, retrying",
				"code", code,
				"attempt", attempt,
			)
			continue
		}
		if err != nil {
			return nil, storeError(err)
		}

		c.store(room)
		c.publish(ctx, room)
		c.metrics.RoomCreated()
		c.logger.Infow("room created",
			"room_id", room.ID,
			"code", room.Code,
			"host_id", host.ID,
			"max_participants", maxParticipants,
		)
		return room.Clone(), nil
	}

	return nil, apperrors.NewConflictError("could not allocate a unique room code").
		WithContext("attempts", c.cfg.CodeAttempts)
}

// JoinRoom adds user to the active room with code. Rejoining is a no-op
// that reports joined=false.
func (c *PresenceController) JoinRoom(ctx context.Context, code string, user domain.User) (*domain.Room, bool, error) {
	code = validation.NormalizeRoomCode(code)
	if err := validation.ValidateRoomCode(code); err != nil {
		return nil, false, apperrors.NewValidationError(err.Error())
	}

	found, err := c.rooms.GetActiveByCode(ctx, code)
	if err != nil {
		c.metrics.RoomJoin("not_found")
		return nil, false, storeError(err)
	}

	var joined bool
	room, err := c.mutate(ctx, found.ID, func(fresh *domain.Room) (*domain.Room, error) {
		if !fresh.IsActive {
			return nil, domain.ErrRoomInactive
		}
		if fresh.IsMember(user.ID) {
			return nil, nil
		}
		if fresh.IsFull() {
			return nil, domain.ErrRoomFull
		}
		joined = true
		return fresh.WithParticipant(domain.NewParticipant(user, user.ID == fresh.HostID, c.now())), nil
	}, func(ctx context.Context, optimistic *domain.Room) (*domain.Room, error) {
		p := optimistic.Participants[len(optimistic.Participants)-1]
		return c.rooms.AddParticipant(ctx, optimistic.ID, p)
	})
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrRoomFull):
			c.metrics.RoomJoin("full")
			return nil, false, apperrors.NewRoomFullError(found.MaxParticipants).WithContext("room_id", string(found.ID))
		case apperrors.HasCode(err, apperrors.ErrCodeNotFound):
			c.metrics.RoomJoin("not_found")
		default:
			c.metrics.RoomJoin("error")
		}
		return nil, false, err
	}

	if joined {
		c.metrics.RoomJoin("joined")
		c.logger.Infow("participant joined",
			"room_id", room.ID,
			"user_id", user.ID,
			"participants", len(room.Participants),
		)
	} else {
		c.metrics.RoomJoin("rejoined")
	}
	return room, joined, nil
}

// LeaveRoom removes a viewer. Leaving a room one is not in reports left=false.
// The host ends the room instead.
func (c *PresenceController) LeaveRoom(ctx context.Context, roomID domain.RoomID, userID domain.UserID) (*domain.Room, bool, error) {
	var left bool
	room, err := c.mutate(ctx, roomID, func(fresh *domain.Room) (*domain.Room, error) {
		if fresh.IsHost(userID) {
			return nil, apperrors.NewValidationError("the host ends the room instead of leaving it")
		}
		if !fresh.IsMember(userID) {
			return nil, nil
		}
		left = true
		return fresh.WithoutParticipant(userID), nil
	}, func(ctx context.Context, optimistic *domain.Room) (*domain.Room, error) {
		return c.rooms.RemoveParticipant(ctx, roomID, userID)
	})
	if err != nil {
		return nil, false, err
	}

	if left {
		c.logger.Infow("participant left",
			"room_id", roomID,
			"user_id", userID,
			"participants", len(room.Participants),
		)
	}
	return room, left, nil
}

// EndRoom deactivates the room. Only the host may end it; ending twice is a no-op.
func (c *PresenceController) EndRoom(ctx context.Context, roomID domain.RoomID, requester domain.UserID) (*domain.Room, error) {
	var ended bool
	room, err := c.mutate(ctx, roomID, func(fresh *domain.Room) (*domain.Room, error) {
		if !fresh.IsHost(requester) {
			return nil, apperrors.NewUnauthorizedError("only the host can end the room").
				WithContext("room_id", string(roomID))
		}
		if !fresh.IsActive {
			return nil, nil
		}
		ended = true
		next := fresh.Clone()
		next.IsActive = false
		return next, nil
	}, func(ctx context.Context, _ *domain.Room) (*domain.Room, error) {
		return c.rooms.End(ctx, roomID)
	})
	if err != nil {
		return nil, err
	}

	if ended {
		c.metrics.RoomEnded()
		c.logger.Infow("room ended",
			"room_id", roomID,
			"code", room.Code,
		)
	}
	return room, nil
}

// mutate runs one serialize-then-commit cycle. decide inspects the fresh room
// and returns the next state, or nil when nothing changes. The cache only
// takes the committed room; a failed commit leaves it as it was.
func (c *PresenceController) mutate(
	ctx context.Context,
	roomID domain.RoomID,
	decide func(fresh *domain.Room) (*domain.Room, error),
	commit func(ctx context.Context, optimistic *domain.Room) (*domain.Room, error),
) (*domain.Room, error) {
	unlock, err := c.locker.Lock(ctx, "room:"+string(roomID))
	if err != nil {
		return nil, apperrors.NewNetworkError("could not lock room", err).WithContext("room_id", string(roomID))
	}
	defer unlock()

	fresh, err := c.rooms.GetByID(ctx, roomID)
	if err != nil {
		return nil, storeError(err)
	}

	next, err := decide(fresh)
	if err != nil {
		c.store(fresh)
		return nil, storeError(err)
	}
	if next == nil {
		c.store(fresh)
		return fresh.Clone(), nil
	}

	committed, err := commit(ctx, next)
	if err != nil {
		c.logger.Warnw("room commit failed",
			"room_id", roomID,
			"error", err,
		)
		return nil, storeError(err)
	}

	c.store(committed)
	c.publish(ctx, committed)
	return committed.Clone(), nil
}

// Refresh replaces the cached room with the authoritative copy.
func (c *PresenceController) Refresh(ctx context.Context, roomID domain.RoomID) (*domain.Room, error) {
	room, err := c.rooms.GetByID(ctx, roomID)
	if err != nil {
		return nil, storeError(err)
	}
	c.store(room)
	return room.Clone(), nil
}

// UserRooms lists rooms the user hosts or belongs to, newest first.
func (c *PresenceController) UserRooms(ctx context.Context, userID domain.UserID) ([]*domain.Room, error) {
	rooms, err := c.rooms.ListByUser(ctx, userID)
	if err != nil {
		return nil, storeError(err)
	}
	return rooms, nil
}

// Cached returns the last known copy of the room, or nil.
func (c *PresenceController) Cached(roomID domain.RoomID) *domain.Room {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cache[roomID].Clone()
}

// Watch delivers committed room states, local and remote, until disposed.
func (c *PresenceController) Watch(roomID domain.RoomID, fn func(*domain.Room)) func() {
	return c.feed.Subscribe(roomID, func(room domain.Room) {
		c.store(&room)
		fn(room.Clone())
	})
}

func (c *PresenceController) publish(ctx context.Context, room *domain.Room) {
	if err := c.feed.Publish(ctx, room.ID, *room.Clone()); err != nil {
		c.logger.Warnw("failed to publish room update",
			"room_id", room.ID,
			"error", err,
		)
	}
}

func (c *PresenceController) store(room *domain.Room) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache[room.ID] = room.Clone()
}

// storeError maps persistence failures onto the application taxonomy.
func storeError(err error) error {
	if apperrors.IsAppError(err) {
		return err
	}
	switch {
	case errors.Is(err, domain.ErrRoomNotFound), errors.Is(err, domain.ErrRoomInactive):
		return apperrors.NewNotFoundError("room")
	case errors.Is(err, domain.ErrRoomFull):
		return err
	case errors.Is(err, domain.ErrCodeTaken):
		return apperrors.NewConflictError(err.Error())
	default:
		return apperrors.NewNetworkError("room store unavailable", err)
	}
}
