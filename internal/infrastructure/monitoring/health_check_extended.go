package monitoring

import (
	"context"
	"errors"
	"time"

	"castroom/internal/core/domain"
	"castroom/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

// AddRedisCheck adds a Redis health check
func (h *HealthChecker) AddRedisCheck(client *redis.Client, interval, timeout time.Duration) {
	h.AddCheck("redis", func(ctx context.Context) (bool, error) {
		if err := client.Ping(ctx).Err(); err != nil {
			return false, err
		}
		return true, nil
	}, interval, timeout)
}

// AddRoomStoreCheck probes the room store with a code lookup that is
// expected to miss.
func (h *HealthChecker) AddRoomStoreCheck(rooms ports.RoomStore, interval, timeout time.Duration) {
	h.AddCheck("room_store", func(ctx context.Context) (bool, error) {
		_, err := rooms.GetActiveByCode(ctx, "__healthcheck__")
		if err != nil && !errors.Is(err, domain.ErrRoomNotFound) {
			return false, err
		}
		return true, nil
	}, interval, timeout)
}

// IsReady checks if the service is ready to accept traffic
func (h *HealthChecker) IsReady(ctx context.Context) bool {
	return h.CheckAll(ctx).Status == "healthy"
}
