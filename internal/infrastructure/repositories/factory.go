package repositories

import (
	"context"
	"time"

	"castroom/internal/core/domain"
	"castroom/internal/core/ports"
	"castroom/internal/infrastructure/distributed"
	"castroom/internal/infrastructure/repositories/memory"
	redisrepo "castroom/internal/infrastructure/repositories/redis"
	"castroom/pkg/config"
	distlock "castroom/pkg/distributed"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RepositoryFactory creates stores, locks and feeds, backed by Redis when it
// is enabled and reachable, in memory otherwise.
type RepositoryFactory struct {
	useRedis    bool
	redisClient *redis.Client
	bus         *distributed.EventBus
	lockTTL     time.Duration
	logger      *zap.SugaredLogger

	// memory stores are shared so every consumer sees the same state
	rooms    ports.RoomStore
	messages ports.MessageStore
	users    ports.UserStore
	locker   ports.Locker

	cachedUsers *CachedUserStore
}

// userCacheTTL bounds how long a Redis account lookup is reused.
const userCacheTTL = 5 * time.Minute

func NewRepositoryFactory(cfg *config.Config, logger *zap.SugaredLogger) (*RepositoryFactory, error) {
	factory := &RepositoryFactory{
		useRedis: cfg.Redis.Enabled,
		lockTTL:  cfg.Rooms.LockTTL,
		logger:   logger,
	}

	if cfg.Redis.Enabled {
		client, err := redisrepo.NewRedisClient(
			cfg.Redis.Address,
			cfg.Redis.Password,
			cfg.Redis.DB,
			cfg.Redis.PoolSize,
			logger,
		)
		if err != nil {
			logger.Warnw("failed to connect to Redis, falling back to memory repositories",
				"error", err,
			)
			factory.useRedis = false
		} else {
			factory.redisClient = client
			factory.bus = distributed.NewEventBus(client, uuid.NewString(), logger)
			logger.Info("using Redis repositories")
		}
	}

	if !factory.useRedis {
		logger.Info("using memory repositories")
		factory.rooms = memory.NewMemoryRoomRepository()
		factory.messages = memory.NewMemoryMessageRepository()
		factory.users = memory.NewMemoryUserRepository()
		factory.locker = memory.NewKeyedLocker()
	}

	return factory, nil
}

func (f *RepositoryFactory) redisReady() bool {
	return f.useRedis && f.redisClient != nil
}

func (f *RepositoryFactory) CreateRoomStore() ports.RoomStore {
	if f.redisReady() {
		return redisrepo.NewRedisRoomRepository(f.redisClient)
	}
	return f.rooms
}

func (f *RepositoryFactory) CreateMessageStore() ports.MessageStore {
	if f.redisReady() {
		return redisrepo.NewRedisMessageRepository(f.redisClient)
	}
	return f.messages
}

func (f *RepositoryFactory) CreateUserStore() ports.UserStore {
	if f.redisReady() {
		if f.cachedUsers == nil {
			f.cachedUsers = NewCachedUserStore(redisrepo.NewRedisUserRepository(f.redisClient), userCacheTTL)
		}
		return f.cachedUsers
	}
	return f.users
}

// CreateLocker returns a cross-process lock when Redis is available.
func (f *RepositoryFactory) CreateLocker() ports.Locker {
	if f.redisReady() {
		return distlock.NewLockManager(f.redisClient, "castroom:lock:", f.lockTTL)
	}
	return f.locker
}

func (f *RepositoryFactory) CreateRoomFeed() ports.Feed[domain.Room] {
	if f.redisReady() {
		return distributed.NewFeed[domain.Room](f.bus, distributed.EventRoomUpdated, f.logger)
	}
	return memory.NewFeed[domain.Room]()
}

func (f *RepositoryFactory) CreateChatFeed() ports.Feed[domain.ChatMessage] {
	if f.redisReady() {
		return distributed.NewFeed[domain.ChatMessage](f.bus, distributed.EventChatMessage, f.logger)
	}
	return memory.NewFeed[domain.ChatMessage]()
}

// Run pumps cross-instance events until ctx is done. With memory
// repositories it only waits.
func (f *RepositoryFactory) Run(ctx context.Context) error {
	if f.bus == nil {
		<-ctx.Done()
		return nil
	}
	return f.bus.Run(ctx)
}

// RedisClient is nil unless Redis is in use.
func (f *RepositoryFactory) RedisClient() *redis.Client {
	return f.redisClient
}

func (f *RepositoryFactory) Close() error {
	if f.cachedUsers != nil {
		f.cachedUsers.Close()
	}
	if f.redisClient != nil {
		return redisrepo.CloseRedisClient(f.redisClient)
	}
	return nil
}

func (f *RepositoryFactory) HealthCheck(ctx context.Context) error {
	if f.redisReady() {
		return f.redisClient.Ping(ctx).Err()
	}
	return nil
}
