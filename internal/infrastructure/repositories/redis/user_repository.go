package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"castroom/internal/core/domain"
	"castroom/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

type RedisUserRepository struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisUserRepository(client redis.UniversalClient) ports.UserStore {
	return &RedisUserRepository{
		client: client,
		prefix: keyPrefix + "account:",
	}
}

func (r *RedisUserRepository) userKey(id domain.UserID) string {
	return r.prefix + string(id)
}

func (r *RedisUserRepository) emailKey(email string) string {
	return r.prefix + "email:" + strings.ToLower(email)
}

func (r *RedisUserRepository) Create(ctx context.Context, cred *domain.Credentials) error {
	data, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("failed to marshal user: %w", err)
	}

	claimed, err := r.client.SetNX(ctx, r.emailKey(cred.User.Email), string(cred.User.ID), 0).Result()
	if err != nil {
		return fmt.Errorf("failed to reserve email in Redis: %w", err)
	}
	if !claimed {
		return domain.ErrEmailTaken
	}

	if err := r.client.Set(ctx, r.userKey(cred.User.ID), data, 0).Err(); err != nil {
		r.client.Del(ctx, r.emailKey(cred.User.Email))
		return fmt.Errorf("failed to store user in Redis: %w", err)
	}
	return nil
}

func (r *RedisUserRepository) get(ctx context.Context, id domain.UserID) (*domain.Credentials, error) {
	data, err := r.client.Get(ctx, r.userKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user from Redis: %w", err)
	}

	var cred domain.Credentials
	if err := json.Unmarshal(data, &cred); err != nil {
		return nil, fmt.Errorf("failed to unmarshal user: %w", err)
	}
	return &cred, nil
}

func (r *RedisUserRepository) GetByEmail(ctx context.Context, email string) (*domain.Credentials, error) {
	id, err := r.client.Get(ctx, r.emailKey(email)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve email: %w", err)
	}
	return r.get(ctx, domain.UserID(id))
}

func (r *RedisUserRepository) GetByID(ctx context.Context, id domain.UserID) (*domain.User, error) {
	cred, err := r.get(ctx, id)
	if err != nil {
		return nil, err
	}
	return &cred.User, nil
}
