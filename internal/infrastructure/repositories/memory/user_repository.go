package memory

import (
	"context"
	"strings"
	"sync"

	"castroom/internal/core/domain"
	"castroom/internal/core/ports"
)

type MemoryUserRepository struct {
	byID    map[domain.UserID]*domain.Credentials
	byEmail map[string]domain.UserID
	mu      sync.RWMutex
}

func NewMemoryUserRepository() ports.UserStore {
	return &MemoryUserRepository{
		byID:    make(map[domain.UserID]*domain.Credentials),
		byEmail: make(map[string]domain.UserID),
	}
}

func (r *MemoryUserRepository) Create(ctx context.Context, cred *domain.Credentials) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	email := strings.ToLower(cred.User.Email)
	if _, taken := r.byEmail[email]; taken {
		return domain.ErrEmailTaken
	}

	stored := *cred
	r.byID[cred.User.ID] = &stored
	r.byEmail[email] = cred.User.ID
	return nil
}

func (r *MemoryUserRepository) GetByEmail(ctx context.Context, email string) (*domain.Credentials, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byEmail[strings.ToLower(email)]
	if !ok {
		return nil, domain.ErrUserNotFound
	}
	cred := *r.byID[id]
	return &cred, nil
}

func (r *MemoryUserRepository) GetByID(ctx context.Context, id domain.UserID) (*domain.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cred, ok := r.byID[id]
	if !ok {
		return nil, domain.ErrUserNotFound
	}
	user := cred.User
	return &user, nil
}
