package repositories

import (
	"context"
	"time"

	"castroom/internal/core/domain"
	"castroom/internal/core/ports"
	"castroom/pkg/cache"
)

// CachedUserStore serves GetByID from memory. Accounts are never modified
// after sign-up, so entries only age out. Lookups by email always reach the
// store since they carry the password hash.
type CachedUserStore struct {
	store ports.UserStore
	byID  *cache.Cache[domain.UserID, domain.User]
}

var _ ports.UserStore = (*CachedUserStore)(nil)

func NewCachedUserStore(store ports.UserStore, ttl time.Duration) *CachedUserStore {
	return &CachedUserStore{
		store: store,
		byID:  cache.New[domain.UserID, domain.User](ttl),
	}
}

func (s *CachedUserStore) Create(ctx context.Context, cred *domain.Credentials) error {
	if err := s.store.Create(ctx, cred); err != nil {
		return err
	}
	s.byID.Set(cred.User.ID, cred.User)
	return nil
}

func (s *CachedUserStore) GetByEmail(ctx context.Context, email string) (*domain.Credentials, error) {
	cred, err := s.store.GetByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	s.byID.Set(cred.User.ID, cred.User)
	return cred, nil
}

func (s *CachedUserStore) GetByID(ctx context.Context, id domain.UserID) (*domain.User, error) {
	user, err := s.byID.GetOrLoad(ctx, id, func(ctx context.Context) (domain.User, error) {
		u, err := s.store.GetByID(ctx, id)
		if err != nil {
			return domain.User{}, err
		}
		return *u, nil
	})
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *CachedUserStore) Close() {
	s.byID.Stop()
}
