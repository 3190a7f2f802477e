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

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
)

// TokenValidator is the slice of AuthService the HTTP middleware and the
// signaling relay need.
type TokenValidator interface {
	ValidateToken(tokenString string) (*Claims, error)
}

type Claims struct {
	UserID domain.UserID `json:"user_id"`
	Name   string        `json:"name"`
	Email  string        `json:"email"`
	jwt.RegisteredClaims
}

func (c *Claims) User() domain.User {
	return domain.User{ID: c.UserID, Name: c.Name, Email: c.Email}
}

type AuthConfig struct {
	JWTSecret      string
	AccessTokenTTL time.Duration
	BcryptCost     int
}

// AuthService signs users in against a UserStore, issues session tokens and
// tracks the one signed-in user of this process.
type AuthService struct {
	users  ports.UserStore
	cfg    AuthConfig
	secret []byte
	logger *zap.SugaredLogger
	now    func() time.Time

	mu        sync.RWMutex
	current   *domain.User
	nextID    int
	listeners map[int]func(*domain.User)
}

func NewAuthService(users ports.UserStore, cfg AuthConfig, logger *zap.SugaredLogger) *AuthService {
	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = bcrypt.DefaultCost
	}
	return &AuthService{
		users:     users,
		cfg:       cfg,
		secret:    []byte(cfg.JWTSecret),
		logger:    logger,
		now:       time.Now,
		listeners: make(map[int]func(*domain.User)),
	}
}

var (
	_ ports.Authenticator = (*AuthService)(nil)
	_ TokenValidator      = (*AuthService)(nil)
)

func (s *AuthService) GenerateToken(user domain.User) (string, error) {
	now := s.now()
	claims := &Claims{
		UserID: user.ID,
		Name:   user.Name,
		Email:  user.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(user.ID),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.AccessTokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

func (s *AuthService) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, ErrInvalidToken
}

func (s *AuthService) SignUp(ctx context.Context, name, email, password string) (*domain.User, string, error) {
	name = strings.TrimSpace(name)
	email = utils.NormalizeEmail(email)
	if err := validation.ValidateDisplayName(name); err != nil {
		return nil, "", apperrors.NewValidationError(err.Error())
	}
	if err := validation.ValidateEmail(email); err != nil {
		return nil, "", apperrors.NewValidationError(err.Error())
	}
	if err := validation.ValidatePassword(password); err != nil {
		return nil, "", apperrors.NewValidationError(err.Error())
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cfg.BcryptCost)
	if err != nil {
		return nil, "", apperrors.NewUnknownError("failed to hash password", err)
	}

	user := domain.User{
		ID:        domain.UserID(uuid.NewString()),
		Name:      name,
		Email:     email,
		CreatedAt: s.now().UTC(),
	}
	if err := s.users.Create(ctx, &domain.Credentials{User: user, PasswordHash: hash}); err != nil {
		if errors.Is(err, domain.ErrEmailTaken) {
			return nil, "", apperrors.NewConflictError("email is already registered")
		}
		return nil, "", apperrors.NewNetworkError("account store unavailable", err)
	}

	s.logger.Infow("user signed up", "user_id", user.ID)
	return s.startSession(user)
}

func (s *AuthService) SignIn(ctx context.Context, email, password string) (*domain.User, string, error) {
	email = utils.NormalizeEmail(email)

	cred, err := s.users.GetByEmail(ctx, email)
	if errors.Is(err, domain.ErrUserNotFound) {
		return nil, "", apperrors.NewUnauthorizedError("invalid email or password")
	}
	if err != nil {
		return nil, "", apperrors.NewNetworkError("account store unavailable", err)
	}
	if err := bcrypt.CompareHashAndPassword(cred.PasswordHash, []byte(password)); err != nil {
		s.logger.Debugw("password mismatch", "user_id", cred.User.ID)
		return nil, "", apperrors.NewUnauthorizedError("invalid email or password")
	}

	s.logger.Infow("user signed in", "user_id", cred.User.ID)
	return s.startSession(cred.User)
}

// Resume restores the session carried by a previously issued token.
func (s *AuthService) Resume(ctx context.Context, tokenString string) (*domain.User, error) {
	claims, err := s.ValidateToken(tokenString)
	if err != nil {
		return nil, apperrors.NewUnauthorizedError(err.Error())
	}
	user, err := s.users.GetByID(ctx, claims.UserID)
	if errors.Is(err, domain.ErrUserNotFound) {
		return nil, apperrors.NewUnauthorizedError("account no longer exists")
	}
	if err != nil {
		return nil, apperrors.NewNetworkError("account store unavailable", err)
	}

	if cur := s.CurrentUser(); cur == nil || cur.ID != user.ID {
		s.setCurrent(user)
	}
	return user, nil
}

func (s *AuthService) startSession(user domain.User) (*domain.User, string, error) {
	token, err := s.GenerateToken(user)
	if err != nil {
		return nil, "", apperrors.NewUnknownError("failed to issue session token", err)
	}
	s.setCurrent(&user)
	return &user, token, nil
}

func (s *AuthService) SignOut(ctx context.Context) error {
	if s.CurrentUser() == nil {
		return nil
	}
	s.setCurrent(nil)
	s.logger.Info("user signed out")
	return nil
}

func (s *AuthService) CurrentUser() *domain.User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return nil
	}
	u := *s.current
	return &u
}

// OnSessionChange calls fn with the new user, or nil after sign-out.
func (s *AuthService) OnSessionChange(fn func(user *domain.User)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners, id)
			s.mu.Unlock()
		})
	}
}

func (s *AuthService) setCurrent(user *domain.User) {
	s.mu.Lock()
	s.current = user
	listeners := make([]func(*domain.User), 0, len(s.listeners))
	for _, fn := range s.listeners {
		listeners = append(listeners, fn)
	}
	s.mu.Unlock()

	for _, fn := range listeners {
		var u *domain.User
		if user != nil {
			c := *user
			u = &c
		}
		fn(u)
	}
}
