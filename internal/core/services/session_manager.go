package services

import (
	"context"
	"sync"
	"time"

	"castroom/internal/core/domain"
	"castroom/internal/core/ports"
	apperrors "castroom/pkg/errors"

	"go.uber.org/zap"
)

// SessionFactory builds the coordinator of one signed-in user. release frees
// what the factory wired underneath it (relay connection, negotiator).
type SessionFactory func(ctx context.Context, user domain.User) (c *Coordinator, release func(ctx context.Context) error, err error)

// ActiveSession is a live Coordinator. Done is closed once it is torn down.
type ActiveSession struct {
	*Coordinator
	release func(ctx context.Context) error
	done    chan struct{}
}

func (s *ActiveSession) Done() <-chan struct{} {
	return s.done
}

// SessionManager keeps one Coordinator per process, bound to the signed-in
// user. It is built lazily and torn down on sign-out or account switch.
type SessionManager struct {
	auth         ports.Authenticator
	factory      SessionFactory
	closeTimeout time.Duration
	logger       *zap.SugaredLogger

	mu      sync.Mutex
	current *ActiveSession
	closed  bool
	dispose func()
}

func NewSessionManager(auth ports.Authenticator, factory SessionFactory, closeTimeout time.Duration, logger *zap.SugaredLogger) *SessionManager {
	if closeTimeout <= 0 {
		closeTimeout = 10 * time.Second
	}
	m := &SessionManager{
		auth:         auth,
		factory:      factory,
		closeTimeout: closeTimeout,
		logger:       logger,
	}
	m.dispose = auth.OnSessionChange(m.onSessionChange)
	return m
}

func (m *SessionManager) onSessionChange(user *domain.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return
	}
	if user != nil && user.ID == m.current.User().ID {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.closeTimeout)
	defer cancel()
	m.teardownLocked(ctx)
}

// Current returns the session of userID, building it on first use. It fails
// with Unauthorized unless userID is the signed-in user of this process.
func (m *SessionManager) Current(ctx context.Context, userID domain.UserID) (*ActiveSession, error) {
	user := m.auth.CurrentUser()
	if user == nil || user.ID != userID {
		return nil, apperrors.NewUnauthorizedError("no active session for this user")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, apperrors.NewServiceUnavailableError("session manager is shutting down")
	}
	if m.current != nil {
		if m.current.User().ID == user.ID {
			return m.current, nil
		}
		m.teardownLocked(ctx)
	}

	coordinator, release, err := m.factory(ctx, *user)
	if err != nil {
		m.logger.Warnw("failed to start session", "user_id", user.ID, "error", err)
		if apperrors.GetAppError(err) != nil {
			return nil, err
		}
		return nil, apperrors.NewNetworkError("failed to start session", err)
	}

	m.current = &ActiveSession{
		Coordinator: coordinator,
		release:     release,
		done:        make(chan struct{}),
	}
	m.logger.Infow("session started", "user_id", user.ID)
	return m.current, nil
}

func (m *SessionManager) teardownLocked(ctx context.Context) {
	s := m.current
	m.current = nil

	userID := s.User().ID
	if err := s.Close(ctx); err != nil {
		m.logger.Warnw("session close reported an error", "user_id", userID, "error", err)
	}
	if s.release != nil {
		if err := s.release(ctx); err != nil {
			m.logger.Warnw("failed to release session resources", "user_id", userID, "error", err)
		}
	}
	close(s.done)
	m.logger.Infow("session closed", "user_id", userID)
}

// Close tears down the current session, if any, and refuses new ones.
func (m *SessionManager) Close(ctx context.Context) error {
	m.dispose()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	if m.current != nil {
		m.teardownLocked(ctx)
	}
	return nil
}
