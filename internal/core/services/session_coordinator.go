package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"castroom/internal/core/domain"
	"castroom/internal/core/ports"
	apperrors "castroom/pkg/errors"
	"castroom/pkg/tracing"
	"castroom/pkg/validation"

	"go.uber.org/zap"
)

// SessionConfig is the explicit bootstrap of one user session.
type SessionConfig struct {
	User domain.User
	// TeardownTimeout bounds teardown triggered by background events such as
	// the capture ending.
	TeardownTimeout time.Duration
}

// Coordinator composes media, peers, presence and chat into the session
// state machine {connecting, connected, disconnected} x {idle, hosting, viewing}.
//
// Every operation that enters or leaves a room takes a new operation token.
// Asynchronous results carry the token they started with and are dropped
// when it is no longer current.
type Coordinator struct {
	user     domain.User
	cfg      SessionConfig
	media    ports.MediaService
	peers    ports.PeerService
	presence ports.PresenceService
	chat     ports.ChatService
	logger   *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc
	bg     sync.WaitGroup

	// notifyMu keeps snapshot delivery in state order.
	notifyMu sync.Mutex

	mu           sync.Mutex
	op           uint64
	opCtx        context.Context
	opCancel     context.CancelFunc
	role         domain.Role
	status       domain.ConnectionStatus
	room         *domain.Room
	lastErr      error
	endAnnounced bool
	// entering is the token of a create or join still waiting on presence.
	entering  uint64
	disposers []func()
	closed    bool
	nextID    int
	listeners map[int]func(domain.SessionSnapshot)
}

func NewCoordinator(
	cfg SessionConfig,
	media ports.MediaService,
	peers ports.PeerService,
	presence ports.PresenceService,
	chat ports.ChatService,
	logger *zap.SugaredLogger,
) *Coordinator {
	if cfg.TeardownTimeout <= 0 {
		cfg.TeardownTimeout = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	opCtx, opCancel := context.WithCancel(ctx)
	return &Coordinator{
		user:      cfg.User,
		cfg:       cfg,
		media:     media,
		peers:     peers,
		presence:  presence,
		chat:      chat,
		logger:    logger.With("user_id", cfg.User.ID),
		ctx:       ctx,
		cancel:    cancel,
		opCtx:     opCtx,
		opCancel:  opCancel,
		role:      domain.RoleIdle,
		status:    domain.StatusDisconnected,
		listeners: make(map[int]func(domain.SessionSnapshot)),
	}
}

func (c *Coordinator) User() domain.User {
	return c.user
}

func errSuperseded() error {
	return apperrors.NewConflictError("operation was superseded by a newer one")
}

// beginLocked invalidates every in-flight operation and returns a fresh token.
func (c *Coordinator) beginLocked() (uint64, context.Context) {
	c.op++
	c.opCancel()
	c.opCtx, c.opCancel = context.WithCancel(c.ctx)
	return c.op, c.opCtx
}

func (c *Coordinator) begin() (uint64, context.Context, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, nil, apperrors.NewServiceUnavailableError("session is closed")
	}
	if c.role != domain.RoleIdle {
		return 0, nil, apperrors.NewConflictError("already in a room").
			WithContext("room_id", string(c.room.ID))
	}
	token, ctx := c.beginLocked()
	c.entering = token
	return token, ctx, nil
}

// settle clears the pending marker of a create or join that failed.
func (c *Coordinator) settle(token uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entering == token {
		c.entering = 0
	}
}

// cancelPendingLocked supersedes a create or join that has not entered its
// room yet. Its late result is then compensated instead of applied.
func (c *Coordinator) cancelPendingLocked() bool {
	if c.entering == 0 || c.entering != c.op {
		return false
	}
	c.beginLocked()
	c.entering = 0
	return true
}

// update applies fn when token is still current and notifies observers.
func (c *Coordinator) update(token uint64, fn func()) bool {
	c.mu.Lock()
	if token != c.op {
		c.mu.Unlock()
		return false
	}
	fn()
	c.mu.Unlock()
	c.notify()
	return true
}

func (c *Coordinator) fail(token uint64, err error) {
	c.update(token, func() {
		c.status = domain.StatusDisconnected
		c.lastErr = err
	})
}

// resetLocked returns to idle and hands back the subscriptions to dispose.
func (c *Coordinator) resetLocked() []func() {
	disposers := c.disposers
	c.disposers = nil
	c.role = domain.RoleIdle
	c.status = domain.StatusDisconnected
	c.room = nil
	c.lastErr = nil
	c.endAnnounced = false
	c.entering = 0
	return disposers
}

func (c *Coordinator) finish(token uint64) {
	c.mu.Lock()
	if token != c.op {
		c.mu.Unlock()
		return
	}
	disposers := c.resetLocked()
	c.mu.Unlock()

	for _, dispose := range disposers {
		dispose()
	}
	c.notify()
}

func (c *Coordinator) enterRoom(token uint64, room *domain.Room, role domain.Role) bool {
	c.mu.Lock()
	if token != c.op {
		c.mu.Unlock()
		return false
	}
	stale := c.resetLocked()
	c.room = room
	c.role = role
	c.disposers = append(c.disposers, c.presence.Watch(room.ID, func(r *domain.Room) {
		c.onRoomUpdate(token, r)
	}))
	c.mu.Unlock()

	for _, dispose := range stale {
		dispose()
	}
	c.logger.Infow("entered room",
		"room_id", room.ID,
		"role", role,
	)
	c.notify()
	return true
}

// CreateRoom creates a room hosted by the session user and starts sharing.
// A capture failure leaves the session in the room, disconnected, with the
// error in the snapshot and RetryShare available.
func (c *Coordinator) CreateRoom(ctx context.Context, name string, maxParticipants int) (*domain.Room, error) {
	ctx, span := tracing.TraceSession(ctx, "create_room", string(c.user.ID))
	defer span.End()

	token, opCtx, err := c.begin()
	if err != nil {
		return nil, err
	}

	room, err := c.presence.CreateRoom(ctx, name, maxParticipants, c.user)
	if err != nil {
		c.settle(token)
		tracing.RecordError(ctx, err)
		return nil, err
	}
	tracing.AddSpanAttributes(ctx, tracing.RoomIDKey.String(string(room.ID)), tracing.RoomCodeKey.String(room.Code))

	if !c.enterRoom(token, room, domain.RoleHosting) {
		c.background(func(ctx context.Context) {
			if _, err := c.presence.EndRoom(ctx, room.ID, c.user.ID); err != nil {
				c.logger.Warnw("failed to end superseded room", "room_id", room.ID, "error", err)
			}
		})
		return nil, errSuperseded()
	}

	if err := c.startHosting(ctx, token, opCtx); err != nil {
		tracing.RecordError(ctx, err)
	}
	return room, nil
}

// JoinRoom joins by code and routes by authority: the room's host resumes
// hosting, everyone else starts viewing.
func (c *Coordinator) JoinRoom(ctx context.Context, code string) (*domain.Room, error) {
	ctx, span := tracing.TraceSession(ctx, "join_room", string(c.user.ID))
	defer span.End()

	code = validation.NormalizeRoomCode(code)
	c.mu.Lock()
	if c.room != nil && c.role != domain.RoleIdle && c.room.Code == code {
		room := c.room.Clone()
		c.mu.Unlock()
		return room, nil
	}
	c.mu.Unlock()

	token, opCtx, err := c.begin()
	if err != nil {
		return nil, err
	}

	room, joined, err := c.presence.JoinRoom(ctx, code, c.user)
	if err != nil {
		c.settle(token)
		tracing.RecordError(ctx, err)
		return nil, err
	}
	tracing.AddSpanAttributes(ctx, tracing.RoomIDKey.String(string(room.ID)))

	role := domain.RoleViewing
	if room.IsHost(c.user.ID) {
		role = domain.RoleHosting
	}
	tracing.AddSpanAttributes(ctx, tracing.RoleKey.String(string(role)))

	if !c.enterRoom(token, room, role) {
		if joined {
			c.background(func(ctx context.Context) {
				if _, _, err := c.presence.LeaveRoom(ctx, room.ID, c.user.ID); err != nil {
					c.logger.Warnw("failed to leave superseded room", "room_id", room.ID, "error", err)
				}
			})
		}
		return nil, errSuperseded()
	}

	if role == domain.RoleHosting {
		err = c.startHosting(ctx, token, opCtx)
	} else {
		if joined {
			c.announce(ctx, room.ID, fmt.Sprintf("%s joined the room", c.user.Name))
		}
		err = c.startViewing(token, opCtx, room.ID)
	}
	if err != nil {
		tracing.RecordError(ctx, err)
	}
	return room, nil
}

// StartHosting acquires the capture and attaches it to peer links.
func (c *Coordinator) StartHosting(ctx context.Context) error {
	ctx, span := tracing.TraceSession(ctx, "start_hosting", string(c.user.ID))
	defer span.End()

	token, opCtx, err := c.current(domain.RoleHosting)
	if err != nil {
		return err
	}
	return c.startHosting(ctx, token, opCtx)
}

// RetryShare re-attempts sharing after a capture or attach failure.
func (c *Coordinator) RetryShare(ctx context.Context) error {
	return c.StartHosting(ctx)
}

// StartViewing reconnects a viewer whose link ended.
func (c *Coordinator) StartViewing(ctx context.Context) error {
	_, span := tracing.TraceSession(ctx, "start_viewing", string(c.user.ID))
	defer span.End()

	token, opCtx, err := c.current(domain.RoleViewing)
	if err != nil {
		return err
	}
	c.mu.Lock()
	roomID := c.room.ID
	c.mu.Unlock()
	return c.startViewing(token, opCtx, roomID)
}

// current checks that the session is in role and disconnected.
func (c *Coordinator) current(role domain.Role) (uint64, context.Context, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.closed:
		return 0, nil, apperrors.NewServiceUnavailableError("session is closed")
	case c.role == domain.RoleIdle:
		return 0, nil, apperrors.NewConflictError("not in a room")
	case c.role != role:
		if role == domain.RoleHosting {
			return 0, nil, apperrors.NewUnauthorizedError("only the host can share")
		}
		return 0, nil, apperrors.NewConflictError("the host cannot view their own room")
	case c.status != domain.StatusDisconnected:
		return 0, nil, apperrors.NewConflictError(fmt.Sprintf("session is already %s", c.status))
	}
	return c.op, c.opCtx, nil
}

func (c *Coordinator) startHosting(ctx context.Context, token uint64, opCtx context.Context) error {
	var roomID domain.RoomID
	if !c.update(token, func() {
		roomID = c.room.ID
		c.status = domain.StatusConnecting
		c.lastErr = nil
	}) {
		return errSuperseded()
	}

	acquireCtx, cancel := mergeContexts(ctx, opCtx)
	defer cancel()

	src, err := c.media.StartCapture(acquireCtx)
	if err != nil {
		c.fail(token, err)
		return err
	}
	if !c.isCurrent(token) {
		// the teardown that superseded us stops the capture
		return errSuperseded()
	}

	if err := c.peers.AttachLocalStream(opCtx, roomID, src); err != nil {
		c.media.StopCapture()
		if derr := c.peers.Disconnect(ctx); derr != nil {
			c.logger.Warnw("failed to close peer links after attach failure", "room_id", roomID, "error", derr)
		}
		c.fail(token, err)
		return err
	}

	dispose := c.media.OnTrackEnded(func(err error) { c.onTrackEnded(token, err) })
	if !c.update(token, func() {
		c.disposers = append(c.disposers, dispose)
		c.status = domain.StatusConnected
	}) {
		dispose()
		return errSuperseded()
	}

	c.logger.Infow("sharing started", "room_id", roomID)
	c.announce(ctx, roomID, fmt.Sprintf("%s started sharing the screen", c.user.Name))
	return nil
}

func (c *Coordinator) startViewing(token uint64, opCtx context.Context, roomID domain.RoomID) error {
	if !c.update(token, func() {
		c.status = domain.StatusConnecting
		c.lastErr = nil
	}) {
		return errSuperseded()
	}

	statuses, err := c.peers.ConnectToHost(opCtx, roomID)
	if err != nil {
		c.fail(token, err)
		return err
	}

	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		for status := range statuses {
			st := status
			c.update(token, func() { c.status = st })
		}
		// the link gave up; a caller teardown has already moved the token on
		c.fail(token, apperrors.NewNetworkError("lost the connection to the host", nil).
			WithContext("room_id", string(roomID)))
	}()
	return nil
}

func (c *Coordinator) onTrackEnded(token uint64, cause error) {
	if !c.isCurrent(token) {
		return
	}
	c.logger.Infow("capture ended, ending share", "reason", cause)
	c.background(func(ctx context.Context) {
		if err := c.EndShare(ctx); err != nil {
			c.logger.Warnw("failed to end share after capture ended", "error", err)
		}
	})
}

func (c *Coordinator) onRoomUpdate(token uint64, room *domain.Room) {
	c.mu.Lock()
	if token != c.op || c.room == nil || c.room.ID != room.ID {
		c.mu.Unlock()
		return
	}
	c.room = room
	hostEnded := !room.IsActive && c.role == domain.RoleViewing
	var disposers []func()
	if hostEnded {
		c.beginLocked()
		disposers = c.resetLocked()
		c.room = room
	}
	c.mu.Unlock()

	if hostEnded {
		c.logger.Infow("host ended the room", "room_id", room.ID)
		c.background(func(ctx context.Context) {
			for _, dispose := range disposers {
				dispose()
			}
			if err := c.peers.Disconnect(ctx); err != nil {
				c.logger.Warnw("failed to close viewer link", "error", err)
			}
		})
	}
	c.notify()
}

// EndShare ends the hosted room: announce, stop capture, close links, then
// deactivate the room. It returns once all of that is done.
func (c *Coordinator) EndShare(ctx context.Context) error {
	ctx, span := tracing.TraceSession(ctx, "end_share", string(c.user.ID))
	defer span.End()

	c.mu.Lock()
	switch c.role {
	case domain.RoleIdle:
		cancelled := c.cancelPendingLocked()
		c.mu.Unlock()
		if cancelled {
			c.logger.Infow("cancelled pending room operation")
			c.notify()
			return nil
		}
		return apperrors.NewConflictError("not in a room")
	case domain.RoleViewing:
		c.mu.Unlock()
		return apperrors.NewUnauthorizedError("only the host can end the session")
	}
	token, _ := c.beginLocked()
	room := c.room
	announced := c.endAnnounced
	c.endAnnounced = true
	c.status = domain.StatusDisconnected
	c.mu.Unlock()
	c.notify()

	tracing.AddSpanAttributes(ctx, tracing.RoomIDKey.String(string(room.ID)))

	if !announced {
		c.announce(ctx, room.ID, fmt.Sprintf("%s ended the session", c.user.Name))
	}
	c.media.StopCapture()
	if err := c.peers.Disconnect(ctx); err != nil {
		c.logger.Warnw("failed to close peer links", "room_id", room.ID, "error", err)
	}

	if _, err := c.presence.EndRoom(ctx, room.ID, c.user.ID); err != nil {
		tracing.RecordError(ctx, err)
		c.fail(token, err)
		return err
	}

	c.logger.Infow("session ended", "room_id", room.ID)
	c.finish(token)
	return nil
}

// LeaveRoom leaves as a viewer. For the host it ends the session.
func (c *Coordinator) LeaveRoom(ctx context.Context) error {
	c.mu.Lock()
	role := c.role
	room := c.room
	cancelled := role == domain.RoleIdle && c.cancelPendingLocked()
	c.mu.Unlock()

	switch {
	case cancelled:
		c.logger.Infow("cancelled pending room operation")
		c.notify()
		return nil
	case role == domain.RoleHosting:
		return c.EndShare(ctx)
	case room == nil:
		return nil
	}

	ctx, span := tracing.TraceSession(ctx, "leave_room", string(c.user.ID))
	defer span.End()
	tracing.AddSpanAttributes(ctx, tracing.RoomIDKey.String(string(room.ID)))

	c.mu.Lock()
	token, _ := c.beginLocked()
	c.status = domain.StatusDisconnected
	c.mu.Unlock()
	c.notify()

	if err := c.peers.Disconnect(ctx); err != nil {
		c.logger.Warnw("failed to close viewer link", "room_id", room.ID, "error", err)
	}

	if room.IsActive {
		_, left, err := c.presence.LeaveRoom(ctx, room.ID, c.user.ID)
		if err != nil {
			tracing.RecordError(ctx, err)
			c.fail(token, err)
			return err
		}
		if left {
			c.announce(ctx, room.ID, fmt.Sprintf("%s left the room", c.user.Name))
		}
	}

	c.logger.Infow("left room", "room_id", room.ID)
	c.finish(token)
	return nil
}

// ToggleAudio flips the host microphone and returns the effective state.
func (c *Coordinator) ToggleAudio(ctx context.Context) (bool, error) {
	roomID, err := c.hostRoom()
	if err != nil {
		return false, err
	}

	enabled := c.media.SetAudioEnabled(!c.media.Settings().AudioEnabled)
	c.notify()

	verb := "muted"
	if enabled {
		verb = "unmuted"
	}
	c.announce(ctx, roomID, fmt.Sprintf("%s %s their microphone", c.user.Name, verb))
	return enabled, nil
}

// SetQuality retunes the capture and live links. A rejected preset returns
// the unchanged settings with a recoverable error.
func (c *Coordinator) SetQuality(ctx context.Context, q domain.Quality) (domain.MediaSettings, error) {
	ctx, span := tracing.TraceSession(ctx, "set_quality", string(c.user.ID))
	defer span.End()
	tracing.AddSpanAttributes(ctx, tracing.QualityKey.String(string(q)))

	roomID, err := c.hostRoom()
	if err != nil {
		return c.media.Settings(), err
	}

	before := c.media.Settings()
	settings, err := c.media.SetQuality(q)
	if err != nil {
		tracing.RecordError(ctx, err)
		return settings, err
	}
	if settings.Quality == before.Quality {
		return settings, nil
	}

	if c.media.Active() {
		if err := c.peers.Retune(ctx); err != nil {
			c.logger.Warnw("failed to retune peer links", "quality", q, "error", err)
		}
	}
	c.notify()
	c.announce(ctx, roomID, fmt.Sprintf("%s changed the quality to %s", c.user.Name, q))
	return settings, nil
}

func (c *Coordinator) hostRoom() (domain.RoomID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.role {
	case domain.RoleHosting:
		return c.room.ID, nil
	case domain.RoleViewing:
		return "", apperrors.NewUnauthorizedError("only the host can change media settings")
	default:
		return "", apperrors.NewConflictError("not in a room")
	}
}

func (c *Coordinator) SendMessage(ctx context.Context, text string) (*domain.ChatMessage, error) {
	c.mu.Lock()
	room := c.room
	c.mu.Unlock()
	if room == nil {
		return nil, apperrors.NewConflictError("not in a room")
	}
	return c.chat.PostMessage(ctx, room.ID, c.user, text)
}

// Room returns the current room, or nil.
func (c *Coordinator) Room() *domain.Room {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room.Clone()
}

func (c *Coordinator) Snapshot() domain.SessionSnapshot {
	c.mu.Lock()
	snap := domain.SessionSnapshot{
		User:   c.user,
		Role:   c.role,
		Status: c.status,
		Room:   c.room.Clone(),
		Error:  sessionError(c.lastErr, c.role),
	}
	c.mu.Unlock()

	snap.Settings = c.media.Settings()
	if snap.Role != domain.RoleIdle {
		snap.Links = c.peers.Links()
	}
	return snap
}

func sessionError(err error, role domain.Role) *domain.SessionError {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if appErr := apperrors.GetAppError(err); appErr != nil {
		msg = appErr.Message
	}
	return &domain.SessionError{
		Code:     string(apperrors.CodeOf(err)),
		Message:  msg,
		CanRetry: role != domain.RoleIdle,
	}
}

// Subscribe calls fn with every new snapshot until disposed. fn must not
// call back into the Coordinator's room operations.
func (c *Coordinator) Subscribe(fn func(domain.SessionSnapshot)) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.listeners, id)
			c.mu.Unlock()
		})
	}
}

func (c *Coordinator) notify() {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	snap := c.Snapshot()
	c.mu.Lock()
	listeners := make([]func(domain.SessionSnapshot), 0, len(c.listeners))
	for _, fn := range c.listeners {
		listeners = append(listeners, fn)
	}
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(snap)
	}
}

func (c *Coordinator) isCurrent(token uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return token == c.op
}

func (c *Coordinator) announce(ctx context.Context, roomID domain.RoomID, text string) {
	if _, err := c.chat.PostSystemMessage(ctx, roomID, text); err != nil {
		c.logger.Warnw("failed to post system message",
			"room_id", roomID,
			"text", text,
			"error", err,
		)
	}
}

// background runs fn with a bounded context tied to the session lifetime.
func (c *Coordinator) background(fn func(ctx context.Context)) {
	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(c.ctx), c.cfg.TeardownTimeout)
		defer cancel()
		fn(ctx)
	}()
}

// Close tears the session down locally without ending or leaving the room,
// so a reload can rejoin. It waits for background work to finish.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.beginLocked()
	disposers := c.resetLocked()
	c.mu.Unlock()

	for _, dispose := range disposers {
		dispose()
	}
	c.media.StopCapture()
	err := c.peers.Disconnect(ctx)

	c.bg.Wait()
	c.cancel()
	c.notify()
	return err
}

// mergeContexts is cancelled when either parent is.
func mergeContexts(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(a)
	stop := context.AfterFunc(b, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
