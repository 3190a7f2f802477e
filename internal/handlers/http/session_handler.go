package http

import (
	"context"
	"net/http"
	"time"

	"castroom/internal/core/domain"
	"castroom/internal/core/ports"
	"castroom/internal/core/services"
	"castroom/internal/infrastructure/middleware"
	"castroom/pkg/errors"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Session is the coordinator surface the API drives.
type Session interface {
	CreateRoom(ctx context.Context, name string, maxParticipants int) (*domain.Room, error)
	JoinRoom(ctx context.Context, code string) (*domain.Room, error)
	RetryShare(ctx context.Context) error
	StartViewing(ctx context.Context) error
	EndShare(ctx context.Context) error
	LeaveRoom(ctx context.Context) error
	ToggleAudio(ctx context.Context) (bool, error)
	SetQuality(ctx context.Context, q domain.Quality) (domain.MediaSettings, error)
	SendMessage(ctx context.Context, text string) (*domain.ChatMessage, error)
	Snapshot() domain.SessionSnapshot
	Subscribe(fn func(domain.SessionSnapshot)) (dispose func())
	Done() <-chan struct{}
}

// SessionSource resolves the session of an authenticated user.
type SessionSource interface {
	Session(ctx context.Context, userID domain.UserID) (Session, error)
}

type managedSessions struct {
	manager *services.SessionManager
}

func (m managedSessions) Session(ctx context.Context, userID domain.UserID) (Session, error) {
	s, err := m.manager.Current(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// ManagedSessions serves sessions from a SessionManager.
func ManagedSessions(manager *services.SessionManager) SessionSource {
	return managedSessions{manager: manager}
}

func currentSession(c *gin.Context, sessions SessionSource) (Session, bool) {
	userID, ok := middleware.UserIDFrom(c)
	if !ok {
		c.Error(errors.NewUnauthorizedError("authentication required"))
		return nil, false
	}
	session, err := sessions.Session(c.Request.Context(), userID)
	if err != nil {
		c.Error(err)
		return nil, false
	}
	return session, true
}

type SessionHandlerConfig struct {
	AllowedOrigins []string
	PingInterval   time.Duration
	WriteTimeout   time.Duration
}

type SessionHandler struct {
	sessions    SessionSource
	chat        ports.ChatService
	requireAuth gin.HandlerFunc
	cfg         SessionHandlerConfig
	upgrader    websocket.Upgrader
	logger      *zap.SugaredLogger
}

func NewSessionHandler(
	sessions SessionSource,
	chat ports.ChatService,
	requireAuth gin.HandlerFunc,
	cfg SessionHandlerConfig,
	logger *zap.SugaredLogger,
) *SessionHandler {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	h := &SessionHandler{
		sessions:    sessions,
		chat:        chat,
		requireAuth: requireAuth,
		cfg:         cfg,
		logger:      logger,
	}
	h.upgrader = websocket.Upgrader{
		CheckOrigin:     h.checkOrigin,
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
	}
	return h
}

func (h *SessionHandler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (h *SessionHandler) SetupRoutes(router *gin.Engine) {
	api := router.Group("/api/v1/session", h.requireAuth)
	{
		api.GET("", h.GetSnapshot)
		api.GET("/events", h.Events)

		api.POST("/share/retry", h.RetryShare)
		api.POST("/view/retry", h.RetryView)
		api.POST("/end", h.EndShare)
		api.POST("/leave", h.LeaveRoom)
		api.POST("/audio/toggle", h.ToggleAudio)
		api.PUT("/quality", h.SetQuality)

		api.GET("/chat", h.ChatHistory)
		api.POST("/chat", h.SendMessage)
	}
}

func (h *SessionHandler) GetSnapshot(c *gin.Context) {
	session, ok := currentSession(c, h.sessions)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, session.Snapshot())
}

// intent runs a no-result session operation and replies with the snapshot.
func (h *SessionHandler) intent(c *gin.Context, op func(Session, context.Context) error) {
	session, ok := currentSession(c, h.sessions)
	if !ok {
		return
	}
	if err := op(session, c.Request.Context()); err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, session.Snapshot())
}

func (h *SessionHandler) RetryShare(c *gin.Context) {
	h.intent(c, Session.RetryShare)
}

func (h *SessionHandler) RetryView(c *gin.Context) {
	h.intent(c, Session.StartViewing)
}

func (h *SessionHandler) EndShare(c *gin.Context) {
	h.intent(c, Session.EndShare)
}

func (h *SessionHandler) LeaveRoom(c *gin.Context) {
	h.intent(c, Session.LeaveRoom)
}

func (h *SessionHandler) ToggleAudio(c *gin.Context) {
	session, ok := currentSession(c, h.sessions)
	if !ok {
		return
	}
	enabled, err := session.ToggleAudio(c.Request.Context())
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"audio_enabled": enabled})
}

func (h *SessionHandler) SetQuality(c *gin.Context) {
	var req struct {
		Quality string `json:"quality" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewValidationError("invalid request format"))
		return
	}
	q, err := domain.ParseQuality(req.Quality)
	if err != nil {
		c.Error(errors.NewValidationError(err.Error()))
		return
	}

	session, ok := currentSession(c, h.sessions)
	if !ok {
		return
	}
	settings, err := session.SetQuality(c.Request.Context(), q)
	if err != nil {
		// a rejected preset keeps the previous settings; tell the client which
		if appErr := errors.GetAppError(err); appErr != nil && appErr.Recoverable {
			c.Error(appErr.WithContext("settings", settings))
			return
		}
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, settings)
}

func (h *SessionHandler) roomOf(c *gin.Context) (Session, domain.RoomID, bool) {
	session, ok := currentSession(c, h.sessions)
	if !ok {
		return nil, "", false
	}
	snap := session.Snapshot()
	if snap.Room == nil {
		c.Error(errors.NewConflictError("not in a room"))
		return nil, "", false
	}
	return session, snap.Room.ID, true
}

func (h *SessionHandler) ChatHistory(c *gin.Context) {
	_, roomID, ok := h.roomOf(c)
	if !ok {
		return
	}
	messages, err := h.chat.History(c.Request.Context(), roomID)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"room_id":  roomID,
		"messages": messages,
	})
}

func (h *SessionHandler) SendMessage(c *gin.Context) {
	var req struct {
		Text string `json:"text" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewValidationError("invalid request format"))
		return
	}

	session, ok := currentSession(c, h.sessions)
	if !ok {
		return
	}
	msg, err := session.SendMessage(c.Request.Context(), req.Text)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

// Event is one frame of the session feed.
type Event struct {
	Type     string                  `json:"type"`
	Snapshot *domain.SessionSnapshot `json:"snapshot,omitempty"`
	Message  *domain.ChatMessage     `json:"message,omitempty"`
}

const (
	EventSnapshot = "snapshot"
	EventChat     = "chat"
)

// Events streams session snapshots and the chat of the current room over a
// WebSocket. Snapshots coalesce to the latest; chat messages arrive once each
// in commit order, history first.
func (h *SessionHandler) Events(c *gin.Context) {
	session, ok := currentSession(c, h.sessions)
	if !ok {
		return
	}

	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warnw("websocket upgrade failed", "error", err)
		return
	}
	defer ws.Close()

	ctx, cancel := context.WithCancel(context.WithoutCancel(c.Request.Context()))
	defer cancel()

	snapshots := make(chan domain.SessionSnapshot, 1)
	push := func(s domain.SessionSnapshot) {
		select {
		case <-snapshots:
		default:
		}
		select {
		case snapshots <- s:
		default:
		}
	}
	dispose := session.Subscribe(push)
	defer dispose()
	push(session.Snapshot())

	go func() {
		defer cancel()
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	write := func(v interface{}) error {
		ws.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
		return ws.WriteJSON(v)
	}

	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()

	var (
		wantRoom domain.RoomID
		chatRoom domain.RoomID
		chat     <-chan domain.ChatMessage
		stopChat = func() {}
	)
	defer func() { stopChat() }()

	// syncChat follows the room of the latest snapshot. A failed subscribe
	// leaves chatRoom unset and is retried on the next snapshot or ping.
	syncChat := func() {
		if wantRoom == chatRoom {
			return
		}
		stopChat()
		chat, stopChat, chatRoom = nil, func() {}, ""
		if wantRoom == "" {
			return
		}
		ch, stop, err := h.chat.Subscribe(ctx, wantRoom, 0)
		if err != nil {
			h.logger.Warnw("failed to subscribe to chat", "room_id", wantRoom, "error", err)
			return
		}
		chat, stopChat, chatRoom = ch, stop, wantRoom
	}

	for {
		select {
		case <-ctx.Done():
			return

		case <-session.Done():
			ws.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"))
			return

		case snap := <-snapshots:
			wantRoom = ""
			if snap.Room != nil {
				wantRoom = snap.Room.ID
			}
			syncChat()
			if err := write(Event{Type: EventSnapshot, Snapshot: &snap}); err != nil {
				return
			}

		case msg, ok := <-chat:
			if !ok {
				chat = nil
				continue
			}
			if err := write(Event{Type: EventChat, Message: &msg}); err != nil {
				return
			}

		case <-ticker.C:
			syncChat()
			ws.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
