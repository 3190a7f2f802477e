package http

import (
	"net/http"
	"strings"

	"castroom/internal/core/domain"
	"castroom/internal/core/ports"
	"castroom/internal/infrastructure/middleware"
	"castroom/pkg/errors"

	"github.com/gin-gonic/gin"
)

type RoomHandlerConfig struct {
	// PublicURL prefixes share links.
	PublicURL              string
	DefaultMaxParticipants int
}

type RoomHandler struct {
	sessions    SessionSource
	presence    ports.PresenceService
	requireAuth gin.HandlerFunc
	cfg         RoomHandlerConfig
}

func NewRoomHandler(sessions SessionSource, presence ports.PresenceService, requireAuth gin.HandlerFunc, cfg RoomHandlerConfig) *RoomHandler {
	cfg.PublicURL = strings.TrimRight(cfg.PublicURL, "/")
	if cfg.DefaultMaxParticipants <= 0 {
		cfg.DefaultMaxParticipants = 10
	}
	return &RoomHandler{
		sessions:    sessions,
		presence:    presence,
		requireAuth: requireAuth,
		cfg:         cfg,
	}
}

func (h *RoomHandler) SetupRoutes(router *gin.Engine) {
	api := router.Group("/api/v1/rooms", h.requireAuth)
	{
		api.GET("", h.ListRooms)
		api.POST("", h.CreateRoom)
		api.POST("/join", h.JoinRoom)
	}
}

// RoomResponse is a room with the link viewers open to join it.
type RoomResponse struct {
	*domain.Room
	ShareURL string `json:"share_url"`
	Hosting  bool   `json:"is_host"`
}

func (h *RoomHandler) room(room *domain.Room, userID domain.UserID) RoomResponse {
	return RoomResponse{
		Room:     room,
		ShareURL: h.cfg.PublicURL + "/join/" + room.Code,
		Hosting:  room.IsHost(userID),
	}
}

func (h *RoomHandler) ListRooms(c *gin.Context) {
	userID, _ := middleware.UserIDFrom(c)

	rooms, err := h.presence.UserRooms(c.Request.Context(), userID)
	if err != nil {
		c.Error(err)
		return
	}

	out := make([]RoomResponse, 0, len(rooms))
	for _, room := range rooms {
		out = append(out, h.room(room, userID))
	}
	c.JSON(http.StatusOK, gin.H{
		"rooms": out,
		"total": len(out),
	})
}

func (h *RoomHandler) CreateRoom(c *gin.Context) {
	var req struct {
		Name            string `json:"name" binding:"required,max=100"`
		MaxParticipants int    `json:"max_participants" binding:"omitempty,min=1"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewValidationError("invalid request format"))
		return
	}
	if req.MaxParticipants == 0 {
		req.MaxParticipants = h.cfg.DefaultMaxParticipants
	}

	session, ok := currentSession(c, h.sessions)
	if !ok {
		return
	}

	// a failed share still returns the room; the snapshot carries the error
	room, err := session.CreateRoom(c.Request.Context(), req.Name, req.MaxParticipants)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"room":    h.room(room, session.Snapshot().User.ID),
		"session": session.Snapshot(),
	})
}

func (h *RoomHandler) JoinRoom(c *gin.Context) {
	var req struct {
		Code string `json:"code" binding:"required,max=32"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewValidationError("invalid request format"))
		return
	}

	session, ok := currentSession(c, h.sessions)
	if !ok {
		return
	}

	room, err := session.JoinRoom(c.Request.Context(), req.Code)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"room":    h.room(room, session.Snapshot().User.ID),
		"session": session.Snapshot(),
	})
}
