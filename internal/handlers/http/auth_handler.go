package http

import (
	"context"
	"net/http"
	"strings"
	"time"

	"castroom/internal/core/domain"
	"castroom/internal/infrastructure/middleware"
	"castroom/pkg/errors"

	"github.com/gin-gonic/gin"
)

// AuthService is what the auth endpoints need from services.AuthService.
type AuthService interface {
	SignUp(ctx context.Context, name, email, password string) (*domain.User, string, error)
	SignIn(ctx context.Context, email, password string) (*domain.User, string, error)
	SignOut(ctx context.Context) error
	Resume(ctx context.Context, token string) (*domain.User, error)
	CurrentUser() *domain.User
}

type AuthHandler struct {
	authService AuthService
	requireAuth gin.HandlerFunc
	tokenTTL    time.Duration
}

func NewAuthHandler(authService AuthService, requireAuth gin.HandlerFunc, tokenTTL time.Duration) *AuthHandler {
	return &AuthHandler{
		authService: authService,
		requireAuth: requireAuth,
		tokenTTL:    tokenTTL,
	}
}

func (h *AuthHandler) SetupRoutes(router *gin.Engine) {
	api := router.Group("/api/v1/auth")
	{
		api.POST("/signup", h.SignUp)
		api.POST("/signin", h.SignIn)
		api.POST("/resume", h.requireAuth, h.Resume)
		api.POST("/signout", h.requireAuth, h.SignOut)
		api.GET("/me", h.requireAuth, h.Me)
	}
}

type SignUpRequest struct {
	Name     string `json:"name" binding:"required,max=50"`
	Email    string `json:"email" binding:"required,max=254"`
	Password string `json:"password" binding:"required,max=72"`
}

type SignInRequest struct {
	Email    string `json:"email" binding:"required,max=254"`
	Password string `json:"password" binding:"required,max=72"`
}

func (h *AuthHandler) session(c *gin.Context, status int, user *domain.User, token string) {
	c.JSON(status, gin.H{
		"user":         user,
		"access_token": token,
		"expires_in":   int(h.tokenTTL / time.Second),
	})
}

func (h *AuthHandler) SignUp(c *gin.Context) {
	var req SignUpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewValidationError("invalid request format"))
		return
	}

	user, token, err := h.authService.SignUp(c.Request.Context(), req.Name, req.Email, req.Password)
	if err != nil {
		c.Error(err)
		return
	}
	h.session(c, http.StatusCreated, user, token)
}

func (h *AuthHandler) SignIn(c *gin.Context) {
	var req SignInRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewValidationError("invalid request format"))
		return
	}

	user, token, err := h.authService.SignIn(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		c.Error(err)
		return
	}
	h.session(c, http.StatusOK, user, token)
}

// Resume restores the process session from a token issued earlier, as after
// an agent restart.
func (h *AuthHandler) Resume(c *gin.Context) {
	token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
	if token == "" {
		token = c.Query("token")
	}

	user, err := h.authService.Resume(c.Request.Context(), token)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": user})
}

func (h *AuthHandler) SignOut(c *gin.Context) {
	if err := h.authService.SignOut(c.Request.Context()); err != nil {
		c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *AuthHandler) Me(c *gin.Context) {
	userID, _ := middleware.UserIDFrom(c)
	user := h.authService.CurrentUser()
	if user == nil || user.ID != userID {
		c.Error(errors.NewUnauthorizedError("signed out"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": user})
}
