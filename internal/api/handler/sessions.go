package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/user/session-proxy/internal/models"
	"github.com/user/session-proxy/internal/secret"
	"github.com/user/session-proxy/internal/session"
	"go.uber.org/zap"
)

// SessionRegistry is the session table the admin API manages.
type SessionRegistry interface {
	Register(ctx context.Context, key, credential string, opts session.RegisterOptions) error
	Invalidate(ctx context.Context, key string) error
	List() []models.SessionInfo
}

// SessionHandler handles the session admin API.
type SessionHandler struct {
	registry   SessionRegistry
	defaultTTL time.Duration
	logger     *zap.Logger
}

// NewSessionHandler creates a new SessionHandler. defaultTTL applies when
// a registration names none; zero means no expiry.
func NewSessionHandler(registry SessionRegistry, defaultTTL time.Duration, logger *zap.Logger) *SessionHandler {
	return &SessionHandler{registry: registry, defaultTTL: defaultTTL, logger: logger}
}

type registerSessionRequest struct {
	SessionKey string `json:"session_key"`
	Credential string `json:"credential" binding:"required"`
	TTLSeconds int    `json:"ttl_seconds" binding:"gte=0"`
}

type registerSessionResponse struct {
	SessionKey string     `json:"session_key"`
	KeyPrefix  string     `json:"key_prefix"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

// Register handles POST /api/sessions. A missing session_key is generated.
func (h *SessionHandler) Register(c *gin.Context) {
	var req registerSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	key := req.SessionKey
	if key == "" {
		generated, err := secret.GenerateSessionKey()
		if err != nil {
			h.logger.Error("failed to generate session key", zap.Error(err))
			errorResponse(c, http.StatusInternalServerError, "Failed to generate session key")
			return
		}
		key = generated
	}

	ttl := h.defaultTTL
	if req.TTLSeconds > 0 {
		ttl = time.Duration(req.TTLSeconds) * time.Second
	}

	err := h.registry.Register(c.Request.Context(), key, req.Credential, session.RegisterOptions{
		TTL:    ttl,
		Source: models.SessionSourceAPI,
	})
	switch {
	case errors.Is(err, session.ErrDuplicateSession):
		errorResponse(c, http.StatusConflict, "Session key is already bound to a different credential")
		return
	case errors.Is(err, session.ErrInvalidSession):
		errorResponse(c, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		h.logger.Error("failed to register session", zap.Error(err))
		errorResponse(c, http.StatusInternalServerError, "Failed to register session")
		return
	}

	resp := registerSessionResponse{SessionKey: key, KeyPrefix: secret.DisplayPrefix(key)}
	if ttl > 0 {
		exp := time.Now().Add(ttl).UTC()
		resp.ExpiresAt = &exp
	}
	h.logger.Info("session registered", zap.String("session", resp.KeyPrefix), zap.Duration("ttl", ttl))
	c.JSON(http.StatusCreated, resp)
}

// List handles GET /api/sessions. Credentials are never returned.
func (h *SessionHandler) List(c *gin.Context) {
	sessions := h.registry.List()
	c.JSON(http.StatusOK, gin.H{
		"sessions": sessions,
		"total":    len(sessions),
	})
}

// Revoke handles DELETE /api/sessions/:session_key.
func (h *SessionHandler) Revoke(c *gin.Context) {
	key := c.Param("session_key")
	err := h.registry.Invalidate(c.Request.Context(), key)
	switch {
	case errors.Is(err, session.ErrUnknownSession):
		errorResponse(c, http.StatusNotFound, "Session not found")
		return
	case err != nil:
		h.logger.Error("failed to revoke session", zap.Error(err))
		errorResponse(c, http.StatusInternalServerError, "Failed to revoke session")
		return
	}
	h.logger.Info("session revoked", zap.String("session", secret.DisplayPrefix(key)))
	c.Status(http.StatusNoContent)
}
