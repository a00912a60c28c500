package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/user/session-proxy/internal/api/middleware"
	"github.com/user/session-proxy/internal/models"
	"go.uber.org/zap"
)

// MaxBodySize caps chat completion request bodies.
const MaxBodySize = 25 << 20

// Dispatcher writes the complete response for one forwarded request.
type Dispatcher interface {
	Handle(ctx context.Context, req *models.ForwardRequest, w http.ResponseWriter)
}

// ChatHandler serves the chat completions endpoint.
type ChatHandler struct {
	dispatcher Dispatcher
	logger     *zap.Logger
}

// NewChatHandler creates a new ChatHandler.
func NewChatHandler(d Dispatcher, logger *zap.Logger) *ChatHandler {
	return &ChatHandler{dispatcher: d, logger: logger}
}

// Completions handles POST /v1/chat/completions.
func (h *ChatHandler) Completions(c *gin.Context) {
	key := middleware.SessionKey(c.Request)
	if key == "" {
		middleware.AbortWithError(c, http.StatusUnauthorized,
			"Missing session key. Pass it as a bearer token or in the x-api-key header.", "invalid_api_key")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, MaxBodySize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			errorResponse(c, http.StatusRequestEntityTooLarge, "Request body too large")
			return
		}
		h.logger.Debug("failed to read request body", zap.Error(err))
		errorResponse(c, http.StatusBadRequest, "Failed to read request body")
		return
	}

	var req models.ChatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.logger.Warn("invalid request body",
			zap.String("error", err.Error()),
			zap.String("ip", c.ClientIP()))
		errorResponse(c, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if req.Model == "" {
		errorResponse(c, http.StatusBadRequest, "model is required")
		return
	}
	if len(req.Messages) == 0 {
		errorResponse(c, http.StatusBadRequest, "messages must not be empty")
		return
	}

	h.dispatcher.Handle(c.Request.Context(), &models.ForwardRequest{
		SessionKey: key,
		Body:       body,
		Model:      req.Model,
		Messages:   req.Messages,
		Stream:     req.Stream,
		Header:     c.Request.Header.Clone(),
	}, c.Writer)
}
