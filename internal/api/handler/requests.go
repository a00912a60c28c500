package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/user/session-proxy/internal/models"
	"github.com/user/session-proxy/internal/repository"
	"go.uber.org/zap"
)

// RequestLookup finds a persisted request log by request id.
type RequestLookup interface {
	Lookup(ctx context.Context, requestID string) (*models.RequestLog, error)
}

// RequestLogHandler serves persisted request logs.
type RequestLogHandler struct {
	logs   RequestLookup
	logger *zap.Logger
}

// NewRequestLogHandler creates a new RequestLogHandler.
func NewRequestLogHandler(logs RequestLookup, logger *zap.Logger) *RequestLogHandler {
	return &RequestLogHandler{logs: logs, logger: logger}
}

// Get handles GET /api/requests/:request_id.
func (h *RequestLogHandler) Get(c *gin.Context) {
	log, err := h.logs.Lookup(c.Request.Context(), c.Param("request_id"))
	if errors.Is(err, repository.ErrNotFound) {
		errorResponse(c, http.StatusNotFound, "Request not found")
		return
	}
	if err != nil {
		h.logger.Error("failed to look up request", zap.Error(err))
		errorResponse(c, http.StatusInternalServerError, "Failed to look up request")
		return
	}
	c.JSON(http.StatusOK, log)
}
