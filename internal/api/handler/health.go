package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/user/session-proxy/internal/version"
)

// SessionCounter reports the size of the session table.
type SessionCounter interface {
	Len() int
}

// StreamCounter reports the streams being relayed.
type StreamCounter interface {
	ActiveStreams() int
}

// HealthHandler handles health check requests.
type HealthHandler struct {
	sessions SessionCounter
	streams  StreamCounter
}

// NewHealthHandler creates a new HealthHandler.
func NewHealthHandler(sessions SessionCounter, streams StreamCounter) *HealthHandler {
	return &HealthHandler{sessions: sessions, streams: streams}
}

// Health returns the service health status.
func (h *HealthHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":         "healthy",
		"version":        version.Short(),
		"sessions":       h.sessions.Len(),
		"active_streams": h.streams.ActiveStreams(),
	})
}
