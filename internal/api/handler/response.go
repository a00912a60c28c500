package handler

import (
	"github.com/gin-gonic/gin"
	"github.com/user/session-proxy/internal/api/middleware"
)

// errorResponse sends an OpenAI error envelope.
func errorResponse(c *gin.Context, status int, message string) {
	middleware.AbortWithError(c, status, message, "")
}
