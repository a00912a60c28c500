package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/user/session-proxy/internal/secret"
)

// SessionKey extracts the client session key from the Authorization
// bearer token or the x-api-key header.
func SessionKey(r *http.Request) string {
	if key := bearerToken(r); key != "" {
		return key
	}
	return strings.TrimSpace(r.Header.Get("x-api-key"))
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "Bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

// RequireAdmin guards the admin API. The token travels as a bearer token
// or in X-Admin-Token and is checked against tokenHash (bcrypt).
func RequireAdmin(tokenHash string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader("X-Admin-Token")
		if token == "" {
			token = bearerToken(c.Request)
		}
		if token == "" {
			AbortWithError(c, http.StatusUnauthorized, "Missing admin token", "")
			return
		}
		if !secret.VerifyToken(token, tokenHash) {
			AbortWithError(c, http.StatusUnauthorized, "Invalid admin token", "")
			return
		}
		c.Next()
	}
}
