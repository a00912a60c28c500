package middleware

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/user/session-proxy/internal/wire"
	"go.uber.org/zap"
)

// AbortWithError writes an OpenAI error envelope and stops the chain.
func AbortWithError(c *gin.Context, status int, message, code string) {
	c.Data(status, "application/json", wire.NewErrorEnvelope(status, message, code, "").Marshal())
	c.Abort()
}

// Logger returns a Gin middleware that logs requests.
func Logger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		// Matched routes log their template so path parameters such as
		// session keys stay out of the log.
		if route := c.FullPath(); route != "" {
			path = route
		}
		latency := time.Since(start)
		status := c.Writer.Status()

		fields := []zap.Field{
			zap.Int("status", status),
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("query", query),
			zap.Duration("latency", latency),
			zap.String("ip", c.ClientIP()),
		}
		if id := c.Writer.Header().Get(wire.RequestIDHeader); id != "" {
			fields = append(fields, zap.String("request_id", id))
		}
		logger.Info("request", fields...)
	}
}

// Recovery turns a handler panic into a 500 error envelope for that
// request only. If the response already started, the connection is left
// to the server.
func Recovery(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if err, ok := rec.(error); ok && errors.Is(err, http.ErrAbortHandler) {
				panic(rec)
			}
			logger.Error("panic recovered",
				zap.Any("panic", rec),
				zap.String("method", c.Request.Method),
				zap.String("path", c.Request.URL.Path),
				zap.Stack("stack"))

			if c.Writer.Written() {
				c.Abort()
				return
			}
			AbortWithError(c, http.StatusInternalServerError, "internal server error", "")
		}()
		c.Next()
	}
}

// preflightHeaders lists the request headers OpenAI SDKs send.
const preflightHeaders = "Authorization, Content-Type, x-api-key, x-stainless-os, x-stainless-runtime-version, " +
	"x-stainless-package-version, x-stainless-runtime, x-stainless-arch, x-stainless-retry-count, " +
	"x-stainless-lang, user-agent"

// CORS answers preflight requests and exposes the request id header to
// browsers. allowOrigins may contain "*".
func CORS(allowOrigins []string) gin.HandlerFunc {
	wildcard := false
	allowed := make(map[string]struct{}, len(allowOrigins))
	for _, o := range allowOrigins {
		o = strings.TrimSpace(o)
		if o == "*" {
			wildcard = true
		}
		allowed[o] = struct{}{}
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		allowOrigin := ""
		switch {
		case wildcard:
			allowOrigin = "*"
		case origin != "":
			if _, ok := allowed[origin]; ok {
				allowOrigin = origin
				c.Header("Vary", "Origin")
			}
		}

		if allowOrigin != "" {
			c.Header("Access-Control-Allow-Origin", allowOrigin)
			c.Header("Access-Control-Expose-Headers", wire.RequestIDHeader)
		}

		if c.Request.Method == http.MethodOptions {
			c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", preflightHeaders)
			c.Header("Access-Control-Max-Age", "3600")
			c.AbortWithStatus(http.StatusOK)
			return
		}
		c.Next()
	}
}
