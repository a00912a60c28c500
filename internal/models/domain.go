// Package models defines the domain types shared across the proxy.
package models

import (
	"encoding/json"
	"net/http"
	"time"
)

// Session sources.
const (
	SessionSourceAPI  = "api"
	SessionSourceFile = "file"
	SessionSourceAuto = "auto"
)

// Session binds an opaque client session key to an upstream credential.
// The key itself is never kept; KeyHash is its SHA-256 hex digest and
// KeyPrefix a short non-secret prefix used for display and logs.
type Session struct {
	KeyHash    string
	KeyPrefix  string
	Credential string
	Source     string
	CreatedAt  time.Time
	ExpiresAt  *time.Time
}

// Expired reports whether the session lease has run out at now.
func (s *Session) Expired(now time.Time) bool {
	return s.ExpiresAt != nil && !now.Before(*s.ExpiresAt)
}

// SessionInfo is the credential-free view of a session.
type SessionInfo struct {
	KeyPrefix string     `json:"key_prefix"`
	Source    string     `json:"source"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Info returns the credential-free view of s.
func (s *Session) Info() SessionInfo {
	return SessionInfo{
		KeyPrefix: s.KeyPrefix,
		Source:    s.Source,
		CreatedAt: s.CreatedAt,
		ExpiresAt: s.ExpiresAt,
	}
}

// ChatMessage is the minimal view of an inbound chat message. Content is
// kept raw so string and multi-part contents both pass through untouched.
type ChatMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content,omitempty"`
}

// ChatRequest is the subset of a chat completion request the proxy reads.
// Every other field travels in ForwardRequest.Body unchanged.
type ChatRequest struct {
	Model    string        `json:"model"`
	Messages []ChatMessage `json:"messages"`
	Stream   bool          `json:"stream,omitempty"`
}

// ForwardRequest is one decoded client request ready to be forwarded.
type ForwardRequest struct {
	SessionKey string
	Body       []byte
	Model      string
	Messages   []ChatMessage
	Stream     bool
	Header     http.Header
}

// StreamChunk is one upstream SSE data payload.
type StreamChunk struct {
	Seq  int
	Data []byte
}

// Usage holds token accounting reported by the upstream.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// RequestTrace identifies one client interaction.
type RequestTrace struct {
	RequestID string
	CreatedAt time.Time
}

// Request outcomes recorded in logs and metrics.
const (
	OutcomeSuccess     = "success"
	OutcomeRejected    = "upstream_rejected"
	OutcomeUnavailable = "upstream_unavailable"
	OutcomeTimeout     = "upstream_timeout"
	OutcomeAborted     = "aborted"
	OutcomeClientGone  = "client_gone"
)

// RequestLogEntry represents a request log entry for insertion.
type RequestLogEntry struct {
	RequestID     string
	SessionPrefix string
	Model         string
	Stream        bool
	StatusCode    int
	Outcome       string
	Chunks        int
	PromptTokens  int
	OutputTokens  int
	LatencyMs     float64
	TTFBMs        float64
	ErrorMessage  string
	CreatedAt     time.Time
}

// RequestLog represents a request log record from the database.
type RequestLog struct {
	ID            int64     `json:"id"`
	RequestID     string    `json:"request_id"`
	SessionPrefix string    `json:"session_prefix"`
	Model         string    `json:"model"`
	Stream        bool      `json:"stream"`
	StatusCode    int       `json:"status_code"`
	Outcome       string    `json:"outcome"`
	Chunks        int       `json:"chunks"`
	PromptTokens  int       `json:"prompt_tokens"`
	OutputTokens  int       `json:"output_tokens"`
	LatencyMs     float64   `json:"latency_ms"`
	TTFBMs        float64   `json:"ttfb_ms"`
	ErrorMessage  string    `json:"error_message,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}
