// Package wire holds the OpenAI chat completion wire conventions: error
// envelopes, SSE framing and request id placement.
package wire

import (
	"bytes"
	"encoding/json"
	"net/http"

	openai "github.com/sashabaranov/go-openai"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const (
	// RequestIDHeader carries the request id on every proxied response.
	RequestIDHeader = "X-Request-Id"
	// RequestIDField carries the request id inside JSON bodies.
	RequestIDField = "_request_id"
)

// OpenAI error types.
const (
	ErrTypeInvalidRequest = "invalid_request_error"
	ErrTypeAuthentication = "authentication_error"
	ErrTypePermission     = "permission_error"
	ErrTypeNotFound       = "not_found_error"
	ErrTypeRateLimit      = "rate_limit_error"
	ErrTypeServer         = "server_error"
	ErrTypeTimeout        = "timeout_error"
)

// ErrorTypeFromStatus maps an HTTP status code to an OpenAI error type.
func ErrorTypeFromStatus(status int) string {
	switch status {
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge:
		return ErrTypeInvalidRequest
	case http.StatusUnauthorized:
		return ErrTypeAuthentication
	case http.StatusForbidden:
		return ErrTypePermission
	case http.StatusNotFound:
		return ErrTypeNotFound
	case http.StatusTooManyRequests:
		return ErrTypeRateLimit
	case http.StatusGatewayTimeout:
		return ErrTypeTimeout
	}
	if status >= 500 {
		return ErrTypeServer
	}
	return ErrTypeInvalidRequest
}

// ErrorEnvelope is the body of every error the proxy itself produces.
type ErrorEnvelope struct {
	Error     *openai.APIError `json:"error"`
	RequestID string           `json:"_request_id,omitempty"`
}

// NewErrorEnvelope builds an envelope whose type follows status.
// An empty code is omitted.
func NewErrorEnvelope(status int, message, code, requestID string) *ErrorEnvelope {
	apiErr := &openai.APIError{
		Message:        message,
		Type:           ErrorTypeFromStatus(status),
		HTTPStatusCode: status,
	}
	if code != "" {
		apiErr.Code = code
	}
	return &ErrorEnvelope{Error: apiErr, RequestID: requestID}
}

// Marshal encodes the envelope. It cannot fail for the field types used.
func (e *ErrorEnvelope) Marshal() []byte {
	data, err := json.Marshal(e)
	if err != nil {
		return []byte(`{"error":{"message":"internal error","type":"server_error"}}`)
	}
	return data
}

// InjectRequestID adds the request id field to a JSON object body.
// Bodies that are not JSON objects are returned unchanged.
func InjectRequestID(body []byte, requestID string) []byte {
	if requestID == "" || !isJSONObject(body) {
		return body
	}
	patched, err := sjson.SetBytes(body, RequestIDField, requestID)
	if err != nil {
		return body
	}
	return patched
}

func isJSONObject(body []byte) bool {
	trimmed := bytes.TrimSpace(body)
	return len(trimmed) > 0 && trimmed[0] == '{' && gjson.ValidBytes(trimmed)
}
