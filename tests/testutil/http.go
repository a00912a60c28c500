package testutil

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// NewTestLogger creates a no-op logger for testing.
func NewTestLogger() *zap.Logger {
	return zap.NewNop()
}

// NewTestRouter creates a Gin router configured for testing.
func NewTestRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	return gin.New()
}

// NewTestContext creates a Gin context for testing.
func NewTestContext() (*gin.Context, *httptest.ResponseRecorder) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	return c, w
}

// NewTestContextWithRequest creates a Gin context with a request.
func NewTestContextWithRequest(method, path string, body any) (*gin.Context, *httptest.ResponseRecorder) {
	c, w := NewTestContext()

	var req *http.Request
	if body != nil {
		jsonBody, _ := json.Marshal(body)
		req = httptest.NewRequest(method, path, bytes.NewReader(jsonBody))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	c.Request = req

	return c, w
}

// MakeJSONRequest creates an HTTP request with JSON body.
func MakeJSONRequest(t *testing.T, method, url string, body any) *http.Request {
	t.Helper()

	if body == nil {
		req, err := http.NewRequest(method, url, nil)
		require.NoError(t, err)
		return req
	}

	var payload []byte
	switch b := body.(type) {
	case []byte:
		payload = b
	case string:
		payload = []byte(b)
	default:
		payload = ToJSON(t, body)
	}
	req, err := http.NewRequest(method, url, bytes.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	return req
}

// MakeAuthenticatedRequest creates a request carrying a bearer token.
func MakeAuthenticatedRequest(t *testing.T, method, url string, body any, token string) *http.Request {
	t.Helper()

	req := MakeJSONRequest(t, method, url, body)
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

// MakeAPIKeyRequest creates a request carrying the key in x-api-key.
func MakeAPIKeyRequest(t *testing.T, method, url string, body any, apiKey string) *http.Request {
	t.Helper()

	req := MakeJSONRequest(t, method, url, body)
	req.Header.Set("X-API-Key", apiKey)
	return req
}

// ToJSON converts a value to JSON bytes.
func ToJSON(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

// FromJSON unmarshals JSON bytes to a value.
func FromJSON(t *testing.T, data []byte, v any) {
	t.Helper()
	err := json.Unmarshal(data, v)
	require.NoError(t, err, "body: %s", string(data))
}
