//go:build !integration && !e2e
// +build !integration,!e2e

package wire

import (
	"bytes"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorTypeFromStatus(t *testing.T) {
	tests := []struct {
		status int
		want   string
	}{
		{http.StatusBadRequest, ErrTypeInvalidRequest},
		{http.StatusUnauthorized, ErrTypeAuthentication},
		{http.StatusForbidden, ErrTypePermission},
		{http.StatusNotFound, ErrTypeNotFound},
		{http.StatusTooManyRequests, ErrTypeRateLimit},
		{http.StatusInternalServerError, ErrTypeServer},
		{http.StatusBadGateway, ErrTypeServer},
		{http.StatusGatewayTimeout, ErrTypeTimeout},
		{http.StatusTeapot, ErrTypeInvalidRequest},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ErrorTypeFromStatus(tt.status), "status %d", tt.status)
	}
}

func TestErrorEnvelope_Marshal(t *testing.T) {
	body := NewErrorEnvelope(http.StatusUnauthorized, "invalid session key", "invalid_api_key", "req_abc").Marshal()

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(body, &decoded))

	errObj, ok := decoded["error"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "invalid session key", errObj["message"])
	assert.Equal(t, ErrTypeAuthentication, errObj["type"])
	assert.Equal(t, "invalid_api_key", errObj["code"])
	assert.Equal(t, "req_abc", decoded[RequestIDField])
}

func TestErrorEnvelope_OmitsEmptyCode(t *testing.T) {
	body := NewErrorEnvelope(http.StatusBadGateway, "upstream unavailable", "", "").Marshal()
	assert.NotContains(t, string(body), `"code"`)
	assert.NotContains(t, string(body), RequestIDField)
}

func TestInjectRequestID(t *testing.T) {
	body := []byte(`{"id":"chatcmpl-1","object":"chat.completion"}`)
	got := InjectRequestID(body, "req_1")

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(got, &decoded))
	assert.Equal(t, "req_1", decoded[RequestIDField])
	assert.Equal(t, "chatcmpl-1", decoded["id"])
}

func TestInjectRequestID_NonObjectUnchanged(t *testing.T) {
	for _, body := range [][]byte{
		[]byte(`not json`),
		[]byte(`[1,2,3]`),
		[]byte(``),
	} {
		assert.Equal(t, body, InjectRequestID(body, "req_1"))
	}
}

func TestInjectRequestID_EmptyID(t *testing.T) {
	body := []byte(`{"a":1}`)
	assert.Equal(t, body, InjectRequestID(body, ""))
}

func TestEncodeFrame(t *testing.T) {
	assert.Equal(t, "data: {\"a\":1}\n\n", string(EncodeFrame([]byte(`{"a":1}`))))

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte(`{}`)))
	require.NoError(t, WriteDone(&buf))
	assert.Equal(t, "data: {}\n\ndata: [DONE]\n\n", buf.String())
}

func TestParseDataLine(t *testing.T) {
	tests := []struct {
		line    string
		payload string
		ok      bool
	}{
		{"data: {\"a\":1}\n", `{"a":1}`, true},
		{"data:{\"a\":1}\r\n", `{"a":1}`, true},
		{"data: [DONE]\n", "[DONE]", true},
		{": keep-alive\n", "", false},
		{"event: message\n", "", false},
		{"\n", "", false},
	}
	for _, tt := range tests {
		payload, ok := ParseDataLine([]byte(tt.line))
		assert.Equal(t, tt.ok, ok, tt.line)
		if tt.ok {
			assert.Equal(t, tt.payload, string(payload))
		}
	}
}

func TestIsDone(t *testing.T) {
	assert.True(t, IsDone([]byte("[DONE]")))
	assert.True(t, IsDone([]byte(" [DONE] ")))
	assert.False(t, IsDone([]byte(`{"choices":[]}`)))
}

func TestChunkHelpers(t *testing.T) {
	chunk := []byte(`{"choices":[{"index":0,"delta":{"content":"Hello"}}]}`)
	assert.Equal(t, "Hello", ChunkContent(chunk))
	_, ok := ChunkUsage(chunk)
	assert.False(t, ok)

	final := []byte(`{"choices":[],"usage":{"prompt_tokens":5,"completion_tokens":7,"total_tokens":12}}`)
	usage, ok := ChunkUsage(final)
	require.True(t, ok)
	assert.Equal(t, 5, usage.PromptTokens)
	assert.Equal(t, 7, usage.CompletionTokens)
	assert.Equal(t, 12, usage.TotalTokens)

	assert.True(t, IsErrorPayload([]byte(`{"error":{"message":"boom"}}`)))
	assert.False(t, IsErrorPayload(chunk))
}
