package testutil

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// AssertJSONEqual compares two values as JSON, ignoring field order.
func AssertJSONEqual(t *testing.T, expected, actual any) {
	t.Helper()

	expectedJSON, err := json.Marshal(expected)
	require.NoError(t, err, "failed to marshal expected value")

	actualJSON, err := json.Marshal(actual)
	require.NoError(t, err, "failed to marshal actual value")

	assert.JSONEq(t, string(expectedJSON), string(actualJSON))
}

// AssertHTTPStatus checks that the HTTP response has the expected status code.
func AssertHTTPStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	assert.Equal(t, expected, resp.StatusCode, "unexpected HTTP status code")
}

// ReadJSONResponse reads and unmarshals a JSON response body.
func ReadJSONResponse(t *testing.T, resp *http.Response, v any) {
	t.Helper()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err, "failed to read response body")
	defer resp.Body.Close()

	err = json.Unmarshal(body, v)
	require.NoError(t, err, "failed to unmarshal response body: %s", string(body))
}

// AssertOpenAIError checks that body is an OpenAI error envelope of the
// given type and returns the decoded error object.
func AssertOpenAIError(t *testing.T, body []byte, errType string) map[string]any {
	t.Helper()

	var envelope map[string]any
	require.NoError(t, json.Unmarshal(body, &envelope), "body is not JSON: %s", string(body))

	errObj, ok := envelope["error"].(map[string]any)
	require.True(t, ok, "missing error object: %s", string(body))
	assert.Equal(t, errType, errObj["type"])
	assert.NotEmpty(t, errObj["message"])
	return errObj
}

// SSEPayloads splits an SSE body into its data payloads, in order.
func SSEPayloads(t *testing.T, body []byte) []string {
	t.Helper()

	var payloads []string
	scanner := bufio.NewScanner(bytes.NewReader(body))
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payloads = append(payloads, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
	}
	require.NoError(t, scanner.Err())
	return payloads
}
