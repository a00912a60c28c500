// Package testutil provides fixtures and an in-process upstream for tests.
package testutil

import (
	"encoding/json"
	"net/http"

	"github.com/user/session-proxy/internal/models"
)

// Scenario values shared by the acceptance tests.
const (
	SessionKey   = "S1"
	Credential   = "K1"
	SampleModel  = "gpt-4o"
	SamplePrompt = "Say this is a test"
)

// StreamPieces is the content the fake upstream streams by default.
var StreamPieces = []string{"This", " is", " a", " test", "."}

// SampleChatBody returns a chat completion request body.
func SampleChatBody(stream bool) []byte {
	body := map[string]any{
		"model": SampleModel,
		"messages": []map[string]any{
			{"role": "user", "content": SamplePrompt},
		},
	}
	if stream {
		body["stream"] = true
	}
	data, _ := json.Marshal(body)
	return data
}

// SampleForwardRequest returns a decoded request as the handler would
// build it.
func SampleForwardRequest(stream bool) *models.ForwardRequest {
	content, _ := json.Marshal(SamplePrompt)
	return &models.ForwardRequest{
		SessionKey: SessionKey,
		Body:       SampleChatBody(stream),
		Model:      SampleModel,
		Messages:   []models.ChatMessage{{Role: "user", Content: content}},
		Stream:     stream,
		Header:     http.Header{"User-Agent": []string{"testutil/1.0"}},
	}
}
