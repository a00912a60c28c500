//go:build !integration && !e2e
// +build !integration,!e2e

package upstream

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"github.com/user/session-proxy/internal/models"
	"github.com/user/session-proxy/internal/testutil"
	"github.com/user/session-proxy/internal/trace"
	"github.com/user/session-proxy/internal/wire"
	"go.uber.org/zap"
)

func newTestClient(baseURL string) *Client {
	return NewClient(Config{
		BaseURL:          baseURL,
		RequestTimeout:   5 * time.Second,
		FirstByteTimeout: 2 * time.Second,
		IdleTimeout:      2 * time.Second,
	}, zap.NewNop())
}

func collect(t *testing.T, h *StreamHandle) ([]models.StreamChunk, error) {
	t.Helper()
	var chunks []models.StreamChunk
	for {
		chunk, err := h.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return chunks, nil
			}
			return chunks, err
		}
		chunks = append(chunks, chunk)
	}
}

func TestClient_Endpoint(t *testing.T) {
	c := newTestClient("https://api.openai.com/v1/")
	assert.Equal(t, "https://api.openai.com/v1/chat/completions", c.Endpoint())
}

func TestClient_SendBuffered(t *testing.T) {
	up := testutil.NewFakeUpstream(t, testutil.Credential)
	c := newTestClient(up.BaseURL())

	tr := trace.New().NewTrace()
	ctx := trace.WithTrace(context.Background(), tr)

	req := testutil.SampleForwardRequest(false)
	req.Header.Set("OpenAI-Organization", "org-1")
	req.Header.Set("Authorization", "Bearer "+testutil.SessionKey)

	resp, err := c.Send(ctx, req, testutil.Credential)
	require.NoError(t, err)
	require.NotNil(t, resp.Buffered)
	assert.Nil(t, resp.Stream)

	assert.Equal(t, http.StatusOK, resp.Buffered.StatusCode)
	assert.Equal(t, "application/json", resp.Buffered.Header.Get("Content-Type"))
	assert.Equal(t, "12", resp.Buffered.Header.Get("Openai-Processing-Ms"))
	assert.Equal(t, "This is a test.", gjson.GetBytes(resp.Buffered.Body, "choices.0.message.content").String())

	header, body := up.LastRequest()
	assert.Equal(t, "Bearer "+testutil.Credential, header.Get("Authorization"))
	assert.Equal(t, tr.RequestID, header.Get(wire.RequestIDHeader))
	assert.Equal(t, "org-1", header.Get("OpenAI-Organization"))
	assert.Equal(t, "testutil/1.0", header.Get("User-Agent"))
	assert.JSONEq(t, string(req.Body), string(body))
}

func TestClient_SendRejectedPassesBodyVerbatim(t *testing.T) {
	up := testutil.NewFakeUpstream(t, testutil.Credential)
	c := newTestClient(up.BaseURL())

	_, err := c.Send(context.Background(), testutil.SampleForwardRequest(false), "wrong")
	require.Error(t, err)

	var rejected *RejectedError
	require.True(t, errors.As(err, &rejected))
	assert.Equal(t, http.StatusUnauthorized, rejected.StatusCode)
	assert.Equal(t, "invalid_api_key", gjson.GetBytes(rejected.Body, "error.code").String())
	assert.Equal(t, "application/json", rejected.Header.Get("Content-Type"))
}

func TestClient_SendRejectedStream(t *testing.T) {
	up := testutil.NewFakeUpstream(t, "")
	up.Reject(http.StatusTooManyRequests, `{"error":{"message":"slow down","type":"rate_limit_error"}}`)
	c := newTestClient(up.BaseURL())

	_, err := c.Send(context.Background(), testutil.SampleForwardRequest(true), testutil.Credential)

	var rejected *RejectedError
	require.True(t, errors.As(err, &rejected))
	assert.Equal(t, http.StatusTooManyRequests, rejected.StatusCode)
	assert.JSONEq(t, `{"error":{"message":"slow down","type":"rate_limit_error"}}`, string(rejected.Body))
}

func TestClient_SendUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	baseURL := srv.URL
	srv.Close()

	c := newTestClient(baseURL)
	for _, stream := range []bool{false, true} {
		_, err := c.Send(context.Background(), testutil.SampleForwardRequest(stream), testutil.Credential)
		var unavailable *UnavailableError
		assert.True(t, errors.As(err, &unavailable), "stream=%v err=%v", stream, err)
	}
}

func TestClient_SendTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	c := NewClient(Config{
		BaseURL:          srv.URL,
		RequestTimeout:   5 * time.Second,
		FirstByteTimeout: 50 * time.Millisecond,
	}, zap.NewNop())

	for _, stream := range []bool{false, true} {
		_, err := c.Send(context.Background(), testutil.SampleForwardRequest(stream), testutil.Credential)
		var timeout *TimeoutError
		assert.True(t, errors.As(err, &timeout), "stream=%v err=%v", stream, err)
	}
}

func TestClient_SendCanceledByCaller(t *testing.T) {
	up := testutil.NewFakeUpstream(t, "")
	c := newTestClient(up.BaseURL())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Send(ctx, testutil.SampleForwardRequest(false), testutil.Credential)
	assert.ErrorIs(t, err, ErrCanceled)
}

func TestClient_StreamChunksInOrder(t *testing.T) {
	up := testutil.NewFakeUpstream(t, testutil.Credential)
	c := newTestClient(up.BaseURL())

	resp, err := c.Send(context.Background(), testutil.SampleForwardRequest(true), testutil.Credential)
	require.NoError(t, err)
	require.NotNil(t, resp.Stream)
	defer resp.Stream.Close()

	chunks, err := collect(t, resp.Stream)
	require.NoError(t, err)
	require.Len(t, chunks, len(testutil.StreamPieces))

	for i, chunk := range chunks {
		assert.Equal(t, i, chunk.Seq)
		assert.Equal(t, testutil.StreamPieces[i], wire.ChunkContent(chunk.Data))
	}

	header, _ := up.LastRequest()
	assert.Equal(t, "text/event-stream", header.Get("Accept"))

	// Exhausted handles keep reporting EOF.
	_, err = resp.Stream.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestClient_StreamAbortMidway(t *testing.T) {
	up := testutil.NewFakeUpstream(t, "")
	up.AbortAfter(2)
	c := newTestClient(up.BaseURL())

	resp, err := c.Send(context.Background(), testutil.SampleForwardRequest(true), testutil.Credential)
	require.NoError(t, err)
	defer resp.Stream.Close()

	chunks, err := collect(t, resp.Stream)
	assert.Len(t, chunks, 2)
	var unavailable *UnavailableError
	assert.True(t, errors.As(err, &unavailable), "err=%v", err)
}

func TestClient_StreamIdleTimeout(t *testing.T) {
	up := testutil.NewFakeUpstream(t, "")
	up.SetMode(testutil.ModeStall)

	c := NewClient(Config{
		BaseURL:          up.BaseURL(),
		FirstByteTimeout: time.Second,
		IdleTimeout:      100 * time.Millisecond,
	}, zap.NewNop())

	resp, err := c.Send(context.Background(), testutil.SampleForwardRequest(true), testutil.Credential)
	require.NoError(t, err)
	defer resp.Stream.Close()

	start := time.Now()
	_, err = resp.Stream.Next()
	var timeout *TimeoutError
	require.True(t, errors.As(err, &timeout), "err=%v", err)
	assert.Equal(t, "stream idle", timeout.Phase)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestClient_StreamCloseReleasesUpstream(t *testing.T) {
	up := testutil.NewFakeUpstream(t, "")
	up.SetMode(testutil.ModeEndless)
	c := newTestClient(up.BaseURL())

	resp, err := c.Send(context.Background(), testutil.SampleForwardRequest(true), testutil.Credential)
	require.NoError(t, err)

	_, err = resp.Stream.Next()
	require.NoError(t, err)
	require.NoError(t, resp.Stream.Close())
	require.NoError(t, resp.Stream.Close())

	select {
	case <-up.Disconnected():
	case <-time.After(2 * time.Second):
		t.Fatal("upstream still streaming after Close")
	}

	_, err = resp.Stream.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestClient_StreamNonEventStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"x"}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.Send(context.Background(), testutil.SampleForwardRequest(true), testutil.Credential)
	var unavailable *UnavailableError
	assert.True(t, errors.As(err, &unavailable), "err=%v", err)
}

func TestClient_StreamErrorPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(": comment\n\nevent: chunk\ndata: {\"choices\":[{\"delta\":{\"content\":\"A\"}}]}\n\n"))
		_, _ = w.Write([]byte("data: {\"error\":{\"message\":\"overloaded\",\"type\":\"server_error\"}}\n\n"))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	resp, err := c.Send(context.Background(), testutil.SampleForwardRequest(true), testutil.Credential)
	require.NoError(t, err)
	defer resp.Stream.Close()

	chunk, err := resp.Stream.Next()
	require.NoError(t, err)
	assert.Equal(t, "A", wire.ChunkContent(chunk.Data))

	_, err = resp.Stream.Next()
	var rejected *RejectedError
	require.True(t, errors.As(err, &rejected))
	assert.Equal(t, "overloaded", gjson.GetBytes(rejected.Body, "error.message").String())
}
