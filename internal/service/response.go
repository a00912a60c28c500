package service

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/user/session-proxy/internal/relay"
	"github.com/user/session-proxy/internal/upstream"
	"github.com/user/session-proxy/internal/wire"
)

// writeError writes an OpenAI error envelope and returns status.
func writeError(w http.ResponseWriter, status int, message, code, requestID string) int {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(wire.NewErrorEnvelope(status, message, code, requestID).Marshal())
	return status
}

// writeUpstreamError answers a request that failed before any response
// byte was written. It returns the status written, or 0 when the client
// is gone and nothing was written.
func writeUpstreamError(w http.ResponseWriter, err error, requestID string) int {
	var (
		rejected *upstream.RejectedError
		timeout  *upstream.TimeoutError
	)
	switch {
	case errors.Is(err, relay.ErrShuttingDown):
		return writeError(w, http.StatusServiceUnavailable, "server shutting down", "", requestID)
	case errors.Is(err, upstream.ErrCanceled), errors.Is(err, context.Canceled):
		return 0
	case errors.As(err, &rejected):
		copyHeaders(w.Header(), rejected.Header)
		if w.Header().Get("Content-Type") == "" {
			w.Header().Set("Content-Type", "application/json")
		}
		w.WriteHeader(rejected.StatusCode)
		_, _ = w.Write(rejected.Body)
		return rejected.StatusCode
	case errors.As(err, &timeout):
		return writeError(w, http.StatusGatewayTimeout, "upstream timed out", "", requestID)
	}
	return writeError(w, http.StatusBadGateway, "upstream unavailable", "", requestID)
}

// errorFrame is the payload of the terminal error frame of a stream that
// already started.
func errorFrame(err error, requestID string) []byte {
	var (
		rejected *upstream.RejectedError
		timeout  *upstream.TimeoutError
	)
	switch {
	case errors.Is(err, relay.ErrShuttingDown):
		return wire.NewErrorEnvelope(http.StatusServiceUnavailable, "server shutting down", "", requestID).Marshal()
	case errors.As(err, &rejected):
		if wire.IsErrorPayload(rejected.Body) {
			return wire.InjectRequestID(rejected.Body, requestID)
		}
		return wire.NewErrorEnvelope(rejected.StatusCode, rejected.Error(), "", requestID).Marshal()
	case errors.As(err, &timeout):
		return wire.NewErrorEnvelope(http.StatusGatewayTimeout, "upstream timed out", "", requestID).Marshal()
	}
	return wire.NewErrorEnvelope(http.StatusBadGateway, "upstream connection lost", "", requestID).Marshal()
}

// copyHeaders copies upstream headers the client may rely on. Hop-by-hop
// and length headers are left to the server.
func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		switch strings.ToLower(k) {
		case "content-length", "connection", "transfer-encoding", "keep-alive":
			continue
		}
		dst[k] = append([]string(nil), vs...)
	}
}
