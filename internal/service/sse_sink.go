package service

import (
	"net/http"

	"github.com/user/session-proxy/internal/wire"
	"go.uber.org/zap"
)

// sseSink writes relay output to an HTTP response as server-sent events.
// The request id rides in the X-Request-Id header and in the first frame.
type sseSink struct {
	w          http.ResponseWriter
	rc         *http.ResponseController
	upstreamHd http.Header
	requestID  string
	sent       bool
	logger     *zap.Logger
}

func newSSESink(w http.ResponseWriter, upstreamHeader http.Header, requestID string, logger *zap.Logger) *sseSink {
	return &sseSink{
		w:          w,
		rc:         http.NewResponseController(w),
		upstreamHd: upstreamHeader,
		requestID:  requestID,
		logger:     logger,
	}
}

func (s *sseSink) Open() error {
	h := s.w.Header()
	copyHeaders(h, s.upstreamHd)
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	h.Set(wire.RequestIDHeader, s.requestID)
	s.w.WriteHeader(http.StatusOK)
	return s.flush()
}

func (s *sseSink) Send(data []byte) error {
	if !s.sent {
		data = wire.InjectRequestID(data, s.requestID)
		s.sent = true
	}
	if err := wire.WriteFrame(s.w, data); err != nil {
		return err
	}
	return s.flush()
}

func (s *sseSink) Done() error {
	if err := wire.WriteDone(s.w); err != nil {
		return err
	}
	return s.flush()
}

func (s *sseSink) Fail(err error) error {
	if werr := wire.WriteFrame(s.w, errorFrame(err, s.requestID)); werr != nil {
		return werr
	}
	return s.flush()
}

func (s *sseSink) flush() error {
	if err := s.rc.Flush(); err != nil {
		s.logger.Debug("flush failed", zap.Error(err))
		return err
	}
	return nil
}
