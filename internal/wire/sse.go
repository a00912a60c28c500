package wire

import (
	"bytes"
	"io"

	"github.com/tidwall/gjson"
	"github.com/user/session-proxy/internal/models"
)

var (
	dataPrefix  = []byte("data:")
	frameSuffix = []byte("\n\n")
	donePayload = []byte("[DONE]")
)

// DoneFrame is the terminal marker of a chat completion stream.
var DoneFrame = []byte("data: [DONE]\n\n")

// EncodeFrame wraps one payload as an SSE data frame.
func EncodeFrame(payload []byte) []byte {
	frame := make([]byte, 0, len(payload)+len("data: ")+len(frameSuffix))
	frame = append(frame, "data: "...)
	frame = append(frame, payload...)
	return append(frame, frameSuffix...)
}

// WriteFrame writes payload as a single SSE data frame.
func WriteFrame(w io.Writer, payload []byte) error {
	_, err := w.Write(EncodeFrame(payload))
	return err
}

// WriteDone writes the terminal marker.
func WriteDone(w io.Writer) error {
	_, err := w.Write(DoneFrame)
	return err
}

// ParseDataLine extracts the payload of an SSE "data:" line. Lines that
// are blank, comments or other fields report ok=false.
func ParseDataLine(line []byte) (payload []byte, ok bool) {
	line = bytes.TrimRight(line, "\r\n")
	if !bytes.HasPrefix(line, dataPrefix) {
		return nil, false
	}
	payload = bytes.TrimPrefix(line, dataPrefix)
	if len(payload) > 0 && payload[0] == ' ' {
		payload = payload[1:]
	}
	return payload, true
}

// IsDone reports whether payload is the terminal marker.
func IsDone(payload []byte) bool {
	return bytes.Equal(bytes.TrimSpace(payload), donePayload)
}

// IsErrorPayload reports whether a stream payload is an error object
// rather than a chunk.
func IsErrorPayload(payload []byte) bool {
	return gjson.GetBytes(payload, "error").Exists()
}

// ChunkContent returns the delta text carried by a stream chunk.
func ChunkContent(payload []byte) string {
	return gjson.GetBytes(payload, "choices.0.delta.content").String()
}

// ChunkUsage returns the usage block of a stream chunk, if any.
func ChunkUsage(payload []byte) (models.Usage, bool) {
	u := gjson.GetBytes(payload, "usage")
	if !u.IsObject() {
		return models.Usage{}, false
	}
	return models.Usage{
		PromptTokens:     int(u.Get("prompt_tokens").Int()),
		CompletionTokens: int(u.Get("completion_tokens").Int()),
		TotalTokens:      int(u.Get("total_tokens").Int()),
	}, true
}

// BodyUsage returns the usage block of a buffered completion body.
func BodyUsage(body []byte) (models.Usage, bool) {
	return ChunkUsage(body)
}
