package testutil

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/tidwall/gjson"
)

// UpstreamMode selects how FakeUpstream answers.
type UpstreamMode int

const (
	// ModeNormal answers buffered or streamed according to the request.
	ModeNormal UpstreamMode = iota
	// ModeReject answers every request with RejectStatus and RejectBody.
	ModeReject
	// ModeAbortBeforeChunks sends stream headers and then drops the
	// connection.
	ModeAbortBeforeChunks
	// ModeAbortAfterChunks streams AbortAfter chunks and then drops the
	// connection.
	ModeAbortAfterChunks
	// ModeEndless streams chunks until the client goes away.
	ModeEndless
	// ModeStall sends stream headers and then goes silent until the
	// client goes away.
	ModeStall
)

// FakeUpstream is an in-process OpenAI-compatible chat completions server.
type FakeUpstream struct {
	Server *httptest.Server

	mu           sync.Mutex
	credential   string
	mode         UpstreamMode
	pieces       []string
	content      string
	chunkDelay   time.Duration
	rejectStatus int
	rejectBody   string
	abortAfter   int

	calls        int
	lastHeader   http.Header
	lastBody     []byte
	chunksSent   int
	disconnected chan struct{}
	discOnce     sync.Once
}

// NewFakeUpstream starts a fake upstream that only accepts credential.
func NewFakeUpstream(t *testing.T, credential string) *FakeUpstream {
	t.Helper()

	f := &FakeUpstream{
		credential:   credential,
		pieces:       StreamPieces,
		content:      "This is a test.",
		disconnected: make(chan struct{}),
	}
	f.Server = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.Server.Close)
	return f
}

// BaseURL is the upstream base URL, including the /v1 prefix.
func (f *FakeUpstream) BaseURL() string {
	return f.Server.URL + "/v1"
}

// SetMode switches the answering mode.
func (f *FakeUpstream) SetMode(mode UpstreamMode) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mode = mode
}

// Reject makes every request fail with status and body.
func (f *FakeUpstream) Reject(status int, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mode = ModeReject
	f.rejectStatus = status
	f.rejectBody = body
}

// AbortAfter makes streams drop the connection after n chunks.
func (f *FakeUpstream) AbortAfter(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mode = ModeAbortAfterChunks
	f.abortAfter = n
}

// SetChunkDelay sets the pause between streamed chunks.
func (f *FakeUpstream) SetChunkDelay(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chunkDelay = d
}

// Calls returns how many chat completion requests reached the upstream.
func (f *FakeUpstream) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// ChunksSent returns how many stream chunks were written successfully.
func (f *FakeUpstream) ChunksSent() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.chunksSent
}

// LastRequest returns the headers and body of the latest request.
func (f *FakeUpstream) LastRequest() (http.Header, []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastHeader.Clone(), append([]byte(nil), f.lastBody...)
}

// Disconnected is closed once a streaming handler observes the proxy
// going away.
func (f *FakeUpstream) Disconnected() <-chan struct{} {
	return f.disconnected
}

func (f *FakeUpstream) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost || r.URL.Path != "/v1/chat/completions" {
		http.NotFound(w, r)
		return
	}
	body, _ := io.ReadAll(r.Body)

	f.mu.Lock()
	f.calls++
	f.lastHeader = r.Header.Clone()
	f.lastBody = body
	mode, credential := f.mode, f.credential
	rejectStatus, rejectBody := f.rejectStatus, f.rejectBody
	f.mu.Unlock()

	if credential != "" && r.Header.Get("Authorization") != "Bearer "+credential {
		writeJSON(w, http.StatusUnauthorized, `{"error":{"message":"Incorrect API key provided","type":"invalid_request_error","param":null,"code":"invalid_api_key"}}`)
		return
	}
	if mode == ModeReject {
		writeJSON(w, rejectStatus, rejectBody)
		return
	}

	model := gjson.GetBytes(body, "model").String()
	if !gjson.GetBytes(body, "stream").Bool() {
		f.writeCompletion(w, model)
		return
	}
	f.writeStream(w, r, model, mode)
}

func (f *FakeUpstream) writeCompletion(w http.ResponseWriter, model string) {
	f.mu.Lock()
	content := f.content
	f.mu.Unlock()

	resp := openai.ChatCompletionResponse{
		ID:      "chatcmpl-fake",
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []openai.ChatCompletionChoice{{
			Index:        0,
			Message:      openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: content},
			FinishReason: openai.FinishReasonStop,
		}},
		Usage: openai.Usage{PromptTokens: 5, CompletionTokens: 5, TotalTokens: 10},
	}
	data, _ := json.Marshal(resp)
	w.Header().Set("openai-processing-ms", "12")
	writeJSON(w, http.StatusOK, string(data))
}

func (f *FakeUpstream) writeStream(w http.ResponseWriter, r *http.Request, model string, mode UpstreamMode) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	f.mu.Lock()
	pieces, delay, abortAfter := f.pieces, f.chunkDelay, f.abortAfter
	f.mu.Unlock()

	switch mode {
	case ModeAbortBeforeChunks:
		panic(http.ErrAbortHandler)
	case ModeStall:
		<-r.Context().Done()
		f.markDisconnected()
		return
	}

	for i := 0; mode == ModeEndless || i < len(pieces); i++ {
		if mode == ModeAbortAfterChunks && i == abortAfter {
			panic(http.ErrAbortHandler)
		}
		piece := fmt.Sprintf("tok%d ", i)
		if i < len(pieces) {
			piece = pieces[i]
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", streamChunk(model, i, piece, mode != ModeEndless && i == len(pieces)-1)); err != nil {
			f.markDisconnected()
			return
		}
		flusher.Flush()
		f.mu.Lock()
		f.chunksSent++
		f.mu.Unlock()

		if delay > 0 || mode == ModeEndless {
			wait := delay
			if wait <= 0 {
				wait = 5 * time.Millisecond
			}
			select {
			case <-r.Context().Done():
				f.markDisconnected()
				return
			case <-time.After(wait):
			}
		}
	}

	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func (f *FakeUpstream) markDisconnected() {
	f.discOnce.Do(func() { close(f.disconnected) })
}

func streamChunk(model string, i int, piece string, last bool) string {
	delta := openai.ChatCompletionStreamChoiceDelta{Content: piece}
	if i == 0 {
		delta.Role = openai.ChatMessageRoleAssistant
	}
	choice := openai.ChatCompletionStreamChoice{Index: 0, Delta: delta}
	if last {
		choice.FinishReason = openai.FinishReasonStop
	}
	data, _ := json.Marshal(openai.ChatCompletionStreamResponse{
		ID:      "chatcmpl-fake",
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []openai.ChatCompletionStreamChoice{choice},
	})
	return string(data)
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}
