package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/liliang-cn/chatrelay/internal/domain"
)

type recordedEvent struct {
	Name    string
	Payload any
}

type recordingSink struct {
	*sinkBase
	mu     sync.Mutex
	events []recordedEvent
	broken bool
}

func newRecordingSink(broken bool) *recordingSink {
	return newTimedRecordingSink(broken, 0)
}

func newTimedRecordingSink(broken bool, timeout time.Duration) *recordingSink {
	s := &recordingSink{broken: broken}
	s.sinkBase = newSinkBase(func(event string, payload any) error {
		if s.broken {
			return errors.New("write: broken pipe")
		}
		s.mu.Lock()
		s.events = append(s.events, recordedEvent{Name: event, Payload: payload})
		s.mu.Unlock()
		return nil
	}, nil, timeout)
	return s
}

func (s *recordingSink) names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	for i, ev := range s.events {
		out[i] = ev.Name
	}
	return out
}

func (s *recordingSink) find(name string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range s.events {
		if ev.Name == name {
			return ev.Payload, true
		}
	}
	return nil, false
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

type savedResponse struct {
	Text       string
	SID        string
	AnswerType int
	Edit       bool
}

type memPersister struct {
	mu        sync.Mutex
	responses []savedResponse
	thinking  []string
	traces    []string
	err       error
}

func (p *memPersister) SaveResponse(_ context.Context, _ *domain.ChatRequestRecord, text, sid string, answerType int, edit bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.responses = append(p.responses, savedResponse{Text: text, SID: sid, AnswerType: answerType, Edit: edit})
	return p.err
}

func (p *memPersister) SaveThinking(_ context.Context, _ *domain.ChatRequestRecord, text string, _ bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.thinking = append(p.thinking, text)
	return p.err
}

func (p *memPersister) SaveTrace(_ context.Context, _ *domain.ChatRequestRecord, text string, _ bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.traces = append(p.traces, text)
	return p.err
}

func (p *memPersister) responseCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.responses)
}

// chunkDecoder understands OpenAI-style chunks with an optional id and code.
type chunkDecoder struct{}

type testChunk struct {
	ID      string `json:"id"`
	Code    int    `json:"code"`
	Choices []struct {
		Delta struct {
			Content          string `json:"content"`
			ReasoningContent string `json:"reasoning_content"`
		} `json:"delta"`
	} `json:"choices"`
}

var testTable = &ErrorTable{
	Version:  "test",
	Messages: map[int]string{10013: "Input content audit failed"},
	Fallback: GenericFallback,
}

func (chunkDecoder) Provider() string         { return "test" }
func (chunkDecoder) ErrorTable() *ErrorTable { return testTable }

func (chunkDecoder) Decode(payload []byte) (*Frame, error) {
	var c testChunk
	if err := json.Unmarshal(payload, &c); err != nil {
		return nil, err
	}
	f := &Frame{Forward: json.RawMessage(payload), SessionID: c.ID}
	if c.Code != 0 {
		f.ErrorText = testTable.Lookup(c.Code)
	}
	if len(c.Choices) > 0 {
		f.Content = c.Choices[0].Delta.Content
		f.Reasoning = c.Choices[0].Delta.ReasoningContent
	}
	return f, nil
}

func staticUpstream(lines ...string) Opener {
	return OpenerFunc(func(context.Context) (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader(strings.Join(lines, "\n") + "\n")), nil
	})
}

func pipeUpstream() (Opener, *io.PipeWriter) {
	pr, pw := io.Pipe()
	return OpenerFunc(func(context.Context) (io.ReadCloser, error) { return pr, nil }), pw
}

func testRecord() *domain.ChatRequestRecord {
	return &domain.ChatRequestRecord{ID: 7, UID: "u1", ChatID: "c1", Message: "hello"}
}

// scriptedReader returns one chunk per Read call.
type scriptedReader struct {
	chunks     []string
	next       int
	beforeRead func(i int)
}

func (r *scriptedReader) Read(p []byte) (int, error) {
	if r.beforeRead != nil {
		r.beforeRead(r.next)
	}
	if r.next >= len(r.chunks) {
		return 0, io.EOF
	}
	n := copy(p, r.chunks[r.next])
	r.next++
	return n, nil
}

// stalledUpstream serves one data line and then holds the connection open
// without sending anything until the client goes away.
func stalledUpstream(t *testing.T, line string) Opener {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintln(w, line)
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)

	return &HTTPOpener{
		Client: srv.Client(),
		NewRequest: func(ctx context.Context) (*http.Request, error) {
			return http.NewRequestWithContext(ctx, http.MethodPost, srv.URL, nil)
		},
	}
}
