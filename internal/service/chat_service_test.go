package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/liliang-cn/chatrelay/internal/domain"
	"github.com/liliang-cn/chatrelay/internal/provider"
	"github.com/liliang-cn/chatrelay/internal/relay"
	"github.com/liliang-cn/chatrelay/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// holdLine makes the fake upstream stall until the client goes away.
const holdLine = "<hold>"

type fixture struct {
	chat    *ChatService
	admin   *AdminService
	engine  *relay.Engine
	records *repository.ChatRecordRepository
	calls   chan string
}

// newFixture wires the services against a fake upstream serving lines for
// every POST.
func newFixture(t *testing.T, lines ...string) *fixture {
	t.Helper()
	calls := make(chan string, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls <- r.URL.Path
		w.Header().Set("Content-Type", "text/event-stream")
		for _, line := range lines {
			if line == holdLine {
				w.(http.Flusher).Flush()
				<-r.Context().Done()
				return
			}
			fmt.Fprintf(w, "%s\n", line)
		}
	}))
	t.Cleanup(srv.Close)

	db, err := repository.NewDB(filepath.Join(t.TempDir(), "chatrelay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	records := repository.NewChatRecordRepository(db)

	logger := zaptest.NewLogger(t)
	engine := relay.NewEngine(relay.NewRegistry(logger), relay.NewSignalStore(time.Minute), records, logger, relay.Options{})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = engine.Shutdown(ctx)
	})

	workflow := provider.NewWorkflow(provider.WorkflowConfig{BaseURL: srv.URL, APIKey: "k", APISecret: "s", Client: srv.Client()})
	providers := provider.NewSet(
		provider.NewSpark(provider.SparkConfig{BaseURL: srv.URL, Client: srv.Client()}),
		provider.NewPrompt(srv.Client(), []string{"127.0.0.1"}),
		workflow,
	)

	return &fixture{
		chat:    NewChatService(engine, providers, workflow, records, nil, logger),
		admin:   NewAdminService(engine, records, logger),
		engine:  engine,
		records: records,
		calls:   calls,
	}
}

func newSink() (*relay.SSESink, *httptest.ResponseRecorder) {
	w := httptest.NewRecorder()
	return relay.NewSSESink(w, time.Minute), w
}

func waitDone(t *testing.T, sink relay.Sink) {
	t.Helper()
	select {
	case <-sink.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not finish")
	}
}

var sparkLines = []string{
	`data: {"code":0,"sid":"cht01","choices":[{"delta":{"content":"Hello"}}]}`,
	``,
	`data: {"code":0,"sid":"cht01","choices":[{"delta":{"content":" world","reasoning_content":"greet"}}]}`,
	`data: [DONE]`,
}

func TestChatService_StartChatPersistsTurn(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, sparkLines...)
	sink, w := newSink()

	started, err := f.chat.StartChat(ctx, "spark", &domain.ChatRequest{ChatID: "c1", UID: "u1", Text: "hi"}, sink)
	require.NoError(t, err)
	assert.Equal(t, "start", started.Type)
	assert.True(t, strings.HasPrefix(started.StreamID, "c1_u1_"))

	waitDone(t, sink)
	body := w.Body.String()
	assert.True(t, strings.HasPrefix(body, "event:data\ndata:{\"type\":\"start\""), body)
	assert.Contains(t, body, "event:complete\n")
	assert.Contains(t, body, "event:end\n")
	assert.Less(t, strings.Index(body, "event:complete"), strings.Index(body, "event:end"))

	rec, err := f.records.LatestRequest(ctx, "u1", "c1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "hi", rec.Message)

	turn, err := f.records.GetTurn(ctx, rec.ID)
	require.NoError(t, err)
	require.NotNil(t, turn.Response)
	assert.Equal(t, "Hello world", turn.Response.Message)
	assert.Equal(t, "cht01", turn.Response.SID)
	require.NotNil(t, turn.Reason)
	assert.Equal(t, "greet", turn.Reason.Content)

	assert.Eventually(t, func() bool { return f.engine.Registry().Len() == 0 }, time.Second, 10*time.Millisecond)
}

func TestChatService_DebugSkipsRecords(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, sparkLines...)
	sink, w := newSink()

	_, err := f.chat.StartChat(ctx, "spark", &domain.ChatRequest{ChatID: "c1", Debug: true}, sink)
	require.NoError(t, err)
	waitDone(t, sink)
	assert.Contains(t, w.Body.String(), "event:complete\n")

	requests, responses, err := f.records.Counts(ctx)
	require.NoError(t, err)
	assert.Zero(t, requests)
	assert.Zero(t, responses)
}

func TestChatService_StartChatRejected(t *testing.T) {
	tests := []struct {
		name     string
		provider string
		req      *domain.ChatRequest
		want     error
	}{
		{"unknown provider", "nope", &domain.ChatRequest{ChatID: "c1", UID: "u1", Text: "hi"}, domain.ErrUnknownProvider},
		{"empty message", "spark", &domain.ChatRequest{ChatID: "c1", UID: "u1", Text: "  "}, domain.ErrEmptyMessage},
		{"missing uid", "spark", &domain.ChatRequest{ChatID: "c1", Text: "hi"}, domain.ErrInvalidRequest},
		{"edit without history", "spark", &domain.ChatRequest{ChatID: "c1", UID: "u1", Edit: true}, domain.ErrEmptyMessage},
		{"prompt without url", "prompt", &domain.ChatRequest{ChatID: "c1", UID: "u1", Text: "hi"}, domain.ErrInvalidRequest},
		{"prompt host not allowed", "prompt", &domain.ChatRequest{ChatID: "c1", UID: "u1", Text: "hi", URL: "http://169.254.169.254/v1"}, domain.ErrInvalidRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, sparkLines...)
			sink, w := newSink()

			_, err := f.chat.StartChat(context.Background(), tt.provider, tt.req, sink)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), err.Error())
			assert.Empty(t, w.Body.String())
			assert.Zero(t, f.engine.Registry().Len())
			assert.Empty(t, f.calls)
		})
	}
}

func TestChatService_EditReusesLatestRequest(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, sparkLines...)

	first, _ := newSink()
	_, err := f.chat.StartChat(ctx, "spark", &domain.ChatRequest{ChatID: "c1", UID: "u1", Text: "hi"}, first)
	require.NoError(t, err)
	waitDone(t, first)

	again, _ := newSink()
	_, err = f.chat.StartChat(ctx, "spark", &domain.ChatRequest{ChatID: "c1", UID: "u1", Edit: true}, again)
	require.NoError(t, err)
	waitDone(t, again)

	requests, responses, err := f.records.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, requests)
	assert.Equal(t, 1, responses)
}

func TestChatService_StreamID(t *testing.T) {
	f := newFixture(t)
	f.chat.now = func() time.Time { return time.UnixMilli(1700000000123) }

	assert.Equal(t, "given", f.chat.StreamID(&domain.ChatRequest{StreamID: " given ", ChatID: "c1", UID: "u1"}))
	assert.Equal(t, "c1_u1_1700000000123", f.chat.StreamID(&domain.ChatRequest{ChatID: "c1", UID: "u1"}))

	_, err := uuid.Parse(f.chat.StreamID(&domain.ChatRequest{ChatID: "c1"}))
	assert.NoError(t, err)
}

type fakePublisher struct {
	ids []string
	err error
}

func (p *fakePublisher) RequestStop(ctx context.Context, streamID string) error {
	if p.err != nil {
		return p.err
	}
	p.ids = append(p.ids, streamID)
	return nil
}

func TestChatService_StopStream(t *testing.T) {
	ctx := context.Background()

	t.Run("local", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.chat.StopStream(ctx, "s1"))
		assert.True(t, f.engine.Signals().IsStoppedAndConsume("s1"))
	})

	t.Run("published", func(t *testing.T) {
		f := newFixture(t)
		pub := &fakePublisher{}
		f.chat.publisher = pub
		require.NoError(t, f.chat.StopStream(ctx, "s1"))
		assert.Equal(t, []string{"s1"}, pub.ids)
		assert.False(t, f.engine.Signals().IsStoppedAndConsume("s1"), "the subscriber records the flag")
	})

	t.Run("publish failure falls back to local", func(t *testing.T) {
		f := newFixture(t)
		f.chat.publisher = &fakePublisher{err: errors.New("redis down")}
		require.NoError(t, f.chat.StopStream(ctx, "s1"))
		assert.True(t, f.engine.Signals().IsStoppedAndConsume("s1"))
	})

	t.Run("empty id", func(t *testing.T) {
		f := newFixture(t)
		assert.ErrorIs(t, f.chat.StopStream(ctx, " "), domain.ErrInvalidRequest)
	})
}

func TestChatService_ResumeWorkflow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t,
		`data: {"code":0,"id":"wf1","choices":[{"delta":{"content":"resumed"}}]}`,
		`data: [DONE]`,
	)
	sink, w := newSink()

	started, err := f.chat.ResumeWorkflow(ctx, &domain.ResumeRequest{
		ChatID: "c1", EventID: "ev1", EventType: "input", Content: "yes",
	}, sink)
	require.NoError(t, err)
	assert.Contains(t, started.StreamID, "c1_resume_")

	waitDone(t, sink)
	assert.Equal(t, "/workflow/v1/resume", <-f.calls)
	assert.Contains(t, w.Body.String(), `"finalResult":"resumed"`)

	requests, responses, err := f.records.Counts(ctx)
	require.NoError(t, err)
	assert.Zero(t, requests)
	assert.Zero(t, responses)
}
