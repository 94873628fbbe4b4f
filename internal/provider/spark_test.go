package provider

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/liliang-cn/chatrelay/internal/domain"
	"github.com/liliang-cn/chatrelay/internal/relay"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestSparkDecoder_Content(t *testing.T) {
	f, err := SparkDecoder{}.Decode([]byte(`{"code":0,"sid":"cht000","choices":[{"delta":{"content":"Hi","reasoning_content":"why"}}]}`))
	require.NoError(t, err)

	assert.Equal(t, "Hi", f.Content)
	assert.Equal(t, "why", f.Reasoning)
	assert.Equal(t, "cht000", f.SessionID)
	assert.Empty(t, f.ErrorText)
	assert.Empty(t, f.Traces)
	assert.False(t, f.Terminal)
}

func TestSparkDecoder_ErrorCodes(t *testing.T) {
	tests := []struct {
		name string
		code int
		want string
	}{
		{"audit", 10013, SparkErrors.Messages[10013]},
		{"token limit", 10907, "Token count exceeds limit"},
		{"unmapped negative", -3, relay.GenericFallback},
		{"unmapped positive", 99999, relay.GenericFallback},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload, _ := json.Marshal(map[string]any{"code": tt.code, "message": "upstream says no"})
			f, err := SparkDecoder{}.Decode(payload)
			require.NoError(t, err)
			assert.Equal(t, tt.want, f.ErrorText)
		})
	}
}

func TestSparkDecoder_TraceAndWebSearchTag(t *testing.T) {
	payload := `{"code":0,"choices":[` +
		`{"delta":{"content":""}},` +
		`{"delta":{"tool_calls":[{"type":"web_search","web_search":{"outputs":[]}},{"type":"function"}]}}]}`

	f, err := SparkDecoder{}.Decode([]byte(payload))
	require.NoError(t, err)

	require.Len(t, f.Traces, 1)
	assert.Equal(t, "Web Search", gjson.Get(f.Traces[0], "0.deskToolName").String())
	assert.False(t, gjson.Get(f.Traces[0], "1.deskToolName").Exists())
	assert.Equal(t, "Web Search", gjson.GetBytes(f.Forward, "choices.1.delta.tool_calls.0.deskToolName").String())
}

func TestSparkDecoder_InvalidJSON(t *testing.T) {
	_, err := SparkDecoder{}.Decode([]byte(`{"code":`))
	assert.Error(t, err)
}

func TestSparkModel(t *testing.T) {
	assert.Equal(t, "4.0Ultra", SparkModel("spark"))
	assert.Equal(t, "4.0Ultra", SparkModel("Spark"))
	assert.Equal(t, "x1", SparkModel(""))
	assert.Equal(t, "x1", SparkModel("x1"))
}

func TestSpark_PrepareSendsRequest(t *testing.T) {
	var got sparkRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	p := NewSpark(SparkConfig{BaseURL: srv.URL + "/", APIPassword: "secret"})
	up, err := p.Prepare(&domain.ChatRequest{
		ChatID:    "c1",
		UID:       "u1",
		Text:      "hello",
		Model:     "spark",
		WebSearch: true,
		Messages:  []domain.Message{{Role: "assistant", Content: "earlier"}},
	})
	require.NoError(t, err)

	body, err := up.Opener.Open(context.Background())
	require.NoError(t, err)
	defer body.Close()
	raw, _ := io.ReadAll(body)

	assert.Equal(t, "data: [DONE]\n\n", string(raw))
	assert.Equal(t, "4.0Ultra", got.Model)
	assert.True(t, got.Stream)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "hello", got.Messages[1].Content)
	require.Len(t, got.Tools, 1)
	assert.Equal(t, "web_search", got.Tools[0].Type)
}

func TestSpark_NonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exhausted", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	up, err := NewSpark(SparkConfig{BaseURL: srv.URL}).Prepare(&domain.ChatRequest{ChatID: "c", Text: "x"})
	require.NoError(t, err)

	_, err = up.Opener.Open(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, relay.ErrUpstreamStatus))

	var statusErr *relay.UpstreamStatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusTooManyRequests, statusErr.StatusCode)
	assert.Equal(t, "quota exhausted", statusErr.Body)
}

func TestSpark_RequiresBaseURL(t *testing.T) {
	_, err := NewSpark(SparkConfig{}).Prepare(&domain.ChatRequest{ChatID: "c"})
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)
}
