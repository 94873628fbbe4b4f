package provider

import (
	"testing"

	"github.com/liliang-cn/chatrelay/internal/domain"
	"github.com/liliang-cn/chatrelay/internal/relay"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPromptDecoder(t *testing.T) {
	f, err := PromptDecoder{}.Decode([]byte(`{"id":"chatcmpl-1","choices":[{"index":0,"delta":{"content":"Hello"},"finish_reason":null}]}`))
	require.NoError(t, err)
	assert.Equal(t, "Hello", f.Content)
	assert.Equal(t, "chatcmpl-1", f.SessionID)
	assert.Empty(t, f.ErrorText)
	assert.Empty(t, f.Traces)
}

func TestPromptDecoder_Errors(t *testing.T) {
	f, err := PromptDecoder{}.Decode([]byte(`{"error":{"message":"model not found","code":404}}`))
	require.NoError(t, err)
	assert.Equal(t, "model not found", f.ErrorText)

	f, err = PromptDecoder{}.Decode([]byte(`{"error":{"code":500}}`))
	require.NoError(t, err)
	assert.Equal(t, relay.GenericFallback, f.ErrorText)

	f, err = PromptDecoder{}.Decode([]byte(`{"error":null,"choices":[]}`))
	require.NoError(t, err)
	assert.Empty(t, f.ErrorText)
}

func TestPrompt_RequiresURL(t *testing.T) {
	p := NewPrompt(nil, []string{"api.example.com"})
	_, err := p.Prepare(&domain.ChatRequest{ChatID: "c"})
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)

	up, err := p.Prepare(&domain.ChatRequest{ChatID: "c", URL: "https://api.example.com/v1/chat/completions", APIKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, PromptName, up.Decoder.Provider())
}

func TestPrompt_AllowedHosts(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		url     string
		ok      bool
	}{
		{"empty list refuses", nil, "https://api.example.com/v1/chat/completions", false},
		{"exact host", []string{"api.example.com"}, "https://API.example.com:8443/v1", true},
		{"other host", []string{"api.example.com"}, "http://169.254.169.254/latest/meta-data", false},
		{"domain suffix", []string{".example.com"}, "https://llm.eu.example.com/v1", true},
		{"suffix matches apex", []string{".example.com"}, "https://example.com/v1", true},
		{"suffix is not substring", []string{".example.com"}, "https://badexample.com/v1", false},
		{"wildcard", []string{" * "}, "http://10.0.0.8:8000/v1", true},
		{"scheme", []string{"*"}, "file:///etc/passwd", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewPrompt(nil, tt.allowed).Prepare(&domain.ChatRequest{ChatID: "c", URL: tt.url})
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, domain.ErrInvalidRequest)
			}
		})
	}
}

func TestSet_Lookup(t *testing.T) {
	set := NewSet(NewSpark(SparkConfig{}), NewPrompt(nil, nil), NewWorkflow(WorkflowConfig{}))

	p, err := set.Lookup(" Workflow ")
	require.NoError(t, err)
	assert.Equal(t, WorkflowName, p.Name())

	_, err = set.Lookup("unknown")
	assert.ErrorIs(t, err, domain.ErrUnknownProvider)
	assert.Len(t, set.Names(), 3)
}
