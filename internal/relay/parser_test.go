package relay

import (
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLine(t *testing.T) {
	tests := []struct {
		line    string
		kind    LineKind
		payload string
	}{
		{`data: {"a":1}`, LineData, `{"a":1}`},
		{`data:{"a":1}`, LineData, `{"a":1}`},
		{"data: {\"a\":1}\r", LineData, `{"a":1}`},
		{"data: [DONE]", LineDone, ""},
		{"data:[DONE]  ", LineDone, ""},
		{"data: ", LineSkip, ""},
		{"", LineSkip, ""},
		{": ping", LineSkip, ""},
		{"event: message", LineSkip, ""},
		{`{"a":1}`, LineSkip, ""},
		{`data: {"text":"[DONE] is not the sentinel here"}`, LineData, `{"text":"[DONE] is not the sentinel here"}`},
	}

	for _, tt := range tests {
		kind, payload := ParseLine(tt.line)
		assert.Equal(t, tt.kind, kind, tt.line)
		assert.Equal(t, tt.payload, payload, tt.line)
	}
}

func TestLineReader(t *testing.T) {
	r := newLineReader(strings.NewReader("a\r\nb\n\nc"), 0)

	var got []string
	for {
		line, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		got = append(got, line)
	}
	assert.Equal(t, []string{"a", "b", "", "c"}, got)
}

func TestLineReader_TooLong(t *testing.T) {
	r := newLineReader(strings.NewReader(strings.Repeat("x", 100)+"\n"), 16)
	_, err := r.Next()
	require.Error(t, err)
	assert.False(t, errors.Is(err, io.EOF))
}

func TestErrorTable_Lookup(t *testing.T) {
	table := &ErrorTable{Messages: map[int]string{1: "one"}}
	assert.Equal(t, "one", table.Lookup(1))
	assert.Equal(t, GenericFallback, table.Lookup(-5))

	var missing *ErrorTable
	assert.Equal(t, GenericFallback, missing.Lookup(1))
}
