package relay

import (
	"strings"

	"github.com/tidwall/sjson"
)

// Accumulator collects the text of one relay. It is owned by the relay
// goroutine and read by the finalizer only after the loop has returned.
type Accumulator struct {
	final    strings.Builder
	thinking strings.Builder
	trace    strings.Builder

	sessionID  string
	answerType int
	envelope   []byte
}

// NewAccumulator returns an empty accumulator with the default answer type.
func NewAccumulator() *Accumulator {
	return &Accumulator{answerType: defaultAnswerType}
}

func (a *Accumulator) AppendContent(s string)  { a.final.WriteString(s) }
func (a *Accumulator) AppendThinking(s string) { a.thinking.WriteString(s) }

// AppendTrace adds a trace fragment, comma separated from earlier ones.
func (a *Accumulator) AppendTrace(s string) {
	if s == "" {
		return
	}
	if a.trace.Len() > 0 {
		a.trace.WriteByte(',')
	}
	a.trace.WriteString(s)
}

// SetSessionID keeps the first non-empty provider session id.
func (a *Accumulator) SetSessionID(id string) {
	if a.sessionID != "" || strings.TrimSpace(id) == "" {
		return
	}
	a.sessionID = id
}

func (a *Accumulator) SetAnswerType(t int) {
	if t != 0 {
		a.answerType = t
	}
}

// SetEnvelope stores a JSON object the final text is wrapped into on
// persistence, under its "message" key.
func (a *Accumulator) SetEnvelope(env []byte) {
	if len(env) > 0 {
		a.envelope = append([]byte(nil), env...)
	}
}

func (a *Accumulator) Final() string     { return a.final.String() }
func (a *Accumulator) Thinking() string  { return a.thinking.String() }
func (a *Accumulator) Trace() string     { return a.trace.String() }
func (a *Accumulator) SessionID() string { return a.sessionID }
func (a *Accumulator) AnswerType() int   { return a.answerType }

// Persisted returns the answer text as it is written to storage.
func (a *Accumulator) Persisted() string {
	if a.envelope == nil {
		return a.Final()
	}
	out, err := sjson.SetBytes(a.envelope, "message", a.Final())
	if err != nil {
		return a.Final()
	}
	return string(out)
}
