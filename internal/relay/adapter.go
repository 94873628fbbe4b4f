package relay

import (
	"encoding/json"
	"fmt"
)

// GenericFallback is shown when an error code has no specific message.
const GenericFallback = "Service exception, please try again later"

// ErrorTable maps provider error codes to user-facing messages.
type ErrorTable struct {
	Version  string
	Messages map[int]string
	Fallback string
}

// Lookup returns the message for code, or the table fallback.
func (t *ErrorTable) Lookup(code int) string {
	if t == nil {
		return GenericFallback
	}
	if msg, ok := t.Messages[code]; ok {
		return msg
	}
	if t.Fallback != "" {
		return t.Fallback
	}
	return GenericFallback
}

// Event is a named client event produced alongside a frame.
type Event struct {
	Name    string
	Payload any
}

// Frame is the decoded form of one upstream payload.
type Frame struct {
	// Forward is relayed to the client as a "data" event when non-nil.
	Forward json.RawMessage
	// Events are sent before Forward, in order.
	Events []Event

	Content   string
	Reasoning string
	Traces    []string
	SessionID string

	// ErrorText is appended to the final text.
	ErrorText string

	AnswerType int
	Envelope   json.RawMessage

	// Terminal ends the stream normally after this frame.
	Terminal bool
}

// Decoder turns provider payloads into frames. One decoder value serves
// one stream, so implementations may keep per-stream state.
type Decoder interface {
	Provider() string
	Decode(payload []byte) (*Frame, error)
	ErrorTable() *ErrorTable
}

type parseErrorHeader struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	SID     string `json:"sid"`
	Status  int    `json:"status"`
}

type parseErrorResponse struct {
	Code    int              `json:"code"`
	Message string           `json:"message"`
	Header  parseErrorHeader `json:"header"`
}

// parseErrorFrame stands in for a payload that could not be decoded.
func parseErrorFrame(err error, table *ErrorTable) *Frame {
	body, _ := json.Marshal(parseErrorResponse{
		Code:    -1,
		Message: "Parsing exception",
		Header: parseErrorHeader{
			Code:    -1,
			Message: fmt.Sprintf("Data parsing exception: %v", err),
			Status:  2,
		},
	})
	return &Frame{
		Forward:   body,
		ErrorText: table.Lookup(-1),
	}
}
