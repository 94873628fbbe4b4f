package relay

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-contrib/sse"
)

// SSESink writes events to an HTTP response as server-sent events.
//
// The handler that owns the response must stay blocked until Done is
// closed or the request context ends, and call Detach in the latter case.
type SSESink struct {
	*sinkBase
}

// NewSSESink prepares w for event streaming
func NewSSESink(w http.ResponseWriter, timeout time.Duration) *SSESink {
	h := w.Header()
	h.Set("Content-Type", sse.ContentType)
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")

	flusher, _ := w.(http.Flusher)
	write := func(event string, payload any) error {
		if err := sse.Encode(w, sse.Event{Event: event, Data: ssePayload(payload)}); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	}
	return &SSESink{sinkBase: newSinkBase(write, nil, timeout)}
}

// ssePayload keeps raw JSON bytes verbatim; the encoder would otherwise
// treat a byte slice as a JSON array.
func ssePayload(payload any) any {
	switch v := payload.(type) {
	case []byte:
		return json.RawMessage(v)
	default:
		return v
	}
}
