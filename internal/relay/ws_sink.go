package relay

import (
	"time"

	"github.com/gorilla/websocket"
)

const wsWriteWait = 10 * time.Second

type wsFrame struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// WSSink writes events to a websocket connection as {"event","data"} frames.
// The connection is closed when the sink completes; reads stay with the
// handler that owns the connection.
type WSSink struct {
	*sinkBase
	conn *websocket.Conn
}

// NewWSSink wraps conn
func NewWSSink(conn *websocket.Conn, timeout time.Duration) *WSSink {
	write := func(event string, payload any) error {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteJSON(wsFrame{Event: event, Data: ssePayload(payload)})
	}
	closeFn := func() {
		deadline := time.Now().Add(wsWriteWait)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = conn.Close()
	}
	return &WSSink{sinkBase: newSinkBase(write, closeFn, timeout), conn: conn}
}
