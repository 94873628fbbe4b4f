package domain

import "time"

// Answer types stored with a response row
const (
	AnswerTypeText              = 2
	AnswerTypeWorkflowInterrupt = 41
)

// Record types for reasoning and trace rows
const (
	ReasonTypeSpark = "spark_reasoning"
	TraceTypeSearch = "search"
)

// Message is one entry of the conversation history sent upstream
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the request to start a streamed chat turn
type ChatRequest struct {
	ChatID   string    `json:"chatId" binding:"required"`
	UID      string    `json:"uid"`
	Text     string    `json:"text"`
	Messages []Message `json:"messages,omitempty"`
	Model    string    `json:"model,omitempty"`
	StreamID string    `json:"streamId,omitempty"`
	Edit     bool      `json:"edit,omitempty"`
	Debug    bool      `json:"debug,omitempty"`

	// WebSearch enables the spark search tool
	WebSearch bool `json:"webSearch,omitempty"`

	// URL and APIKey address an OpenAI-compatible upstream chosen by the caller
	URL    string `json:"url,omitempty"`
	APIKey string `json:"apiKey,omitempty"`

	FlowID     string         `json:"flowId,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// ResumeRequest continues a workflow that stopped on an interrupt event
type ResumeRequest struct {
	ChatID    string `json:"chatId" binding:"required"`
	UID       string `json:"uid"`
	FlowID    string `json:"flowId"`
	EventID   string `json:"eventId" binding:"required"`
	EventType string `json:"eventType" binding:"required"`
	Content   string `json:"content"`
}

// StopRequest asks every instance to stop the given stream
type StopRequest struct {
	StreamID string `json:"streamId" binding:"required"`
}

// StreamStarted is returned to websocket clients and sent as the first SSE event
type StreamStarted struct {
	Type      string `json:"type"`
	StreamID  string `json:"sseId"`
	ChatID    string `json:"chatId"`
	Timestamp int64  `json:"timestamp"`
}

// ChatRequestRecord is the persisted user side of a turn
type ChatRequestRecord struct {
	ID        int64     `json:"id"`
	UID       string    `json:"uid"`
	ChatID    string    `json:"chatId"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"createdAt"`
}

// ChatResponseRecord is the persisted assistant answer of a turn
type ChatResponseRecord struct {
	ID         int64     `json:"id"`
	UID        string    `json:"uid"`
	ChatID     string    `json:"chatId"`
	ReqID      int64     `json:"reqId"`
	Message    string    `json:"message"`
	SID        string    `json:"sid"`
	AnswerType int       `json:"answerType"`
	DateStamp  string    `json:"dateStamp"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// ChatAuxRecord holds reasoning or trace text attached to a turn
type ChatAuxRecord struct {
	ID        int64     `json:"id"`
	UID       string    `json:"uid"`
	ChatID    string    `json:"chatId"`
	ReqID     int64     `json:"reqId"`
	Content   string    `json:"content"`
	Type      string    `json:"type"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ChatTurn groups every persisted row of a single turn
type ChatTurn struct {
	Request  *ChatRequestRecord  `json:"request"`
	Response *ChatResponseRecord `json:"response,omitempty"`
	Reason   *ChatAuxRecord      `json:"reason,omitempty"`
	Trace    *ChatAuxRecord      `json:"trace,omitempty"`
}

// Stats represents relay statistics
type Stats struct {
	ActiveStreams  int `json:"active_streams"`
	TotalRequests  int `json:"total_requests"`
	TotalResponses int `json:"total_responses"`
}
