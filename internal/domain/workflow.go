package domain

// WorkflowEventData describes a workflow interrupt waiting for user input
type WorkflowEventData struct {
	EventID   string              `json:"eventId"`
	EventType string              `json:"eventType"`
	NeedReply bool                `json:"needReply"`
	Value     *WorkflowEventValue `json:"value,omitempty"`
}

// WorkflowEventValue is the prompt shown to the user on interrupt
type WorkflowEventValue struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
	Content any    `json:"content,omitempty"`
}

// WorkflowInterrupt is the client payload of an interrupt event
type WorkflowInterrupt struct {
	Type      string             `json:"type"`
	EventData *WorkflowEventData `json:"eventData"`
}
