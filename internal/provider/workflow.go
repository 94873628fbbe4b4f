package provider

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/liliang-cn/chatrelay/internal/domain"
	"github.com/liliang-cn/chatrelay/internal/relay"
	"github.com/tidwall/gjson"
)

const (
	WorkflowName = "workflow"

	workflowInterruptType  = "workflow_interrupt"
	finishReasonInterrupt  = "interrupt"
	workflowUserInputParam = "AGENT_USER_INPUT"
)

// WorkflowErrors maps workflow engine codes to user-facing messages.
var WorkflowErrors = &relay.ErrorTable{
	Version: "workflow-v1",
	Messages: map[int]string{
		20201: "Corresponding Flow ID not found",
		20202: "Flow ID is invalid",
		20204: "Workflow not published",
		20207: "Workflow is in draft status",
		20303: "Model request failed",
		20350: "Authorization error: Daily flow control exceeded. Exceeded the daily maximum access limit",
		11202: "Authorization error: Second-level flow control exceeded. Second-level concurrency exceeded authorization limit",
		11203: "Authorization error: Concurrent flow control exceeded. Concurrent connections exceeded authorization limit",
	},
	Fallback: relay.GenericFallback,
}

// WorkflowConfig configures the workflow provider
type WorkflowConfig struct {
	BaseURL   string
	APIKey    string
	APISecret string
	Client    *http.Client
}

// Workflow runs published workflows and resumes interrupted ones.
type Workflow struct {
	cfg WorkflowConfig
}

// NewWorkflow creates the workflow provider
func NewWorkflow(cfg WorkflowConfig) *Workflow {
	return &Workflow{cfg: cfg}
}

func (w *Workflow) Name() string { return WorkflowName }

type workflowRequest struct {
	FlowID     string           `json:"flow_id"`
	UID        string           `json:"uid"`
	ChatID     string           `json:"chat_id"`
	Stream     bool             `json:"stream"`
	History    []domain.Message `json:"history,omitempty"`
	Parameters map[string]any   `json:"parameters"`
}

type resumeRequest struct {
	EventID   string `json:"event_id"`
	EventType string `json:"event_type"`
	Content   string `json:"content"`
}

func (w *Workflow) Prepare(req *domain.ChatRequest) (*Upstream, error) {
	if req.FlowID == "" {
		return nil, fmt.Errorf("%w: flowId is required", domain.ErrInvalidRequest)
	}
	params := make(map[string]any, len(req.Parameters)+1)
	for k, v := range req.Parameters {
		params[k] = v
	}
	if _, ok := params[workflowUserInputParam]; !ok && req.Text != "" {
		params[workflowUserInputParam] = req.Text
	}

	return w.upstream("/workflow/v1/chat/completions", workflowRequest{
		FlowID:     req.FlowID,
		UID:        req.UID,
		ChatID:     req.ChatID,
		Stream:     true,
		History:    req.Messages,
		Parameters: params,
	})
}

// PrepareResume answers a pending interrupt event.
func (w *Workflow) PrepareResume(req *domain.ResumeRequest) (*Upstream, error) {
	if req.EventID == "" || req.EventType == "" {
		return nil, fmt.Errorf("%w: eventId and eventType are required", domain.ErrInvalidRequest)
	}
	return w.upstream("/workflow/v1/resume", resumeRequest{
		EventID:   req.EventID,
		EventType: req.EventType,
		Content:   req.Content,
	})
}

func (w *Workflow) upstream(path string, body any) (*Upstream, error) {
	if w.cfg.BaseURL == "" {
		return nil, fmt.Errorf("%w: workflow base url not configured", domain.ErrInvalidRequest)
	}
	opener, err := postJSON(w.cfg.Client, strings.TrimRight(w.cfg.BaseURL, "/")+path, body,
		bearer(w.cfg.APIKey+":"+w.cfg.APISecret))
	if err != nil {
		return nil, err
	}
	return &Upstream{Opener: opener, Decoder: WorkflowDecoder{}}, nil
}

// WorkflowDecoder decodes workflow chunks. Interrupt events are relayed as
// their own client event; a chunk carrying event_data ends the stream.
type WorkflowDecoder struct{}

func (WorkflowDecoder) Provider() string              { return WorkflowName }
func (WorkflowDecoder) ErrorTable() *relay.ErrorTable { return WorkflowErrors }

func (WorkflowDecoder) Decode(payload []byte) (*relay.Frame, error) {
	if !gjson.ValidBytes(payload) {
		return nil, fmt.Errorf("invalid JSON payload")
	}
	root := gjson.ParseBytes(payload)

	f := &relay.Frame{Forward: payload}
	if code := root.Get("code").Int(); code != 0 {
		f.ErrorText = WorkflowErrors.Lookup(int(code))
	}
	f.SessionID = root.Get("sid").String()
	if f.SessionID == "" {
		f.SessionID = root.Get("id").String()
	}

	if event := root.Get("event"); event.Get("type").String() == "interrupt" {
		f.Events = append(f.Events, relay.Event{
			Name: "interrupt",
			Payload: domain.WorkflowInterrupt{
				Type:      workflowInterruptType,
				EventData: interruptData(event),
			},
		})
	}

	choice := root.Get("choices.0")
	f.Content = choice.Get("delta.content").String()
	f.Reasoning = choice.Get("delta.reasoning_content").String()

	if choice.Get("finish_reason").String() == finishReasonInterrupt {
		f.AnswerType = domain.AnswerTypeWorkflowInterrupt
		if value := root.Get("event_data.value"); value.IsObject() {
			f.Envelope = []byte(value.Raw)
		}
	}
	if root.Get("event_data").Exists() {
		f.Terminal = true
	}
	return f, nil
}

func interruptData(event gjson.Result) *domain.WorkflowEventData {
	data := &domain.WorkflowEventData{
		EventID:   event.Get("event_id").String(),
		EventType: event.Get("type").String(),
		NeedReply: event.Get("need_reply").Bool(),
	}
	if v := event.Get("value"); v.IsObject() {
		data.Value = &domain.WorkflowEventValue{
			Type:    v.Get("type").String(),
			Message: v.Get("message").String(),
			Content: v.Get("content").Value(),
		}
	}
	return data
}
