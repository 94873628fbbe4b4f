package provider

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/liliang-cn/chatrelay/internal/domain"
	"github.com/liliang-cn/chatrelay/internal/relay"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const (
	SparkName = "spark"

	sparkModelUltra = "4.0Ultra"
	sparkModelX1    = "x1"

	webSearchDisplayName = "Web Search"
)

// SparkErrors maps spark error codes to user-facing messages.
var SparkErrors = &relay.ErrorTable{
	Version: "spark-2024",
	Messages: map[int]string{
		10007: "User traffic limited: Service is processing user's current request, please wait for completion before sending new requests.",
		10013: "Input content audit failed, suspected violation, please readjust input content",
		10014: "Output content involves sensitive information, audit failed",
		10019: "This conversation content has a tendency to involve violation information",
		10907: "Token count exceeds limit",
		11200: "Authorization error: This appId does not have authorization for related functions or business volume exceeds limit",
		11201: "Authorization error: Daily flow control exceeded. Exceeded daily maximum access limit",
		11202: "Authorization error: Second-level flow control exceeded. Second-level concurrency exceeds authorized path limit",
		11203: "Authorization error: Concurrent flow control exceeded. Concurrent paths exceed authorized path limit",
	},
	Fallback: relay.GenericFallback,
}

// SparkConfig configures the spark provider
type SparkConfig struct {
	BaseURL     string
	APIPassword string
	Client      *http.Client
}

// Spark talks to the spark chat completions endpoint.
type Spark struct {
	cfg SparkConfig
}

// NewSpark creates the spark provider
func NewSpark(cfg SparkConfig) *Spark {
	return &Spark{cfg: cfg}
}

func (s *Spark) Name() string { return SparkName }

type sparkTool struct {
	Type      string         `json:"type"`
	WebSearch map[string]any `json:"web_search"`
}

type sparkRequest struct {
	Model    string           `json:"model"`
	User     string           `json:"user,omitempty"`
	Messages []domain.Message `json:"messages"`
	Stream   bool             `json:"stream"`
	Tools    []sparkTool      `json:"tools,omitempty"`
}

// SparkModel maps the public model name to the upstream one.
func SparkModel(model string) string {
	if strings.EqualFold(model, "spark") {
		return sparkModelUltra
	}
	return sparkModelX1
}

func (s *Spark) Prepare(req *domain.ChatRequest) (*Upstream, error) {
	if s.cfg.BaseURL == "" {
		return nil, fmt.Errorf("%w: spark base url not configured", domain.ErrInvalidRequest)
	}
	body := sparkRequest{
		Model:    SparkModel(req.Model),
		User:     req.UID,
		Messages: history(req),
		Stream:   true,
	}
	if req.WebSearch {
		body.Tools = []sparkTool{{
			Type:      "web_search",
			WebSearch: map[string]any{"enable": true, "show_ref_label": true},
		}}
	}

	opener, err := postJSON(s.cfg.Client, strings.TrimRight(s.cfg.BaseURL, "/")+"/v1/chat/completions", body, bearer(s.cfg.APIPassword))
	if err != nil {
		return nil, err
	}
	return &Upstream{Opener: opener, Decoder: SparkDecoder{}}, nil
}

// SparkDecoder decodes spark stream chunks. Content and reasoning come from
// the first choice; the second choice carries tool calls kept as trace.
type SparkDecoder struct{}

func (SparkDecoder) Provider() string              { return SparkName }
func (SparkDecoder) ErrorTable() *relay.ErrorTable { return SparkErrors }

func (SparkDecoder) Decode(payload []byte) (*relay.Frame, error) {
	if !gjson.ValidBytes(payload) {
		return nil, fmt.Errorf("invalid JSON payload")
	}

	payload, err := tagWebSearchCalls(payload)
	if err != nil {
		return nil, err
	}

	f := &relay.Frame{Forward: payload}
	if code := gjson.GetBytes(payload, "code").Int(); code != 0 {
		f.ErrorText = SparkErrors.Lookup(int(code))
	}
	f.SessionID = gjson.GetBytes(payload, "sid").String()

	delta := gjson.GetBytes(payload, "choices.0.delta")
	f.Content = delta.Get("content").String()
	f.Reasoning = delta.Get("reasoning_content").String()

	if calls := gjson.GetBytes(payload, "choices.1.delta.tool_calls"); calls.Exists() {
		f.Traces = append(f.Traces, calls.Raw)
	}
	return f, nil
}

// tagWebSearchCalls marks web search tool calls with a display name.
func tagWebSearchCalls(payload []byte) ([]byte, error) {
	type target struct{ choice, call int }
	var targets []target

	gjson.GetBytes(payload, "choices").ForEach(func(ci, choice gjson.Result) bool {
		choice.Get("delta.tool_calls").ForEach(func(ti, call gjson.Result) bool {
			if call.Get("type").String() == "web_search" && call.Get("web_search").Exists() {
				targets = append(targets, target{int(ci.Int()), int(ti.Int())})
			}
			return true
		})
		return true
	})

	var err error
	for _, t := range targets {
		path := fmt.Sprintf("choices.%d.delta.tool_calls.%d.deskToolName", t.choice, t.call)
		if payload, err = sjson.SetBytes(payload, path, webSearchDisplayName); err != nil {
			return nil, fmt.Errorf("tag web search call: %w", err)
		}
	}
	return payload, nil
}
