package provider

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/liliang-cn/chatrelay/internal/domain"
	"github.com/liliang-cn/chatrelay/internal/relay"
	"github.com/tidwall/gjson"
)

const PromptName = "prompt"

// PromptErrors has no specific codes; upstream error messages are shown as-is.
var PromptErrors = &relay.ErrorTable{
	Version:  "openai-compatible",
	Fallback: relay.GenericFallback,
}

// Prompt relays to an OpenAI-compatible endpoint chosen per request, as used
// by prompt debugging. Only hosts on the allow list are dialed.
type Prompt struct {
	client  *http.Client
	allowed []string
}

// NewPrompt creates the prompt provider. allowedHosts entries are exact host
// names, ".suffix" for a domain and its subdomains, or "*" for any host. An
// empty list refuses every url.
func NewPrompt(client *http.Client, allowedHosts []string) *Prompt {
	allowed := make([]string, 0, len(allowedHosts))
	for _, h := range allowedHosts {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			allowed = append(allowed, h)
		}
	}
	return &Prompt{client: client, allowed: allowed}
}

func (p *Prompt) hostAllowed(host string) bool {
	host = strings.ToLower(host)
	for _, a := range p.allowed {
		switch {
		case a == "*", a == host:
			return true
		case strings.HasPrefix(a, ".") && (host == a[1:] || strings.HasSuffix(host, a)):
			return true
		}
	}
	return false
}

func (p *Prompt) Name() string { return PromptName }

type promptRequest struct {
	Model    string           `json:"model"`
	Messages []domain.Message `json:"messages"`
	Stream   bool             `json:"stream"`
}

func (p *Prompt) Prepare(req *domain.ChatRequest) (*Upstream, error) {
	u, err := url.Parse(req.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%w: url is required", domain.ErrInvalidRequest)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported url scheme %q", domain.ErrInvalidRequest, u.Scheme)
	}
	if !p.hostAllowed(u.Hostname()) {
		return nil, fmt.Errorf("%w: url host %q is not allowed", domain.ErrInvalidRequest, u.Hostname())
	}

	opener, err := postJSON(p.client, u.String(), promptRequest{
		Model:    req.Model,
		Messages: history(req),
		Stream:   true,
	}, bearer(req.APIKey))
	if err != nil {
		return nil, err
	}
	return &Upstream{Opener: opener, Decoder: PromptDecoder{}}, nil
}

// PromptDecoder decodes OpenAI-style chunks.
type PromptDecoder struct{}

func (PromptDecoder) Provider() string              { return PromptName }
func (PromptDecoder) ErrorTable() *relay.ErrorTable { return PromptErrors }

func (PromptDecoder) Decode(payload []byte) (*relay.Frame, error) {
	if !gjson.ValidBytes(payload) {
		return nil, fmt.Errorf("invalid JSON payload")
	}

	f := &relay.Frame{Forward: payload}
	if e := gjson.GetBytes(payload, "error"); e.Exists() && e.Type != gjson.Null {
		msg := e.Get("message").String()
		if msg == "" {
			msg = PromptErrors.Lookup(int(e.Get("code").Int()))
		}
		f.ErrorText = msg
	}
	f.SessionID = gjson.GetBytes(payload, "id").String()

	delta := gjson.GetBytes(payload, "choices.0.delta")
	f.Content = delta.Get("content").String()
	f.Reasoning = delta.Get("reasoning_content").String()
	return f, nil
}
