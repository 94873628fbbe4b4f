// Package provider adapts upstream model services to the relay engine.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/liliang-cn/chatrelay/internal/domain"
	"github.com/liliang-cn/chatrelay/internal/relay"
)

// Upstream is everything the engine needs to relay one turn.
type Upstream struct {
	Opener  relay.Opener
	Decoder relay.Decoder
}

// Provider prepares upstream calls for chat requests.
type Provider interface {
	Name() string
	Prepare(req *domain.ChatRequest) (*Upstream, error)
}

// Set holds the configured providers by name
type Set map[string]Provider

// NewSet indexes providers by name
func NewSet(providers ...Provider) Set {
	s := make(Set, len(providers))
	for _, p := range providers {
		s[p.Name()] = p
	}
	return s
}

// Lookup returns the provider registered under name
func (s Set) Lookup(name string) (Provider, error) {
	p, ok := s[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownProvider, name)
	}
	return p, nil
}

// Names lists the registered provider names
func (s Set) Names() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	return names
}

// postJSON returns an opener that POSTs body to url on every Open.
func postJSON(client *http.Client, url string, body any, header http.Header) (relay.Opener, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode upstream request: %w", err)
	}
	return &relay.HTTPOpener{
		Client: client,
		NewRequest: func(ctx context.Context) (*http.Request, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
			if err != nil {
				return nil, err
			}
			for k, vs := range header {
				for _, v := range vs {
					req.Header.Add(k, v)
				}
			}
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("Accept", "text/event-stream")
			return req, nil
		},
	}, nil
}

// history appends the current user text to the prior messages.
func history(req *domain.ChatRequest) []domain.Message {
	msgs := make([]domain.Message, 0, len(req.Messages)+1)
	msgs = append(msgs, req.Messages...)
	if req.Text != "" {
		msgs = append(msgs, domain.Message{Role: "user", Content: req.Text})
	}
	return msgs
}

func bearer(token string) http.Header {
	h := http.Header{}
	if token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
	return h
}
