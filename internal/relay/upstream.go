package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// ErrUpstreamStatus indicates the upstream answered with a non-success status
var ErrUpstreamStatus = errors.New("upstream returned non-success status")

// UpstreamStatusError carries the rejected response
type UpstreamStatusError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *UpstreamStatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("upstream status %s", e.Status)
	}
	return fmt.Sprintf("upstream status %s: %s", e.Status, e.Body)
}

func (e *UpstreamStatusError) Unwrap() error { return ErrUpstreamStatus }

// Opener establishes the upstream event stream for one turn.
type Opener interface {
	Open(ctx context.Context) (io.ReadCloser, error)
}

// OpenerFunc adapts a function to Opener
type OpenerFunc func(ctx context.Context) (io.ReadCloser, error)

func (f OpenerFunc) Open(ctx context.Context) (io.ReadCloser, error) { return f(ctx) }

// HTTPOpener sends a prepared request and returns the streaming body.
type HTTPOpener struct {
	Client *http.Client
	// NewRequest builds a fresh request bound to ctx
	NewRequest func(ctx context.Context) (*http.Request, error)
}

// Open performs the request. Non-2xx responses are returned as
// *UpstreamStatusError with a short body excerpt.
func (o *HTTPOpener) Open(ctx context.Context) (io.ReadCloser, error) {
	req, err := o.NewRequest(ctx)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "text/event-stream")
	}

	client := o.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connect upstream: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &UpstreamStatusError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       strings.TrimSpace(string(excerpt)),
		}
	}
	return resp.Body, nil
}
