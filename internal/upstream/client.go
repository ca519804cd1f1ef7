package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"soundgate/pkg/protocol"
)

// Kind distinguishes the ways an upstream call can fail so clients can tell
// "your request was bad" from "the system is degraded".
type Kind int

const (
	KindTimeout Kind = iota
	KindUnreachable
	KindStatus
)

// Error is a typed upstream failure. It carries the HTTP status and response
// detail when the backend answered with an error status.
type Error struct {
	Kind   Kind
	Status int
	Detail string
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindTimeout:
		return "upstream timeout"
	case KindUnreachable:
		return fmt.Sprintf("upstream unreachable: %s", e.Detail)
	default:
		return fmt.Sprintf("upstream error (%d): %s", e.Status, e.Detail)
	}
}

// Code maps the failure kind to its wire error code.
func (e *Error) Code() string {
	switch e.Kind {
	case KindTimeout:
		return protocol.CodeUpstreamTimeout
	case KindUnreachable:
		return protocol.CodeUpstreamUnreachable
	default:
		return protocol.CodeUpstreamError
	}
}

// Client forwards gateway messages to backend services. Every call carries a
// bounded timeout; retries are a caller policy, not implemented here.
type Client struct {
	http    *http.Client
	timeout time.Duration
}

// NewClient creates a forwarding client with the given per-call timeout.
func NewClient(timeout time.Duration) *Client {
	return &Client{
		http:    &http.Client{},
		timeout: timeout,
	}
}

// Forward posts the request to {baseURL}/gateway/handle and returns the
// decoded JSON body. A status >= 400 is returned as a typed *Error.
func (c *Client) Forward(ctx context.Context, baseURL string, req *protocol.ForwardRequest) (any, error) {
	url := strings.TrimRight(baseURL, "/") + "/gateway/handle"

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode forward request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build forward request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &Error{Kind: KindTimeout}
		}
		return nil, &Error{Kind: KindUnreachable, Detail: err.Error()}
	}
	defer resp.Body.Close()

	decoded := decodeBody(resp)
	if resp.StatusCode >= 400 {
		return nil, &Error{Kind: KindStatus, Status: resp.StatusCode, Detail: detailFrom(decoded)}
	}
	return decoded, nil
}

// decodeBody parses an application/json response, falling back to a text
// wrapper for anything else.
func decodeBody(resp *http.Response) any {
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return map[string]any{"text": ""}
	}
	if strings.Contains(resp.Header.Get("Content-Type"), "application/json") {
		var decoded any
		if err := json.Unmarshal(raw, &decoded); err == nil {
			return decoded
		}
	}
	return map[string]any{"text": string(raw)}
}

// detailFrom extracts a human-readable detail from an error response body.
func detailFrom(body any) string {
	if m, ok := body.(map[string]any); ok {
		if detail, ok := m["detail"].(string); ok {
			return detail
		}
	}
	return fmt.Sprintf("%v", body)
}
