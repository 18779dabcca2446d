package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/answergrid/answerstream/pkg/types"
)

// StreamPath is the answer endpoint path on the backend.
const StreamPath = "/api/answer/stream"

// maxErrorBodySize bounds how much of a non-success response body is read
// for the error message.
const maxErrorBodySize = 4 * 1024

// Request is the outbound query payload.
type Request struct {
	Query        string       `json:"query"`
	UserID       string       `json:"user_id"`
	EnableVision bool         `json:"enable_vision"`
	SessionID    string       `json:"session_id,omitempty"`
	History      []types.Turn `json:"history,omitempty"`

	// RequestID is sent as a correlation header, not in the body.
	RequestID string `json:"-"`
}

// Transport opens the inbound event stream for a request. The returned
// reader delivers raw stream bytes and must be closed exactly once by the
// caller.
type Transport interface {
	Open(ctx context.Context, req *Request) (io.ReadCloser, error)
}

// HTTPTransport talks to the answer backend over HTTP POST + SSE.
type HTTPTransport struct {
	// Endpoint is the backend base URL.
	Endpoint string
	// AuthToken is an optional bearer credential.
	AuthToken string
	// CSRFToken is an optional CSRF header value.
	CSRFToken string
	// Client is the HTTP client. Defaults to a client with no timeout,
	// since the stream is long-lived and timeouts are the session's job.
	Client *http.Client
}

// Open implements Transport.
func (t *HTTPTransport) Open(ctx context.Context, req *Request) (io.ReadCloser, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	url := strings.TrimRight(t.Endpoint, "/") + StreamPath
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Cache-Control", "no-cache")
	if req.RequestID != "" {
		httpReq.Header.Set("X-Request-ID", req.RequestID)
	}
	if t.CSRFToken != "" {
		httpReq.Header.Set("X-CSRF-Token", t.CSRFToken)
	}
	if t.AuthToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+t.AuthToken)
	}

	client := t.Client
	if client == nil {
		client = &http.Client{Timeout: 0} // No timeout for SSE
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	if resp.Body == nil {
		return nil, fmt.Errorf("response has no body")
	}

	return resp.Body, nil
}
