package outbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// NetworkError means the request never got an HTTP answer. Only these are queued.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string { return "network: " + e.Err.Error() }
func (e *NetworkError) Unwrap() error { return e.Err }

// StatusError is an application failure: the server answered and refused.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server answered %d: %s", e.Code, e.Body)
}

// Response is a successful answer.
type Response struct {
	Status int
	Body   []byte
}

// Transport performs one attempt of a request.
type Transport interface {
	Do(ctx context.Context, req Request) (*Response, error)
}

// HTTPTransport replays requests against the REST API with the bearer token
// and the Idempotency-Key header.
type HTTPTransport struct {
	client *http.Client
	token  func() string
}

// NewHTTPTransport uses client, or a client with a 15s timeout when nil.
func NewHTTPTransport(client *http.Client, token func() string) *HTTPTransport {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPTransport{client: client, token: token}
}

func (t *HTTPTransport) Do(ctx context.Context, req Request) (*Response, error) {
	method := req.Method
	if method == "" {
		method = http.MethodPost
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.IdempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	}
	if t.token != nil {
		if tok := t.token(); tok != "" {
			httpReq.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, &NetworkError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &NetworkError{Err: err}
	}
	if resp.StatusCode >= 400 {
		return nil, &StatusError{Code: resp.StatusCode, Body: string(body)}
	}
	return &Response{Status: resp.StatusCode, Body: body}, nil
}
