// Package webhook posts JSON payloads to external HTTP endpoints.
package webhook

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// maxBodyCapture bounds how much of a response body is kept for logging.
const maxBodyCapture = 64 * 1024

// Request is one JSON POST.
type Request struct {
	URL     string
	APIKey  string // sent as x-api-key when non-empty
	Body    []byte
	Timeout time.Duration
}

// Response is what came back, including non-2xx answers.
type Response struct {
	StatusCode int
	Body       string
}

// OK reports whether the status code is 2xx.
func (r Response) OK() bool { return r.StatusCode >= 200 && r.StatusCode < 300 }

// StatusError is returned for a non-2xx response.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("webhook %s returned status %d", e.URL, e.StatusCode)
}

// Poster is the transport used by the senders; tests substitute it.
type Poster interface {
	Post(ctx context.Context, req Request) (Response, error)
}

// Client makes outbound JSON POST calls.
type Client struct {
	http *http.Client
}

// NewClient creates a Client. Per-call timeouts come from Request.Timeout.
func NewClient() *Client {
	return &Client{http: &http.Client{}}
}

// NewClientWith wraps an existing *http.Client.
func NewClientWith(c *http.Client) *Client {
	return &Client{http: c}
}

// Post sends req and returns the response. A transport failure returns an
// error and a zero Response; a non-2xx answer returns both the Response and
// a *StatusError.
func (c *Client) Post(ctx context.Context, req Request) (Response, error) {
	ctx, span := otel.Tracer("relay").Start(ctx, "webhook.post")
	defer span.End()
	span.SetAttributes(attribute.String("webhook.url", req.URL))

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "build request failed")
		return Response{}, fmt.Errorf("build webhook request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.APIKey != "" {
		httpReq.Header.Set("x-api-key", req.APIKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "http call failed")
		return Response{}, fmt.Errorf("webhook call to %s: %w", req.URL, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyCapture))
	out := Response{StatusCode: resp.StatusCode, Body: string(body)}

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if !out.OK() {
		err := &StatusError{URL: req.URL, StatusCode: resp.StatusCode}
		span.RecordError(err)
		span.SetStatus(codes.Error, "bad status code")
		return out, err
	}
	return out, nil
}
