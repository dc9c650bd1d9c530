// Package transport holds the HTTP contract the extractors and persisters
// speak to the search cluster, plus its net/http implementation.
package transport

import (
	"context"
	"io"
	"strings"
)

// Response is a completed request. Callers own Body and must close it.
type Response struct {
	StatusCode int
	Body       io.ReadCloser
}

// IsSuccess reports a 2xx status.
func (r *Response) IsSuccess() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// ReadBody drains and closes the body, returning it as a string.
func (r *Response) ReadBody() string {
	if r.Body == nil {
		return ""
	}
	defer r.Body.Close()
	data, _ := io.ReadAll(r.Body)
	return string(data)
}

// Close releases the body, if any.
func (r *Response) Close() {
	if r.Body != nil {
		_ = r.Body.Close()
	}
}

// Requester issues requests with JSON bodies against the search cluster.
type Requester interface {
	Get(ctx context.Context, url, body string) (*Response, error)
	Delete(ctx context.Context, url, body string) (*Response, error)
	Post(ctx context.Context, url, body string) (*Response, error)
}

// NewStringResponse builds a Response around a literal body.
func NewStringResponse(status int, body string) *Response {
	return &Response{StatusCode: status, Body: io.NopCloser(strings.NewReader(body))}
}
