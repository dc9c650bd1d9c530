package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/miradorstack/mirador-ingest/internal/metrics"
)

const tracerName = "github.com/miradorstack/mirador-ingest/internal/transport"

// Options configures Client.
type Options struct {
	// Timeout bounds the wait for response headers. Bodies stream without a deadline.
	Timeout           time.Duration
	APIKey            string
	RequestsPerSecond float64
	Burst             int
}

// Client is a Requester backed by net/http, throttled by a token bucket and
// traced per request.
type Client struct {
	apiKey     string
	limiter    *rate.Limiter
	httpClient *http.Client
}

// NewClient constructs a Client.
func NewClient(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	var limiter *rate.Limiter
	if opts.RequestsPerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}
	return &Client{
		apiKey:  opts.APIKey,
		limiter: limiter,
		httpClient: &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				ResponseHeaderTimeout: opts.Timeout,
				MaxIdleConnsPerHost:   8,
			},
		},
	}
}

// Get issues a GET carrying body.
func (c *Client) Get(ctx context.Context, rawURL, body string) (*Response, error) {
	return c.do(ctx, http.MethodGet, rawURL, body)
}

// Delete issues a DELETE carrying body.
func (c *Client) Delete(ctx context.Context, rawURL, body string) (*Response, error) {
	return c.do(ctx, http.MethodDelete, rawURL, body)
}

// Post issues a POST carrying body.
func (c *Client) Post(ctx context.Context, rawURL, body string) (*Response, error) {
	return c.do(ctx, http.MethodPost, rawURL, body)
}

func (c *Client) do(ctx context.Context, method, rawURL, body string) (*Response, error) {
	if c == nil {
		return nil, fmt.Errorf("search client not initialised")
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit wait: %w", err)
		}
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "search."+strings.ToLower(method),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", method),
			attribute.String("url.path", urlPath(rawURL)),
		))
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, method, rawURL, strings.NewReader(body))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "build request")
		return nil, err
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "ApiKey "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	metrics.ObserveBackendRequest(method, time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		return nil, fmt.Errorf("%s %s: %w", method, rawURL, err)
	}

	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	if resp.StatusCode >= 300 {
		span.SetStatus(codes.Error, resp.Status)
	}
	return &Response{StatusCode: resp.StatusCode, Body: resp.Body}, nil
}

func urlPath(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Path
}
