package transport

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func newTestClient(opts Options, rt roundTripFunc) *Client {
	c := NewClient(opts)
	c.httpClient = &http.Client{Transport: rt}
	return c
}

func TestClientSendsBodyAndHeaders(t *testing.T) {
	var gotMethod, gotBody, gotAuth, gotType string
	client := newTestClient(Options{APIKey: "secret"}, func(req *http.Request) (*http.Response, error) {
		gotMethod = req.Method
		gotAuth = req.Header.Get("Authorization")
		gotType = req.Header.Get("Content-Type")
		data, _ := io.ReadAll(req.Body)
		gotBody = string(data)
		return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(bytes.NewBufferString(`{"ok":true}`)), Header: make(http.Header)}, nil
	})

	resp, err := client.Get(context.Background(), "http://localhost:9200/_search/scroll?scroll=60m", "c2Nhbg==")
	require.NoError(t, err)

	assert.True(t, resp.IsSuccess())
	assert.Equal(t, `{"ok":true}`, resp.ReadBody())
	assert.Equal(t, http.MethodGet, gotMethod)
	assert.Equal(t, "c2Nhbg==", gotBody)
	assert.Equal(t, "ApiKey secret", gotAuth)
	assert.Equal(t, "application/json", gotType)
}

func TestClientReturnsNonSuccessResponses(t *testing.T) {
	client := newTestClient(Options{}, func(req *http.Request) (*http.Response, error) {
		return &http.Response{StatusCode: http.StatusNotFound, Body: io.NopCloser(bytes.NewBufferString("missing")), Header: make(http.Header)}, nil
	})

	resp, err := client.Delete(context.Background(), "http://localhost:9200/_search/scroll", `{"scroll_id":["x"]}`)
	require.NoError(t, err)

	assert.False(t, resp.IsSuccess())
	assert.Equal(t, "missing", resp.ReadBody())
}

func TestClientRateLimitHonoursContext(t *testing.T) {
	calls := 0
	client := newTestClient(Options{RequestsPerSecond: 0.001, Burst: 1}, func(req *http.Request) (*http.Response, error) {
		calls++
		return &http.Response{StatusCode: http.StatusOK, Body: http.NoBody, Header: make(http.Header)}, nil
	})

	_, err := client.Post(context.Background(), "http://localhost:9200/x/_refresh", "")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = client.Post(ctx, "http://localhost:9200/x/_refresh", "")
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}
