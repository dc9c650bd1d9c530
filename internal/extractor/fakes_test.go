package extractor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/miradorstack/mirador-ingest/internal/transport"
	"github.com/miradorstack/mirador-ingest/internal/utils"
)

type recordedRequest struct {
	method string
	url    string
	body   string
}

type cannedResponse struct {
	status int
	body   string
}

// scriptedRequester replays canned GET responses in order and records every
// request. DELETEs always succeed.
type scriptedRequester struct {
	mu        sync.Mutex
	responses []cannedResponse
	gets      []recordedRequest
	deletes   []recordedRequest
}

func newScriptedRequester(responses ...cannedResponse) *scriptedRequester {
	return &scriptedRequester{responses: responses}
}

func ok(body string) cannedResponse { return cannedResponse{status: 200, body: body} }

func (s *scriptedRequester) Get(_ context.Context, url, body string) (*transport.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gets = append(s.gets, recordedRequest{method: "GET", url: url, body: body})
	if len(s.responses) == 0 {
		return nil, fmt.Errorf("unexpected request %s", url)
	}
	next := s.responses[0]
	s.responses = s.responses[1:]
	return transport.NewStringResponse(next.status, next.body), nil
}

func (s *scriptedRequester) Delete(_ context.Context, url, body string) (*transport.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletes = append(s.deletes, recordedRequest{method: "DELETE", url: url, body: body})
	return transport.NewStringResponse(200, `{"succeeded":true}`), nil
}

func (s *scriptedRequester) Post(_ context.Context, url, body string) (*transport.Response, error) {
	return nil, fmt.Errorf("unexpected POST %s", url)
}

func (s *scriptedRequester) remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.responses)
}

// closingBody fails reads once closed, as a network response body does.
type closingBody struct {
	r      io.Reader
	mu     sync.Mutex
	closed bool
}

func (b *closingBody) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, errors.New("read on closed response body")
	}
	return b.r.Read(p)
}

func (b *closingBody) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *closingBody) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// closingRequester wraps every GET body in a closingBody.
type closingRequester struct {
	*scriptedRequester
	bodies []*closingBody
}

func (c *closingRequester) Get(ctx context.Context, url, body string) (*transport.Response, error) {
	resp, err := c.scriptedRequester.Get(ctx, url, body)
	if err != nil {
		return nil, err
	}
	wrapped := &closingBody{r: resp.Body}
	c.mu.Lock()
	c.bodies = append(c.bodies, wrapped)
	c.mu.Unlock()
	resp.Body = wrapped
	return resp, nil
}

// stalledRequester holds its first GET until released, then fails it.
type stalledRequester struct {
	*scriptedRequester
	started chan struct{}
	release chan struct{}
}

func newStalledRequester() *stalledRequester {
	return &stalledRequester{
		scriptedRequester: newScriptedRequester(),
		started:           make(chan struct{}),
		release:           make(chan struct{}),
	}
}

func (s *stalledRequester) Get(_ context.Context, url, body string) (*transport.Response, error) {
	s.mu.Lock()
	s.gets = append(s.gets, recordedRequest{method: "GET", url: url, body: body})
	s.mu.Unlock()
	close(s.started)
	<-s.release
	return nil, errors.New("connection reset by peer")
}

type doc struct {
	id string
	ts int64
}

// fakeCluster is an in-memory search cluster holding time-stamped documents
// and speaking the scroll, summary and settings endpoints.
type fakeCluster struct {
	mu        sync.Mutex
	docs      []doc
	timeField string
	sessions  map[string]*fakeSession
	opened    int
	deletes   []string
	nextID    int
}

type fakeSession struct {
	docs []doc
	size int
	pos  int
	page int
}

func newFakeCluster(timeField string, docs []doc) *fakeCluster {
	sorted := append([]doc(nil), docs...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].ts < sorted[j].ts })
	return &fakeCluster{docs: sorted, timeField: timeField, sessions: make(map[string]*fakeSession)}
}

func (f *fakeCluster) inRange(body string) []doc {
	rng := gjson.Get(body, "query.bool.filter.1.range."+f.timeField)
	lo := parseDateTime(rng.Get("gte").String())
	hi := parseDateTime(rng.Get("lt").String())
	var out []doc
	for _, d := range f.docs {
		if d.ts >= lo && d.ts < hi {
			out = append(out, d)
		}
	}
	return out
}

func (f *fakeCluster) Get(_ context.Context, url, body string) (*transport.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case strings.HasSuffix(url, "/_settings"):
		return transport.NewStringResponse(200, `{"idx":{"settings":{"index":{"number_of_shards":"1"}}}}`), nil
	case strings.HasSuffix(url, "_search?size=1"):
		docs := f.inRange(body)
		if len(docs) == 0 {
			return transport.NewStringResponse(200, `{"hits":{"total":0,"hits":[]},"aggregations":{"earliestTime":{"value":null},"latestTime":{"value":null}}}`), nil
		}
		return transport.NewStringResponse(200, fmt.Sprintf(
			`{"hits":{"total":%d,"hits":[]},"aggregations":{"earliestTime":{"value":%d},"latestTime":{"value":%d}}}`,
			len(docs), docs[0].ts, docs[len(docs)-1].ts)), nil
	case strings.Contains(url, "/_search/scroll"):
		s, found := f.sessions[body]
		if !found {
			return transport.NewStringResponse(404, `{"error":"no such scroll"}`), nil
		}
		return transport.NewStringResponse(200, f.page(body, s)), nil
	case strings.Contains(url, "_search?scroll="):
		size, _ := strconv.Atoi(url[strings.LastIndex(url, "=")+1:])
		f.nextID++
		f.opened++
		id := "scroll-" + strconv.Itoa(f.nextID)
		s := &fakeSession{docs: f.inRange(body), size: size}
		f.sessions[id] = s
		return transport.NewStringResponse(200, f.page(id, s)), nil
	}
	return transport.NewStringResponse(400, `{"error":"unknown endpoint"}`), nil
}

func (f *fakeCluster) page(id string, s *fakeSession) string {
	end := min(s.pos+s.size, len(s.docs))
	hits := make([]string, 0, end-s.pos)
	for _, d := range s.docs[s.pos:end] {
		hits = append(hits, fmt.Sprintf(`{"_id":%q,"_source":{%q:%d}}`, d.id, f.timeField, d.ts))
	}
	s.pos = end
	s.page++
	return `{"_scroll_id":"` + id + `","hits":{"total":` + strconv.Itoa(len(s.docs)) + `,"hits":[` + strings.Join(hits, ",") + `]}}`
}

func (f *fakeCluster) Delete(_ context.Context, _ string, body string) (*transport.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := gjson.Get(body, "scroll_id.0").String()
	f.deletes = append(f.deletes, id)
	delete(f.sessions, id)
	return transport.NewStringResponse(200, `{"succeeded":true}`), nil
}

func (f *fakeCluster) Post(_ context.Context, url, _ string) (*transport.Response, error) {
	return nil, fmt.Errorf("unexpected POST %s", url)
}

func parseDateTime(v string) int64 {
	t, err := time.Parse(utils.DateTimeLayout, v)
	if err != nil {
		panic(err)
	}
	return t.UnixMilli()
}
