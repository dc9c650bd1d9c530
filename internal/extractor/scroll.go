package extractor

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/miradorstack/mirador-ingest/internal/metrics"
	"github.com/miradorstack/mirador-ingest/internal/transport"
	"github.com/miradorstack/mirador-ingest/internal/utils"
)

// DefaultScrollIDScanLimit bounds how much of a response is inspected for
// the scroll id.
const DefaultScrollIDScanLimit = 1 << 20

const clearScrollTimeout = 10 * time.Second

// ErrNoSuchBatch is returned by Next once the iterator has reported its end.
var ErrNoSuchBatch = errors.New("no more batches")

var (
	scrollIDField = []byte(`"_scroll_id":"`)
	emptyHits     = []byte(`"hits":[]`)
	emptyBuckets  = []byte(`"buckets":[]`)
)

// ScrollState is the lifecycle position of a scroll session.
type ScrollState int

const (
	StateNotStarted ScrollState = iota
	StateActive
	StateExhausted
	StateCancelled
)

func (s ScrollState) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateActive:
		return "active"
	case StateExhausted:
		return "exhausted"
	}
	return "cancelled"
}

// ScrollOptions sizes a scroll session.
type ScrollOptions struct {
	Size      int
	ScanLimit int
}

// ScrollExtractor drives a single scroll session over one time range and
// set of indices. Batches are handed out as readers over the live response
// body; a batch stays readable until the next call to Next.
//
// Next must be called from one goroutine. Cancel may be called from any; it
// never closes a batch the owner is still reading.
type ScrollExtractor struct {
	requester transport.Requester
	urls      URLBuilder
	query     *QueryBuilder
	opts      ScrollOptions
	logger    *slog.Logger

	indices []string
	startMs int64
	endMs   int64

	mu       sync.Mutex
	state    ScrollState
	scrollID string
	batches  int
	inFlight bool
	cleared  bool
	current  *transport.Response
}

// NewScrollExtractor constructs a ScrollExtractor with no session.
func NewScrollExtractor(requester transport.Requester, urls URLBuilder, query *QueryBuilder, opts ScrollOptions, logger *slog.Logger) *ScrollExtractor {
	if opts.Size <= 0 {
		opts.Size = 1000
	}
	if opts.ScanLimit <= 0 {
		opts.ScanLimit = DefaultScrollIDScanLimit
	}
	return &ScrollExtractor{
		requester: requester,
		urls:      urls,
		query:     query,
		opts:      opts,
		logger:    utils.OrDefault(logger),
		state:     StateExhausted,
	}
}

// NewSearch scopes a new session to [startMs, endMs) over indices. The
// initial search is issued by the first call to Next. Any session still
// open is cancelled first.
func (e *ScrollExtractor) NewSearch(startMs, endMs int64, indices []string) {
	e.close()

	e.mu.Lock()
	defer e.mu.Unlock()
	e.indices = slices.Clone(indices)
	e.startMs = startMs
	e.endMs = endMs
	e.state = StateNotStarted
	e.scrollID = ""
	e.batches = 0
	e.cleared = false
}

// State returns the current lifecycle state.
func (e *ScrollExtractor) State() ScrollState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Batches returns how many non-empty batches the session has yielded.
func (e *ScrollExtractor) Batches() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.batches
}

// HasNext reports whether Next may still yield a batch or the end marker.
func (e *ScrollExtractor) HasNext() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hasNextLocked()
}

func (e *ScrollExtractor) hasNextLocked() bool {
	return e.state == StateNotStarted || e.state == StateActive || e.pendingReleaseLocked()
}

// pendingReleaseLocked reports a cancelled session whose last batch has not
// been given back by the owner yet.
func (e *ScrollExtractor) pendingReleaseLocked() bool {
	return e.state == StateCancelled && e.current != nil
}

// Next returns the next batch. A nil reader with a nil error marks the end
// of the session: the backend reported no more hits, or the session was
// cancelled. Calling Next after that returns ErrNoSuchBatch.
func (e *ScrollExtractor) Next(ctx context.Context) (io.Reader, error) {
	e.mu.Lock()
	if !e.hasNextLocked() {
		e.mu.Unlock()
		return nil, ErrNoSuchBatch
	}
	if e.pendingReleaseLocked() {
		e.mu.Unlock()
		e.clear()
		return nil, nil
	}
	e.closeCurrentLocked()
	starting := e.state == StateNotStarted
	if !starting && e.query.IsAggregated() {
		// Aggregated searches return everything in the first response.
		e.state = StateExhausted
		e.mu.Unlock()
		e.clear()
		metrics.IncScrollSession(StateExhausted.String())
		return nil, nil
	}
	scrollID := e.scrollID
	e.inFlight = true
	e.mu.Unlock()

	var (
		resp *transport.Response
		url  string
		err  error
	)
	if starting {
		size := e.opts.Size
		if e.query.IsAggregated() {
			size = 0
		}
		url = e.urls.InitScroll(e.indices, size)
		resp, err = e.requester.Get(ctx, url, e.query.SearchBody(e.startMs, e.endMs))
	} else {
		url = e.urls.ContinueScroll()
		resp, err = e.requester.Get(ctx, url, scrollID)
	}
	if err == nil && !resp.IsSuccess() {
		err = &utils.TransportError{URL: url, ScrollID: scrollID, StatusCode: resp.StatusCode, Body: resp.ReadBody()}
	}

	var (
		reader *bufio.Reader
		prefix []byte
	)
	if err == nil {
		reader = bufio.NewReaderSize(resp.Body, e.opts.ScanLimit)
		prefix, _ = reader.Peek(e.opts.ScanLimit)
		var id string
		if id, err = extractScrollID(prefix); err == nil {
			scrollID = id
		}
		if err != nil {
			resp.Close()
		}
	}

	e.mu.Lock()
	e.inFlight = false
	e.scrollID = scrollID
	switch {
	case e.state == StateCancelled:
		e.mu.Unlock()
		if err == nil {
			resp.Close()
		}
		e.clear()
		return nil, nil
	case err != nil:
		e.state = StateExhausted
		e.mu.Unlock()
		e.clear()
		metrics.IncScrollSession("error")
		return nil, err
	case e.isEmpty(prefix):
		e.state = StateExhausted
		e.mu.Unlock()
		resp.Close()
		e.clear()
		metrics.IncScrollSession(StateExhausted.String())
		return nil, nil
	}
	e.state = StateActive
	e.batches++
	e.current = resp
	e.mu.Unlock()
	return reader, nil
}

func (e *ScrollExtractor) isEmpty(prefix []byte) bool {
	if e.query.IsAggregated() {
		return bytes.Contains(prefix, emptyBuckets)
	}
	return bytes.Contains(prefix, emptyHits)
}

// Cancel ends the session. The scroll is cleared at most once. When a
// request is in flight the clear happens as soon as it returns; when the
// owner still holds a batch, the batch stays readable and the next call to
// Next releases it, clears the scroll and returns the end marker.
func (e *ScrollExtractor) Cancel() {
	e.mu.Lock()
	if e.state != StateNotStarted && e.state != StateActive {
		e.mu.Unlock()
		return
	}
	wasStarted := e.state == StateActive || e.inFlight
	e.state = StateCancelled
	deferred := e.inFlight || e.current != nil
	e.mu.Unlock()

	if wasStarted {
		metrics.IncScrollSession(StateCancelled.String())
	}
	if !deferred {
		e.clear()
	}
}

// close cancels the session and releases any batch still held. Only the
// goroutine calling Next may use it.
func (e *ScrollExtractor) close() {
	e.Cancel()
	e.clear()
}

func (e *ScrollExtractor) closeCurrentLocked() {
	if e.current != nil {
		e.current.Close()
		e.current = nil
	}
}

// clear releases the backend session once. Failures are logged only.
func (e *ScrollExtractor) clear() {
	e.mu.Lock()
	e.closeCurrentLocked()
	if e.cleared || e.scrollID == "" {
		e.mu.Unlock()
		return
	}
	e.cleared = true
	scrollID := e.scrollID
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), clearScrollTimeout)
	defer cancel()

	resp, err := e.requester.Delete(ctx, e.urls.ClearScroll(), `{"scroll_id":["`+scrollID+`"]}`)
	if err != nil {
		metrics.IncScrollClearFailure()
		e.logger.Warn("failed to clear scroll", slog.String("scroll_id", scrollID), slog.Any("error", err))
		return
	}
	body := resp.ReadBody()
	if !resp.IsSuccess() {
		metrics.IncScrollClearFailure()
		e.logger.Warn("failed to clear scroll",
			slog.String("scroll_id", scrollID),
			slog.Int("status", resp.StatusCode),
			slog.String("response", body))
	}
}

// extractScrollID finds the scroll id within the bounded response prefix.
func extractScrollID(prefix []byte) (string, error) {
	if i := bytes.Index(prefix, scrollIDField); i >= 0 {
		rest := prefix[i+len(scrollIDField):]
		if j := bytes.IndexByte(rest, '"'); j >= 0 {
			return string(rest[:j]), nil
		}
	}
	return "", utils.NewProtocolError("Field '_scroll_id' was expected but not found in first %d bytes of response:\n%s",
		len(prefix), prefix)
}
