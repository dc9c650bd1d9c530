package parser

import (
	"context"
	"sync"
	"time"

	"github.com/miradorstack/mirador-ingest/internal/metrics"
)

// FlushResult is the outcome of waiting for a flush acknowledgement.
type FlushResult int

const (
	FlushAcknowledged FlushResult = iota
	FlushTimedOut
	// FlushStreamClosed means the result stream ended without the
	// acknowledgement.
	FlushStreamClosed
	FlushCancelled
)

func (r FlushResult) String() string {
	switch r {
	case FlushAcknowledged:
		return "acknowledged"
	case FlushTimedOut:
		return "timed_out"
	case FlushStreamClosed:
		return "stream_closed"
	}
	return "cancelled"
}

type flushEntry struct {
	done   chan struct{}
	result FlushResult
	refs   int
}

// flushRegistry maps flush ids to one-shot release channels.
type flushRegistry struct {
	mu      sync.Mutex
	entries map[string]*flushEntry
	closed  bool
}

func newFlushRegistry() *flushRegistry {
	return &flushRegistry{entries: make(map[string]*flushEntry)}
}

// FlushWaiter is a registered interest in one flush id.
type FlushWaiter struct {
	reg   *flushRegistry
	id    string
	entry *flushEntry
}

func (f *flushRegistry) register(id string) *FlushWaiter {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		e := &flushEntry{done: make(chan struct{}), result: FlushStreamClosed}
		close(e.done)
		return &FlushWaiter{reg: f, id: id, entry: e}
	}
	e, ok := f.entries[id]
	if !ok {
		e = &flushEntry{done: make(chan struct{})}
		f.entries[id] = e
	}
	e.refs++
	return &FlushWaiter{reg: f, id: id, entry: e}
}

func (f *flushRegistry) unregister(w *FlushWaiter) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if e, ok := f.entries[w.id]; ok && e == w.entry {
		e.refs--
		if e.refs <= 0 {
			delete(f.entries, w.id)
		}
	}
}

// acknowledge releases every waiter for id and reports whether there was
// one.
func (f *flushRegistry) acknowledge(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[id]
	if !ok {
		return false
	}
	delete(f.entries, id)
	e.result = FlushAcknowledged
	close(e.done)
	return true
}

func (f *flushRegistry) open() {
	f.mu.Lock()
	f.closed = false
	f.mu.Unlock()
}

// closeAll releases every outstanding waiter as FlushStreamClosed. Waiters
// registered afterwards are released immediately until the next open.
func (f *flushRegistry) closeAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	for id, e := range f.entries {
		e.result = FlushStreamClosed
		close(e.done)
		delete(f.entries, id)
	}
}

func (f *flushRegistry) outstanding() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

// ID returns the flush id waited on.
func (w *FlushWaiter) ID() string {
	return w.id
}

// Wait blocks until the acknowledgement is parsed, the stream ends, timeout
// elapses or ctx is done. A timeout of zero or less waits on ctx alone.
func (w *FlushWaiter) Wait(ctx context.Context, timeout time.Duration) FlushResult {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	result := FlushCancelled
	select {
	case <-w.entry.done:
		result = w.entry.result
	case <-expired:
		result = FlushTimedOut
	case <-ctx.Done():
	}
	if result != FlushAcknowledged && result != FlushStreamClosed {
		w.reg.unregister(w)
	}
	metrics.IncFlushWait(result.String())
	return result
}

// Abandon drops the registration without waiting.
func (w *FlushWaiter) Abandon() {
	w.reg.unregister(w)
}
