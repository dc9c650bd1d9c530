package parser

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlushWaiterRegisteredBeforeParse(t *testing.T) {
	p, _, _ := newTestParser()
	acked := p.RegisterFlush("testing1")
	missing := p.RegisterFlush("testing2")

	require.NoError(t, p.Parse(context.Background(), strings.NewReader(metricOutput)))

	assert.Equal(t, FlushAcknowledged, acked.Wait(context.Background(), time.Second))
	assert.Equal(t, FlushStreamClosed, missing.Wait(context.Background(), time.Second))
}

func TestFlushAcknowledgedMidStream(t *testing.T) {
	p, persister, _ := newTestParser()
	pr, pw := io.Pipe()
	parsed := make(chan error, 1)
	go func() { parsed <- p.Parse(context.Background(), pr) }()

	require.True(t, p.WaitForParseStart(context.Background(), time.Second))
	waiter := p.RegisterFlush("A")

	_, err := io.WriteString(pw, `[{"timestamp":1359450000,"anomalyScore":1},{"flush":"A"}`)
	require.NoError(t, err)

	assert.Equal(t, FlushAcknowledged, waiter.Wait(context.Background(), 5*time.Second))
	assert.Len(t, persister.Buckets(), 1)
	assert.Equal(t, 1, persister.Commits(), "writes are committed before the flush is released")

	require.NoError(t, pw.Close())
	assert.Error(t, <-parsed, "array left unterminated")
}

func TestFlushWaiterTimesOut(t *testing.T) {
	p, _, _ := newTestParser()
	pr, pw := io.Pipe()
	defer pw.Close()
	go func() { _ = p.Parse(context.Background(), pr) }()
	require.True(t, p.WaitForParseStart(context.Background(), time.Second))

	result := p.WaitForFlushAcknowledgement(context.Background(), "never", 20*time.Millisecond)

	assert.Equal(t, FlushTimedOut, result)
	assert.Zero(t, p.flushes.outstanding())
}

func TestFlushWaiterCancelled(t *testing.T) {
	p, _, _ := newTestParser()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Equal(t, FlushCancelled, p.WaitForFlushAcknowledgement(ctx, "A", time.Second))
	assert.Zero(t, p.flushes.outstanding())
}

func TestUnexpectedFlushIsIgnored(t *testing.T) {
	p, persister, _ := newTestParser()

	require.NoError(t, p.Parse(context.Background(), strings.NewReader(`{"flush":"nobody"}`)))

	assert.Equal(t, 1, persister.Commits())
	assert.Equal(t, FlushStreamClosed, p.WaitForFlushAcknowledgement(context.Background(), "nobody", time.Second))
}

func TestMultipleWaitersDoNotInterfere(t *testing.T) {
	p, _, _ := newTestParser()
	pr, pw := io.Pipe()
	go func() { _ = p.Parse(context.Background(), pr) }()

	a1 := p.RegisterFlush("A")
	a2 := p.RegisterFlush("A")
	b := p.RegisterFlush("B")
	results := make(chan FlushResult, 3)
	for _, w := range []*FlushWaiter{a1, a2} {
		go func() { results <- w.Wait(context.Background(), 5*time.Second) }()
	}

	_, err := io.WriteString(pw, `{"flush":"A"}`+"\n")
	require.NoError(t, err)
	assert.Equal(t, FlushAcknowledged, <-results)
	assert.Equal(t, FlushAcknowledged, <-results)

	go func() { results <- b.Wait(context.Background(), 5*time.Second) }()
	_, err = io.WriteString(pw, `{"flush":"B"}`+"\n")
	require.NoError(t, err)
	assert.Equal(t, FlushAcknowledged, <-results)
	require.NoError(t, pw.Close())
}

func TestParseStartBarrier(t *testing.T) {
	p, _, _ := newTestParser()

	assert.False(t, p.WaitForParseStart(context.Background(), 10*time.Millisecond))

	pr, pw := io.Pipe()
	defer pw.Close()
	go func() { _ = p.Parse(context.Background(), pr) }()

	assert.True(t, p.WaitForParseStart(context.Background(), time.Second))
}

func TestFlushResultString(t *testing.T) {
	assert.Equal(t, "acknowledged", FlushAcknowledged.String())
	assert.Equal(t, "timed_out", FlushTimedOut.String())
	assert.Equal(t, "stream_closed", FlushStreamClosed.String())
	assert.Equal(t, "cancelled", FlushCancelled.String())
}
