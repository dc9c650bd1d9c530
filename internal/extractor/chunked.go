package extractor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/miradorstack/mirador-ingest/internal/metrics"
	"github.com/miradorstack/mirador-ingest/internal/transport"
	"github.com/miradorstack/mirador-ingest/internal/utils"
)

const tracerName = "github.com/miradorstack/mirador-ingest/internal/extractor"

// ChunkedOptions configures a ChunkedExtractor.
type ChunkedOptions struct {
	// Indices is the configured index pattern used for summaries and settings.
	Indices []string
	Scroll  ScrollOptions
	// Chunking splits the range by data density. When false a single scroll
	// covers the whole range.
	Chunking     bool
	MinChunkSpan time.Duration
}

// ChunkedExtractor walks [start, end) in chunks sized so each is expected to
// hold about one scroll batch per shard. Each chunk is extracted to
// exhaustion by a fresh ScrollExtractor before the cursor advances, so
// documents come out in non-decreasing time order.
//
// Next must be called from one goroutine. Cancel may be called from any.
type ChunkedExtractor struct {
	requester transport.Requester
	urls      URLBuilder
	query     *QueryBuilder
	selector  IndexSelector
	opts      ChunkedOptions
	logger    *slog.Logger

	startMs    int64
	endMs      int64
	cursor     int64
	chunkEnd   int64
	chunkSpan  int64
	shards     int64
	firstBatch bool
	ended      bool
	chunks     int
	traceSpan  trace.Span

	mu        sync.Mutex
	current   *ScrollExtractor
	cancelled bool
}

// NewChunkedExtractor constructs a ChunkedExtractor.
func NewChunkedExtractor(requester transport.Requester, urls URLBuilder, query *QueryBuilder, selector IndexSelector,
	opts ChunkedOptions, logger *slog.Logger) *ChunkedExtractor {
	if selector == nil {
		selector = NewStaticIndexSelector(opts.Indices)
	}
	if opts.MinChunkSpan <= 0 {
		opts.MinChunkSpan = time.Minute
	}
	return &ChunkedExtractor{
		requester: requester,
		urls:      urls,
		query:     query,
		selector:  selector,
		opts:      opts,
		logger:    utils.OrDefault(logger),
		ended:     true,
	}
}

// NewSearch prepares extraction of [startMs, endMs). With chunking enabled it
// runs a data summary over the range and reads the shard count; a range
// without documents ends the iteration at the first Next.
func (c *ChunkedExtractor) NewSearch(ctx context.Context, startMs, endMs int64) error {
	c.mu.Lock()
	scroll := c.current
	c.current = nil
	c.cancelled = false
	c.mu.Unlock()
	if scroll != nil {
		scroll.close()
	}
	c.endTrace(nil)

	c.startMs, c.endMs = startMs, endMs
	c.cursor, c.chunkEnd = startMs, startMs
	c.chunkSpan = 0
	c.chunks = 0
	c.ended = false
	c.query.LogQueryInfo(c.logger)

	if startMs >= endMs {
		err := &utils.PreconditionError{Msg: fmt.Sprintf("extraction expects end > start; got start = %d, end = %d", startMs, endMs)}
		c.logger.Error(err.Error())
		c.cursor = endMs
		return nil
	}
	if !c.opts.Chunking {
		c.chunkSpan = endMs - startMs
		return nil
	}

	summary, err := c.summarise(ctx, startMs)
	if err != nil {
		return err
	}
	if summary.TotalHits > 0 && c.shards == 0 {
		shards, err := fetchShardCount(ctx, c.requester, c.urls, c.opts.Indices)
		if err != nil {
			return err
		}
		c.shards = shards
	}
	c.applySummary(summary)
	return nil
}

func (c *ChunkedExtractor) summarise(ctx context.Context, fromMs int64) (DataSummary, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "extract.summary", trace.WithAttributes(
		attribute.Int64("extract.from_ms", fromMs),
		attribute.Int64("extract.to_ms", c.endMs),
	))
	defer span.End()

	summary, err := fetchDataSummary(ctx, c.requester, c.urls, c.query, c.opts.Indices, fromMs, c.endMs)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "data summary failed")
		return DataSummary{}, err
	}
	span.SetAttributes(attribute.Int64("extract.total_hits", summary.TotalHits))
	c.logger.Debug("data summary",
		slog.Int64("from", fromMs),
		slog.Int64("total_hits", summary.TotalHits),
		slog.Int64("earliest", summary.EarliestMs),
		slog.Int64("latest", summary.LatestMs))
	return summary, nil
}

func (c *ChunkedExtractor) applySummary(s DataSummary) {
	if s.TotalHits <= 0 {
		c.cursor = c.endMs
		return
	}
	c.cursor = max(c.cursor, s.EarliestMs)

	remaining := c.endMs - c.cursor
	spread := s.Spread()
	if spread <= 0 {
		c.chunkSpan = remaining
		return
	}
	span := int64(float64(spread) * float64(int64(c.opts.Scroll.Size)*max(c.shards, 1)) / float64(s.TotalHits))
	c.chunkSpan = max(span, c.opts.MinChunkSpan.Milliseconds())
}

// ChunkSpan returns the current chunk width in milliseconds.
func (c *ChunkedExtractor) ChunkSpan() int64 {
	return c.chunkSpan
}

// Chunks returns how many chunks have been opened by the current search.
func (c *ChunkedExtractor) Chunks() int {
	return c.chunks
}

// HasNext reports whether Next may still yield a batch or the end marker.
func (c *ChunkedExtractor) HasNext() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return false
	}
	return !c.cancelled || (c.current != nil && c.current.HasNext())
}

// Next returns the next batch across chunks. A nil reader with a nil error
// marks the end of the range; calling Next after that returns ErrNoSuchBatch.
func (c *ChunkedExtractor) Next(ctx context.Context) (io.Reader, error) {
	if !c.HasNext() {
		return nil, ErrNoSuchBatch
	}
	for {
		if err := ctx.Err(); err != nil {
			c.finish(err)
			return nil, err
		}

		c.mu.Lock()
		cancelled, scroll := c.cancelled, c.current
		c.mu.Unlock()
		if cancelled {
			c.finish(nil)
			return nil, nil
		}

		if scroll == nil {
			if c.cursor >= c.endMs {
				c.finish(nil)
				return nil, nil
			}
			scroll = c.openChunk(ctx)
			if scroll == nil {
				continue
			}
		}

		batch, err := scroll.Next(ctx)
		if err != nil {
			c.finish(err)
			return nil, err
		}
		if batch != nil {
			c.firstBatch = false
			return batch, nil
		}

		emptyChunk := c.firstBatch
		c.mu.Lock()
		c.current = nil
		cancelled = c.cancelled
		c.mu.Unlock()
		c.endTrace(nil)
		if cancelled {
			continue
		}

		if emptyChunk && c.opts.Chunking {
			// Skip the gap: size the next chunk from where data actually resumes.
			summary, err := c.summarise(ctx, c.cursor)
			if err != nil {
				c.finish(err)
				return nil, err
			}
			c.applySummary(summary)
			continue
		}
		c.cursor = c.chunkEnd
	}
}

// openChunk starts a scroll for the next chunk, or advances past a chunk no
// index covers and returns nil.
func (c *ChunkedExtractor) openChunk(ctx context.Context) *ScrollExtractor {
	c.chunkEnd = min(c.cursor+max(c.chunkSpan, 1), c.endMs)

	indices := c.selector.SelectByTime(ctx, c.cursor, c.chunkEnd, c.logger)
	if len(indices) == 0 {
		c.logger.Debug("no indices cover chunk; skipping", slog.Int64("start", c.cursor), slog.Int64("end", c.chunkEnd))
		c.cursor = c.chunkEnd
		return nil
	}

	c.chunks++
	metrics.IncChunks()
	_, c.traceSpan = otel.Tracer(tracerName).Start(ctx, "extract.chunk", trace.WithAttributes(
		attribute.Int("chunk.index", c.chunks),
		attribute.Int64("chunk.start_ms", c.cursor),
		attribute.Int64("chunk.end_ms", c.chunkEnd),
		attribute.StringSlice("chunk.indices", indices),
	))
	c.logger.Debug("extracting chunk",
		slog.Int("chunk", c.chunks),
		slog.Int64("start", c.cursor),
		slog.Int64("end", c.chunkEnd),
		slog.Any("indices", indices))

	scroll := NewScrollExtractor(c.requester, c.urls, c.query, c.opts.Scroll, c.logger)
	scroll.NewSearch(c.cursor, c.chunkEnd, indices)
	c.firstBatch = true

	c.mu.Lock()
	c.current = scroll
	c.mu.Unlock()
	return scroll
}

// Cancel stops extraction and no further chunks are opened. The active
// scroll is cancelled; a batch already handed out stays readable until the
// next call to Next, which releases it and returns the end marker.
func (c *ChunkedExtractor) Cancel() {
	c.mu.Lock()
	c.cancelled = true
	scroll := c.current
	c.mu.Unlock()

	if scroll != nil {
		scroll.Cancel()
	}
}

func (c *ChunkedExtractor) finish(err error) {
	c.mu.Lock()
	scroll := c.current
	c.current = nil
	c.ended = true
	c.mu.Unlock()

	if scroll != nil {
		scroll.close()
	}
	c.endTrace(err)
}

func (c *ChunkedExtractor) endTrace(err error) {
	if c.traceSpan == nil {
		return
	}
	if err != nil {
		c.traceSpan.RecordError(err)
		c.traceSpan.SetStatus(codes.Error, "chunk failed")
	}
	c.traceSpan.End()
	c.traceSpan = nil
}

// Indices returns a copy of the configured index pattern.
func (c *ChunkedExtractor) Indices() []string {
	return slices.Clone(c.opts.Indices)
}
