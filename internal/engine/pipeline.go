package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/miradorstack/mirador-ingest/internal/metrics"
	"github.com/miradorstack/mirador-ingest/internal/models"
	"github.com/miradorstack/mirador-ingest/internal/parser"
	"github.com/miradorstack/mirador-ingest/internal/process"
	"github.com/miradorstack/mirador-ingest/internal/utils"
)

const tracerName = "github.com/miradorstack/mirador-ingest/internal/engine"

// DefaultFlushTimeout bounds FlushAndWait when no timeout is given.
const DefaultFlushTimeout = 30 * time.Second

// ErrAlreadyRunning is returned when Run is called on a busy runner.
var ErrAlreadyRunning = errors.New("job runner is already running")

// Extractor yields the batches for a time range.
type Extractor interface {
	NewSearch(ctx context.Context, startMs, endMs int64) error
	HasNext() bool
	Next(ctx context.Context) (io.Reader, error)
	Cancel()
}

// ResultParser consumes the process output.
type ResultParser interface {
	Parse(ctx context.Context, r io.Reader) error
	RegisterFlush(id string) *parser.FlushWaiter
}

// Deps wires a JobRunner.
type Deps struct {
	Extractor Extractor
	Process   process.AnalyticsProcess
	Parser    ResultParser
	Counts    *models.DataCounts
	// TimeField and Fields describe the documents sent to the process and
	// drive the data counts.
	TimeField    string
	Fields       []string
	FlushTimeout time.Duration
	Logger       *slog.Logger
}

// JobRunner runs one job: an extraction goroutine streams documents into the
// analytics process while a parser goroutine consumes its results.
type JobRunner struct {
	deps   Deps
	logger *slog.Logger

	mu        sync.Mutex
	running   bool
	cancelled atomic.Bool
}

// NewJobRunner constructs a runner.
func NewJobRunner(deps Deps) (*JobRunner, error) {
	if deps.Extractor == nil || deps.Process == nil || deps.Parser == nil {
		return nil, fmt.Errorf("job runner requires an extractor, a process and a parser")
	}
	if deps.Counts == nil {
		deps.Counts = &models.DataCounts{}
	}
	if deps.FlushTimeout <= 0 {
		deps.FlushTimeout = DefaultFlushTimeout
	}
	return &JobRunner{deps: deps, logger: utils.OrDefault(deps.Logger)}, nil
}

// Counts returns the runner's data counts.
func (r *JobRunner) Counts() *models.DataCounts {
	return r.deps.Counts
}

// Run extracts req.TimeRange into the process and parses its output until
// the process closes it. The process input is closed once extraction ends.
func (r *JobRunner) Run(ctx context.Context, req models.JobRequest) (models.DataCountsSnapshot, error) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return models.DataCountsSnapshot{}, ErrAlreadyRunning
	}
	r.running = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}()

	ctx, span := otel.Tracer(tracerName).Start(ctx, "job.run")
	span.SetAttributes(
		attribute.String("job.id", req.JobID),
		attribute.Int64("job.start_ms", req.TimeRange.StartMs()),
		attribute.Int64("job.end_ms", req.TimeRange.EndMs()),
	)
	defer span.End()

	start := time.Now()
	r.logger.Info("job run started",
		slog.String("job_id", req.JobID),
		slog.Time("start", req.TimeRange.Start),
		slog.Time("end", req.TimeRange.End))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return r.parse(gctx)
	})
	g.Go(func() error {
		defer r.closeInput()
		return r.extract(gctx, req.TimeRange)
	})
	err := g.Wait()
	if waitErr := r.deps.Process.Wait(); waitErr != nil && err == nil {
		err = waitErr
	}

	counts := r.deps.Counts.Snapshot()
	outcome := metrics.OutcomeSuccess
	switch {
	case err != nil && ctx.Err() != nil:
		outcome = metrics.OutcomeCancelled
	case err != nil:
		outcome = metrics.OutcomeError
	}
	metrics.ObserveJobRun(time.Since(start), outcome)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "job run failed")
		r.logger.Error("job run failed", slog.String("job_id", req.JobID), slog.Any("error", err))
		return counts, err
	}
	r.logger.Info("job run finished",
		slog.String("job_id", req.JobID),
		slog.Int64("records", counts.ProcessedRecordCount),
		slog.Int64("buckets", counts.BucketCount),
		slog.Duration("elapsed", time.Since(start)))
	return counts, nil
}

func (r *JobRunner) parse(ctx context.Context) error {
	out := r.deps.Process.Output()
	if err := r.deps.Parser.Parse(ctx, out); err != nil {
		// Keep the process from blocking on a full output pipe.
		_, _ = io.Copy(io.Discard, out)
		return fmt.Errorf("parse results: %w", err)
	}
	return nil
}

func (r *JobRunner) extract(ctx context.Context, tr models.TimeRange) error {
	ex := r.deps.Extractor
	if r.cancelled.Load() {
		return nil
	}
	if err := ex.NewSearch(ctx, tr.StartMs(), tr.EndMs()); err != nil {
		return fmt.Errorf("start extraction: %w", err)
	}
	// NewSearch resets the extractor, so a cancel that raced with it is
	// applied again here.
	if r.cancelled.Load() {
		ex.Cancel()
	}
	for ex.HasNext() {
		batch, err := ex.Next(ctx)
		if err != nil {
			return fmt.Errorf("extract: %w", err)
		}
		if batch == nil {
			break
		}
		if err := r.writeBatch(batch); err != nil {
			stopExtraction(ctx, ex)
			return err
		}
	}
	return nil
}

// stopExtraction cancels ex and hands back the batch it may still hold.
func stopExtraction(ctx context.Context, ex Extractor) {
	ex.Cancel()
	for ex.HasNext() {
		if batch, err := ex.Next(ctx); err != nil || batch == nil {
			return
		}
	}
}

func (r *JobRunner) closeInput() {
	if err := r.deps.Process.Input().Close(); err != nil {
		r.logger.Warn("closing process input failed", slog.Any("error", err))
	}
}

// writeBatch sends each hit's source as one JSON line. An aggregated
// response is sent as a single line holding its aggregations.
func (r *JobRunner) writeBatch(batch io.Reader) error {
	data, err := io.ReadAll(batch)
	if err != nil {
		return fmt.Errorf("read batch: %w", err)
	}
	counts := r.deps.Counts
	counts.RecordBatch(int64(len(data)))

	var out bytes.Buffer
	docs := 0
	gjson.GetBytes(data, "hits.hits").ForEach(func(_, hit gjson.Result) bool {
		src := hit.Get("_source")
		if !src.Exists() {
			src = hit.Get("fields")
		}
		if !src.IsObject() {
			return true
		}
		fields, missing, ts := r.inspect(src)
		counts.RecordDocument(fields, missing, ts)
		out.WriteString(src.Raw)
		out.WriteByte('\n')
		docs++
		return true
	})
	if docs == 0 {
		if aggs := gjson.GetBytes(data, "aggregations"); aggs.Exists() {
			out.WriteString(aggs.Raw)
			out.WriteByte('\n')
		}
	}
	if out.Len() == 0 {
		return nil
	}
	metrics.AddExtractedBatch(int64(out.Len()))
	if _, err := r.deps.Process.Input().Write(out.Bytes()); err != nil {
		return fmt.Errorf("write to analytics process: %w", err)
	}
	return nil
}

// inspect counts a document's fields, the configured fields it lacks, and
// reads its time field. An unreadable time yields zero.
func (r *JobRunner) inspect(src gjson.Result) (fields, missing int, timestampMs int64) {
	seen := make(map[string]bool, len(r.deps.Fields))
	src.ForEach(func(key, value gjson.Result) bool {
		fields++
		name := key.String()
		seen[name] = true
		if name == r.deps.TimeField {
			timestampMs = parseTimestamp(value)
		}
		return true
	})
	for _, f := range r.deps.Fields {
		if !seen[f] {
			missing++
		}
	}
	return fields, missing, timestampMs
}

func parseTimestamp(v gjson.Result) int64 {
	switch v.Type {
	case gjson.Number:
		return v.Int()
	case gjson.String:
		if n, err := strconv.ParseInt(v.Str, 10, 64); err == nil {
			return n
		}
		for _, layout := range []string{utils.DateTimeLayout, time.RFC3339Nano} {
			if t, err := time.Parse(layout, v.Str); err == nil {
				return t.UnixMilli()
			}
		}
	}
	return 0
}

// FlushAndWait asks the process to flush and blocks until the parser sees
// the acknowledgement. A timeout of zero uses the configured flush timeout.
func (r *JobRunner) FlushAndWait(ctx context.Context, timeout time.Duration) (parser.FlushResult, error) {
	if timeout <= 0 {
		timeout = r.deps.FlushTimeout
	}
	id := uuid.NewString()
	waiter := r.deps.Parser.RegisterFlush(id)
	if err := r.deps.Process.Flush(ctx, id); err != nil {
		waiter.Abandon()
		return parser.FlushCancelled, err
	}
	result := waiter.Wait(ctx, timeout)
	r.logger.Debug("flush finished", slog.String("flush_id", id), slog.String("result", result.String()))
	return result, nil
}

// Cancel stops extraction between batches. The run then finishes normally
// with whatever results the process produces for the data already sent. A
// cancel issued before extraction starts is kept for the whole run.
func (r *JobRunner) Cancel() {
	r.cancelled.Store(true)
	r.deps.Extractor.Cancel()
}
