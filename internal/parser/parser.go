package parser

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/miradorstack/mirador-ingest/internal/alerting"
	"github.com/miradorstack/mirador-ingest/internal/metrics"
	"github.com/miradorstack/mirador-ingest/internal/models"
	"github.com/miradorstack/mirador-ingest/internal/persistence"
	"github.com/miradorstack/mirador-ingest/internal/renormaliser"
	"github.com/miradorstack/mirador-ingest/internal/utils"
)

// resultKind maps the first field of an object to the type it decodes into.
type resultKind struct {
	name   string
	decode func([]byte) (any, error)
}

func decodeAs[T any](data []byte) (any, error) {
	v := new(T)
	if err := json.Unmarshal(data, v); err != nil {
		return nil, err
	}
	return v, nil
}

var resultKinds = map[string]resultKind{
	"timestamp":           {"bucket", decodeAs[models.Bucket]},
	"quantileState":       {"quantiles", decodeAs[models.Quantiles]},
	"flush":               {"flush", decodeAs[models.FlushAcknowledgement]},
	"modelBytes":          {"model_size_stats", decodeAs[models.ModelSizeStats]},
	"categoryDefinition":  {"category_definition", decodeAs[models.CategoryDefinition]},
	"snapshotId":          {"model_snapshot", decodeAs[models.ModelSnapshot]},
	"debugFeature":        {"model_debug_output", decodeAs[models.ModelDebugOutput]},
	"influencerFieldName": {"influencer", decodeAs[models.Influencer]},
}

// ResultStreamParser reads the analytics process output and routes each
// result to persistence, renormalisation, flush waiters and alert observers.
// Parse runs on one goroutine; the flush and observer methods may be called
// from any.
type ResultStreamParser struct {
	persister    persistence.JobResultsPersister
	renormaliser renormaliser.Renormaliser
	counts       *models.DataCounts
	logger       *slog.Logger

	flushes *flushRegistry
	alerts  alertRegistry

	startOnce sync.Once
	started   chan struct{}

	sawInterim bool
}

// NewResultStreamParser constructs a parser. counts may be nil.
func NewResultStreamParser(persister persistence.JobResultsPersister, renorm renormaliser.Renormaliser,
	counts *models.DataCounts, logger *slog.Logger) *ResultStreamParser {
	return &ResultStreamParser{
		persister:    persister,
		renormaliser: renorm,
		counts:       counts,
		logger:       utils.OrDefault(logger),
		flushes:      newFlushRegistry(),
		started:      make(chan struct{}),
	}
}

// AddObserver registers o for at most one alert.
func (p *ResultStreamParser) AddObserver(o alerting.Observer) {
	p.alerts.add(o)
}

// RemoveObserver deregisters o and reports whether it was registered.
func (p *ResultStreamParser) RemoveObserver(o alerting.Observer) bool {
	return p.alerts.remove(o)
}

// ObserverCount returns the number of observers that have not fired.
func (p *ResultStreamParser) ObserverCount() int {
	return p.alerts.count()
}

// WaitForParseStart reports whether Parse has begun within timeout.
func (p *ResultStreamParser) WaitForParseStart(ctx context.Context, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-p.started:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// RegisterFlush records interest in the acknowledgement for id. Register
// before asking the process to flush; an acknowledgement parsed while no
// waiter exists is ignored.
func (p *ResultStreamParser) RegisterFlush(id string) *FlushWaiter {
	return p.flushes.register(id)
}

// WaitForFlushAcknowledgement registers for id and waits.
func (p *ResultStreamParser) WaitForFlushAcknowledgement(ctx context.Context, id string, timeout time.Duration) FlushResult {
	return p.RegisterFlush(id).Wait(ctx, timeout)
}

// Parse consumes r until it ends. The stream is either one array of objects
// or a sequence of objects. An object whose first field is not a known
// result kind is a protocol error. Waiters still outstanding when Parse
// returns are released as FlushStreamClosed.
func (p *ResultStreamParser) Parse(ctx context.Context, r io.Reader) error {
	p.flushes.open()
	p.startOnce.Do(func() { close(p.started) })
	defer p.flushes.closeAll()

	p.sawInterim = false
	br := bufio.NewReader(r)
	first, err := firstNonSpace(br)
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read results: %w", err)
	}

	dec := json.NewDecoder(br)
	switch first {
	case '[':
		if _, err := dec.Token(); err != nil {
			return fmt.Errorf("read results: %w", err)
		}
		for dec.More() {
			if err := p.next(ctx, dec); err != nil {
				return err
			}
		}
		if _, err := dec.Token(); err != nil {
			return utils.NewProtocolError("Invalid JSON - unterminated results array: %v", err)
		}
		return nil
	case '{':
		for {
			err := p.next(ctx, dec)
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return err
			}
		}
	}
	return startError(first)
}

func (p *ResultStreamParser) next(ctx context.Context, dec *json.Decoder) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var raw json.RawMessage
	if err := dec.Decode(&raw); err != nil {
		if errors.Is(err, io.EOF) {
			return err
		}
		return &utils.ProtocolError{Msg: "Invalid JSON in results stream", Err: err}
	}
	if raw[0] != '{' {
		return startError(raw[0])
	}

	field, err := firstField(raw)
	if err != nil {
		return err
	}
	kind, ok := resultKinds[field]
	if !ok {
		return utils.NewProtocolError("Invalid JSON - unexpected object parsed from output - first field %s", field)
	}
	result, err := kind.decode(raw)
	if err != nil {
		return &utils.ProtocolError{Msg: "Invalid JSON - malformed " + kind.name, Err: err}
	}
	metrics.IncParsedResult(kind.name)
	return p.handle(ctx, result)
}

func (p *ResultStreamParser) handle(ctx context.Context, result any) error {
	switch v := result.(type) {
	case *models.Bucket:
		return p.handleBucket(ctx, v)
	case *models.Quantiles:
		if err := p.persister.PersistQuantiles(ctx, v); err != nil {
			return fmt.Errorf("persist quantiles: %w", err)
		}
		if p.renormaliser != nil {
			if err := p.renormaliser.Renormalise(*v); err != nil {
				p.logger.Warn("quantiles not renormalised", slog.Any("error", err))
			}
		}
	case *models.FlushAcknowledgement:
		p.handleFlush(ctx, v)
	case *models.ModelSizeStats:
		p.logger.Debug("model size stats", slog.Int64("model_bytes", v.ModelBytes))
		if err := p.persister.PersistModelSizeStats(ctx, v); err != nil {
			return fmt.Errorf("persist model size stats: %w", err)
		}
	case *models.CategoryDefinition:
		if err := p.persister.PersistCategoryDefinition(ctx, v); err != nil {
			return fmt.Errorf("persist category definition: %w", err)
		}
	case *models.ModelSnapshot:
		if err := p.persister.PersistModelSnapshot(ctx, v); err != nil {
			return fmt.Errorf("persist model snapshot: %w", err)
		}
	case *models.ModelDebugOutput:
		if err := p.persister.PersistModelDebugOutput(ctx, v); err != nil {
			return fmt.Errorf("persist model debug output: %w", err)
		}
	case *models.Influencer:
		if err := p.persister.PersistInfluencer(ctx, v); err != nil {
			return fmt.Errorf("persist influencer: %w", err)
		}
	}
	return nil
}

func (p *ResultStreamParser) handleBucket(ctx context.Context, b *models.Bucket) error {
	if b.IsInterim {
		p.sawInterim = true
	} else if p.sawInterim {
		// A final bucket supersedes every interim result before it.
		if err := p.persister.DeleteInterimResults(ctx); err != nil {
			return fmt.Errorf("delete interim results: %w", err)
		}
		p.sawInterim = false
	}

	if err := p.persister.PersistBucket(ctx, b); err != nil {
		return fmt.Errorf("persist bucket: %w", err)
	}
	for i := range b.Influencers {
		inf := b.Influencers[i]
		inf.Timestamp = b.Timestamp
		inf.IsInterim = inf.IsInterim || b.IsInterim
		if err := p.persister.PersistInfluencer(ctx, &inf); err != nil {
			return fmt.Errorf("persist influencer: %w", err)
		}
	}
	if err := p.persister.IncrementBucketCount(ctx, 1); err != nil {
		return fmt.Errorf("increment bucket count: %w", err)
	}
	if p.counts != nil {
		p.counts.IncrementBuckets(1)
	}
	if !b.IsInterim {
		p.alerts.evaluate(ctx, b, p.logger)
	}
	return nil
}

func (p *ResultStreamParser) handleFlush(ctx context.Context, ack *models.FlushAcknowledgement) {
	// Waiters must only see the flush once everything before it is durable.
	if !p.persister.CommitWrites(ctx) {
		p.logger.Warn("commit before flush acknowledgement failed", slog.String("flush_id", ack.ID))
	}
	if p.flushes.acknowledge(ack.ID) {
		p.logger.Debug("flush acknowledged", slog.String("flush_id", ack.ID))
		return
	}
	p.logger.Debug("flush acknowledgement without waiter", slog.String("flush_id", ack.ID))
}

func firstNonSpace(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.ReadByte()
		if err != nil {
			return 0, err
		}
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		}
		return b, br.UnreadByte()
	}
}

func firstField(raw []byte) (string, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	if _, err := dec.Token(); err != nil {
		return "", &utils.ProtocolError{Msg: "Invalid JSON in results stream", Err: err}
	}
	tok, err := dec.Token()
	if err != nil {
		return "", &utils.ProtocolError{Msg: "Invalid JSON in results stream", Err: err}
	}
	field, ok := tok.(string)
	if !ok {
		return "", utils.NewProtocolError("Invalid JSON - unexpected object parsed from output - empty object")
	}
	return field, nil
}

func startError(b byte) error {
	kind := "number"
	switch b {
	case '[':
		kind = "array"
	case '"':
		kind = "string"
	case 't', 'f':
		kind = "boolean"
	case 'n':
		kind = "null"
	}
	return utils.NewProtocolError("Invalid JSON should start with an array of objects or an object, got %s", kind)
}
