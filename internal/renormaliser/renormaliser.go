package renormaliser

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/miradorstack/mirador-ingest/internal/metrics"
	"github.com/miradorstack/mirador-ingest/internal/models"
	"github.com/miradorstack/mirador-ingest/internal/utils"
)

// DefaultQueueSize bounds how many quantile updates may wait for the worker.
const DefaultQueueSize = 50

// ErrShutdown is returned for updates offered after Shutdown.
var ErrShutdown = errors.New("renormaliser is shut down")

// Renormaliser accepts quantile updates for asynchronous recomputation of
// historical scores.
type Renormaliser interface {
	Renormalise(q models.Quantiles) error
}

// Normaliser recomputes scores from a quantiles state.
type Normaliser func(ctx context.Context, q models.Quantiles) error

// QueueRenormaliser runs a Normaliser on a single worker goroutine. Updates
// that queue up behind a running normalisation are coalesced: only the
// latest is applied, since each supersedes the ones before it.
type QueueRenormaliser struct {
	normalise Normaliser
	logger    *slog.Logger
	queue     chan models.Quantiles

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	pending  int
	idle     chan struct{}
	shutdown bool
}

// NewQueueRenormaliser starts the worker. queueSize <= 0 uses
// DefaultQueueSize.
func NewQueueRenormaliser(normalise Normaliser, queueSize int, logger *slog.Logger) *QueueRenormaliser {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	idle := make(chan struct{})
	close(idle)
	r := &QueueRenormaliser{
		normalise: normalise,
		logger:    utils.OrDefault(logger),
		queue:     make(chan models.Quantiles, queueSize),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		idle:      idle,
	}
	go r.run()
	return r
}

// Renormalise queues q. When the queue is full the oldest waiting update is
// discarded.
func (r *QueueRenormaliser) Renormalise(q models.Quantiles) error {
	r.mu.Lock()
	if r.shutdown {
		r.mu.Unlock()
		return ErrShutdown
	}
	if r.pending == 0 {
		r.idle = make(chan struct{})
	}
	r.pending++
	r.mu.Unlock()

	for {
		select {
		case r.queue <- q:
			return nil
		default:
		}
		select {
		case <-r.queue:
			metrics.IncRenormalisation("dropped")
			r.release(1)
		default:
		}
	}
}

func (r *QueueRenormaliser) run() {
	defer close(r.done)
	for {
		select {
		case <-r.ctx.Done():
			return
		case q := <-r.queue:
			n := 1
		drain:
			for {
				select {
				case next := <-r.queue:
					q = next
					n++
				default:
					break drain
				}
			}
			if n > 1 {
				metrics.IncRenormalisation("coalesced")
				r.logger.Debug("coalesced quantile updates", slog.Int("skipped", n-1))
			}
			r.apply(q)
			r.release(n)
		}
	}
}

func (r *QueueRenormaliser) apply(q models.Quantiles) {
	if err := r.normalise(r.ctx, q); err != nil {
		metrics.IncRenormalisation(metrics.OutcomeError)
		r.logger.Error("renormalisation failed", slog.Any("error", err))
		return
	}
	metrics.IncRenormalisation(metrics.OutcomeSuccess)
}

func (r *QueueRenormaliser) release(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending -= n
	if r.pending == 0 {
		close(r.idle)
	}
}

// WaitUntilIdle blocks until every accepted update has been applied or
// skipped.
func (r *QueueRenormaliser) WaitUntilIdle(ctx context.Context) error {
	r.mu.Lock()
	idle := r.idle
	r.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops accepting updates, waits for queued work and stops the
// worker. If ctx ends first the running normalisation is cancelled.
func (r *QueueRenormaliser) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.shutdown = true
	r.mu.Unlock()

	err := r.WaitUntilIdle(ctx)
	r.cancel()
	<-r.done
	return err
}

// LogNormaliser only records that new quantiles arrived.
func LogNormaliser(logger *slog.Logger) Normaliser {
	logger = utils.OrDefault(logger)
	return func(_ context.Context, q models.Quantiles) error {
		logger.Info("quantiles updated", slog.Int("state_bytes", len(q.State)), slog.Time("timestamp", q.Timestamp.Time()))
		return nil
	}
}
