package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/miradorstack/mirador-ingest/internal/alerting"
	"github.com/miradorstack/mirador-ingest/internal/config"
	"github.com/miradorstack/mirador-ingest/internal/engine"
	"github.com/miradorstack/mirador-ingest/internal/extractor"
	"github.com/miradorstack/mirador-ingest/internal/metrics"
	"github.com/miradorstack/mirador-ingest/internal/models"
	"github.com/miradorstack/mirador-ingest/internal/parser"
	"github.com/miradorstack/mirador-ingest/internal/persistence"
	"github.com/miradorstack/mirador-ingest/internal/process"
	"github.com/miradorstack/mirador-ingest/internal/renormaliser"
	"github.com/miradorstack/mirador-ingest/internal/transport"
	"github.com/miradorstack/mirador-ingest/internal/utils"
)

// ErrJobRunning is returned when a run is requested while one is active.
var ErrJobRunning = errors.New("a job run is already in progress")

// ProcessStarter launches the analytics process for one run.
type ProcessStarter func(ctx context.Context) (process.AnalyticsProcess, error)

// Options overrides the collaborators JobService builds from config.
type Options struct {
	// DryRun keeps results in memory instead of writing them out.
	DryRun bool
	// SearchRequester talks to the cluster holding the input data.
	SearchRequester transport.Requester
	// ResultsRequester talks to the cluster receiving results.
	ResultsRequester transport.Requester
	// Persister replaces the configured results store.
	Persister    persistence.JobResultsPersister
	StartProcess ProcessStarter
}

// JobService runs the configured job. It wires the extractor, the analytics
// process, the result parser and its sinks for each run.
type JobService struct {
	cfg       *config.Config
	opts      Options
	logger    *slog.Logger
	latencies *utils.LatencyTracker

	mu            sync.Mutex
	running       bool
	cancelPending bool
	current       *engine.JobRunner
}

// NewJobService constructs the job service facade.
func NewJobService(cfg *config.Config, opts Options, logger *slog.Logger) (*JobService, error) {
	if cfg == nil {
		return nil, fmt.Errorf("job service requires a config")
	}
	if cfg.Job.ID == "" {
		return nil, fmt.Errorf("job.id must be set")
	}
	logger = utils.OrDefault(logger).With(slog.String("job_id", cfg.Job.ID))
	if opts.SearchRequester == nil {
		opts.SearchRequester = transport.NewClient(transport.Options{
			Timeout:           cfg.Search.Timeout,
			APIKey:            cfg.Search.APIKey,
			RequestsPerSecond: cfg.Search.RequestsPerSecond,
			Burst:             cfg.Search.Burst,
		})
	}
	if opts.ResultsRequester == nil && cfg.Results.BaseURL != "" {
		opts.ResultsRequester = transport.NewClient(transport.Options{
			Timeout: cfg.Results.Timeout,
			APIKey:  cfg.Results.APIKey,
		})
	}
	if opts.StartProcess == nil {
		command, args := cfg.Process.Command, cfg.Process.Args
		opts.StartProcess = func(ctx context.Context) (process.AnalyticsProcess, error) {
			return process.Start(ctx, command, args, logger)
		}
	}
	return &JobService{
		cfg:       cfg,
		opts:      opts,
		logger:    logger,
		latencies: utils.NewLatencyTracker(1024),
	}, nil
}

// sinks are the per-run consumers of parsed results.
type sinks struct {
	persister persistence.JobResultsPersister
	renorm    *renormaliser.QueueRenormaliser
	parser    *parser.ResultStreamParser
	counts    *models.DataCounts
	closers   []io.Closer
}

func (s *JobService) newSinks() (*sinks, error) {
	persister, err := s.persister()
	if err != nil {
		return nil, err
	}
	renorm := renormaliser.NewQueueRenormaliser(renormaliser.LogNormaliser(s.logger), s.cfg.Results.QueueSize, s.logger)
	counts := &models.DataCounts{}
	out := &sinks{
		persister: persister,
		renorm:    renorm,
		parser:    parser.NewResultStreamParser(persister, renorm, counts, s.logger),
		counts:    counts,
	}

	triggers, err := alerting.TriggersFromConfig(s.cfg.Alerts.Triggers)
	if err != nil {
		out.close(context.Background(), s.logger)
		return nil, err
	}
	if len(triggers) == 0 {
		return out, nil
	}
	if len(s.cfg.Alerts.Brokers) > 0 && !s.opts.DryRun {
		pub, err := alerting.NewKafkaPublisher(s.cfg.Job.ID, s.cfg.Alerts.Brokers, s.cfg.Alerts.Topic, triggers, s.logger)
		if err != nil {
			out.close(context.Background(), s.logger)
			return nil, err
		}
		out.parser.AddObserver(pub)
		out.closers = append(out.closers, pub)
	} else {
		out.parser.AddObserver(alerting.NewLogObserver(s.cfg.Job.ID, triggers, s.logger))
	}
	return out, nil
}

func (s *JobService) persister() (persistence.JobResultsPersister, error) {
	switch {
	case s.opts.Persister != nil:
		return s.opts.Persister, nil
	case s.opts.DryRun:
		return persistence.NewMemoryPersister(), nil
	case s.opts.ResultsRequester == nil:
		return nil, fmt.Errorf("results.baseURL must be set unless running dry")
	}
	return persistence.NewSearchClusterPersister(s.opts.ResultsRequester, s.cfg.Results.BaseURL,
		s.cfg.Results.IndexPrefix, s.cfg.Job.ID, s.logger), nil
}

// close drains pending renormalisations and releases alert publishers.
func (k *sinks) close(ctx context.Context, logger *slog.Logger) {
	if err := k.renorm.Shutdown(ctx); err != nil {
		logger.Warn("renormaliser shutdown incomplete", slog.Any("error", err))
	}
	for _, c := range k.closers {
		if err := c.Close(); err != nil {
			logger.Warn("closing alert publisher failed", slog.Any("error", err))
		}
	}
}

func (s *JobService) newExtractor() (*extractor.ChunkedExtractor, error) {
	dialect, err := extractor.ParseDialect(s.cfg.Search.Version)
	if err != nil {
		return nil, err
	}
	scanLimit, err := s.cfg.Extraction.ScrollIDScanBytes()
	if err != nil {
		return nil, err
	}
	search := s.cfg.Search
	urls := extractor.NewURLBuilder(search.BaseURL, search.Types, s.cfg.Extraction.ScrollTimeout)
	query := extractor.NewQueryBuilder(dialect, search.Query, search.Aggregations, search.ScriptFields, search.Fields, search.TimeField)

	var selector extractor.IndexSelector
	if search.FieldStats {
		selector = extractor.NewFieldStatsIndexSelector(s.opts.SearchRequester, urls, search.TimeField, search.Indices)
	} else {
		selector = extractor.NewStaticIndexSelector(search.Indices)
	}
	return extractor.NewChunkedExtractor(s.opts.SearchRequester, urls, query, selector, extractor.ChunkedOptions{
		Indices: search.Indices,
		Scroll: extractor.ScrollOptions{
			Size:      s.cfg.Extraction.ScrollSize,
			ScanLimit: scanLimit,
		},
		Chunking:     s.cfg.Extraction.Chunking,
		MinChunkSpan: s.cfg.Extraction.MinChunkSpan,
	}, s.logger), nil
}

// Run extracts req.TimeRange through the analytics process and ingests the
// results it produces.
func (s *JobService) Run(ctx context.Context, req models.JobRequest) (models.DataCountsSnapshot, error) {
	if req.JobID == "" {
		req.JobID = s.cfg.Job.ID
	}
	if !req.TimeRange.Valid() {
		return models.DataCountsSnapshot{}, fmt.Errorf("time range end must be after start")
	}
	if err := s.reserve(); err != nil {
		return models.DataCountsSnapshot{}, err
	}
	defer s.release()

	ex, err := s.newExtractor()
	if err != nil {
		return models.DataCountsSnapshot{}, err
	}
	out, err := s.newSinks()
	if err != nil {
		return models.DataCountsSnapshot{}, err
	}
	defer s.closeSinks(out)

	proc, err := s.opts.StartProcess(ctx)
	if err != nil {
		return models.DataCountsSnapshot{}, utils.NewAppError("job.run", "start analytics process", err)
	}
	runner, err := engine.NewJobRunner(engine.Deps{
		Extractor:    ex,
		Process:      proc,
		Parser:       out.parser,
		Counts:       out.counts,
		TimeField:    s.cfg.Search.TimeField,
		Fields:       s.cfg.Search.Fields,
		FlushTimeout: s.cfg.Process.FlushTimeout,
		Logger:       s.logger,
	})
	if err != nil {
		s.abandon(proc)
		return models.DataCountsSnapshot{}, err
	}
	s.attach(runner)

	start := time.Now()
	counts, err := runner.Run(ctx, req)
	if err != nil {
		return counts, err
	}
	s.observe(time.Since(start))
	return counts, nil
}

// Ingest parses a saved results stream into the configured sinks.
func (s *JobService) Ingest(ctx context.Context, r io.Reader) (models.DataCountsSnapshot, error) {
	out, err := s.newSinks()
	if err != nil {
		return models.DataCountsSnapshot{}, err
	}
	defer s.closeSinks(out)

	start := time.Now()
	err = out.parser.Parse(ctx, r)
	outcome := metrics.OutcomeSuccess
	if err != nil {
		outcome = metrics.OutcomeError
	}
	metrics.ObserveJobRun(time.Since(start), outcome)
	if err != nil {
		return out.counts.Snapshot(), utils.NewAppError("job.ingest", "parse results", err)
	}
	out.persister.CommitWrites(ctx)
	counts := out.counts.Snapshot()
	s.logger.Info("results ingested", slog.Int64("buckets", counts.BucketCount))
	return counts, nil
}

// Flush asks the running job's process to flush and waits for the
// acknowledgement.
func (s *JobService) Flush(ctx context.Context) (parser.FlushResult, error) {
	s.mu.Lock()
	runner := s.current
	s.mu.Unlock()
	if runner == nil {
		return parser.FlushCancelled, fmt.Errorf("no job is running")
	}
	return runner.FlushAndWait(ctx, s.cfg.Process.FlushTimeout)
}

// Cancel stops extraction for the running job, if any. A run still being
// set up is cancelled as soon as its runner exists.
func (s *JobService) Cancel() {
	s.mu.Lock()
	runner := s.current
	if runner == nil && s.running {
		s.cancelPending = true
	}
	s.mu.Unlock()
	if runner != nil {
		runner.Cancel()
	}
}

// reserve claims the single run slot before any process is started.
func (s *JobService) reserve() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrJobRunning
	}
	s.running = true
	s.cancelPending = false
	return nil
}

func (s *JobService) attach(runner *engine.JobRunner) {
	s.mu.Lock()
	s.current = runner
	pending := s.cancelPending
	s.mu.Unlock()
	if pending {
		runner.Cancel()
	}
}

func (s *JobService) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	s.cancelPending = false
	s.current = nil
}

// abandon shuts down a process that never got a runner.
func (s *JobService) abandon(proc process.AnalyticsProcess) {
	if err := proc.Input().Close(); err != nil {
		s.logger.Warn("closing process input failed", slog.Any("error", err))
	}
	if err := proc.Wait(); err != nil {
		s.logger.Warn("analytics process exited with error", slog.Any("error", err))
	}
}

func (s *JobService) closeSinks(out *sinks) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Process.FlushTimeout)
	defer cancel()
	out.close(ctx, s.logger)
}

func (s *JobService) observe(d time.Duration) {
	s.latencies.Observe(d)
	if count := s.latencies.Count(); count >= 20 && count%20 == 0 {
		s.logger.Info("job run latency", slog.Duration("p95", s.latencies.Percentile(95)), slog.Int("samples", count))
	}
}
