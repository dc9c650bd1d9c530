package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/miradorstack/mirador-ingest/internal/api"
	"github.com/miradorstack/mirador-ingest/internal/config"
	"github.com/miradorstack/mirador-ingest/internal/metrics"
	"github.com/miradorstack/mirador-ingest/internal/models"
	"github.com/miradorstack/mirador-ingest/internal/services"
	"github.com/miradorstack/mirador-ingest/internal/utils"
)

type rootOptions struct {
	configPath string
	dryRun     bool
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "ingest-engine",
		Short: "Stream search cluster data through the analytics process and ingest its results",
		Long: `ingest-engine extracts a job's data from the search cluster, feeds it to the
analytics process and writes the results the process emits.

Commands:
  run     Extract one time range and exit
  parse   Ingest a saved results stream
  serve   Run a job behind gRPC health and Prometheus metrics`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to configuration file")
	cmd.PersistentFlags().BoolVar(&opts.dryRun, "dry-run", false, "keep results in memory and log alerts instead of publishing")

	cmd.AddCommand(newRunCommand(opts), newParseCommand(opts), newServeCommand(opts))
	return cmd
}

type setup struct {
	cfg    *config.Config
	logger *slog.Logger
	svc    *services.JobService
}

func loadSetup(opts *rootOptions) (*setup, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}
	svc, err := services.NewJobService(cfg, services.Options{DryRun: opts.dryRun}, logger)
	if err != nil {
		return nil, err
	}
	return &setup{cfg: cfg, logger: logger, svc: svc}, nil
}

type rangeFlags struct {
	start string
	end   string
}

func (f *rangeFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.start, "start", "", "range start, RFC3339 or epoch milliseconds")
	cmd.Flags().StringVar(&f.end, "end", "", "range end (exclusive), RFC3339 or epoch milliseconds; defaults to now")
}

func (f *rangeFlags) request(jobID string) (models.JobRequest, error) {
	startMs, err := utils.ParseTimeArg(f.start)
	if err != nil {
		return models.JobRequest{}, fmt.Errorf("--start: %w", err)
	}
	endMs := time.Now().UnixMilli()
	if f.end != "" {
		if endMs, err = utils.ParseTimeArg(f.end); err != nil {
			return models.JobRequest{}, fmt.Errorf("--end: %w", err)
		}
	}
	return models.JobRequest{
		JobID:     jobID,
		TimeRange: models.TimeRange{Start: time.UnixMilli(startMs).UTC(), End: time.UnixMilli(endMs).UTC()},
	}, nil
}

func newRunCommand(opts *rootOptions) *cobra.Command {
	var rf rangeFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Extract one time range through the analytics process",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := loadSetup(opts)
			if err != nil {
				return err
			}
			req, err := rf.request(s.cfg.Job.ID)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			go func() {
				<-ctx.Done()
				s.svc.Cancel()
			}()

			counts, err := s.svc.Run(context.WithoutCancel(ctx), req)
			if err != nil {
				return err
			}
			logCounts(s.logger, counts)
			return writeCounts(cmd.OutOrStdout(), counts)
		},
	}
	rf.register(cmd)
	return cmd
}

func newParseCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "parse <results-file|->",
		Short: "Ingest a saved analytics process output stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSetup(opts)
			if err != nil {
				return err
			}
			var in io.Reader = cmd.InOrStdin()
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return fmt.Errorf("open results: %w", err)
				}
				defer f.Close()
				in = f
			}
			counts, err := s.svc.Ingest(cmd.Context(), in)
			if err != nil {
				return err
			}
			return writeCounts(cmd.OutOrStdout(), counts)
		},
	}
}

func newServeCommand(opts *rootOptions) *cobra.Command {
	var (
		rf            rangeFlags
		flushInterval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a job while serving gRPC health and Prometheus metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := loadSetup(opts)
			if err != nil {
				return err
			}
			req, err := rf.request(s.cfg.Job.ID)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), s, req, flushInterval)
		},
	}
	rf.register(cmd)
	cmd.Flags().DurationVar(&flushInterval, "flush-interval", 0, "flush the analytics process this often while the job runs")
	return cmd
}

func serve(parent context.Context, s *setup, req models.JobRequest, flushInterval time.Duration) error {
	logger := s.logger
	server, err := api.NewServer(s.cfg.Server)
	if err != nil {
		return fmt.Errorf("create gRPC server: %w", err)
	}
	logger.Info("starting ingest-engine", slog.String("address", server.Address()))

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var metricsServer *http.Server
	if s.cfg.Server.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:         s.cfg.Server.MetricsAddress,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		go func() {
			logger.Info("metrics server listening", slog.String("address", s.cfg.Server.MetricsAddress))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server exited", slog.Any("error", err))
				stop()
			}
		}()
	}

	go func() {
		if serveErr := server.Start(); serveErr != nil {
			logger.Error("gRPC server exited", slog.Any("error", serveErr))
			stop()
		}
	}()

	jobDone := make(chan error, 1)
	server.SetJobRunning(true)
	go func() {
		counts, err := s.svc.Run(context.WithoutCancel(ctx), req)
		server.SetJobRunning(false)
		if err == nil {
			logCounts(logger, counts)
		}
		jobDone <- err
	}()

	var ticks <-chan time.Time
	if flushInterval > 0 {
		ticker := time.NewTicker(flushInterval)
		defer ticker.Stop()
		ticks = ticker.C
	}

	var jobErr error
loop:
	for {
		select {
		case <-ticks:
			result, err := s.svc.Flush(ctx)
			if err != nil {
				logger.Warn("flush failed", slog.Any("error", err))
				continue
			}
			logger.Info("flush finished", slog.String("result", result.String()))
		case jobErr = <-jobDone:
			jobDone = nil
			ticks = nil
			if jobErr != nil {
				logger.Error("job failed", slog.Any("error", jobErr))
			}
		case <-ctx.Done():
			break loop
		}
	}
	logger.Info("shutdown signal received")

	if jobDone != nil {
		s.svc.Cancel()
		jobErr = <-jobDone
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.GracefulTimeout)
	defer cancel()
	server.Shutdown(shutdownCtx)

	if metricsServer != nil {
		metricsCtx, cancelMetrics := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(metricsCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server shutdown", slog.Any("error", err))
		}
		cancelMetrics()
	}
	logger.Info("ingest-engine stopped")
	return jobErr
}

func logCounts(logger *slog.Logger, c models.DataCountsSnapshot) {
	logger.Info("job counts",
		slog.Int64("records", c.ProcessedRecordCount),
		slog.Int64("fields", c.ProcessedFieldCount),
		slog.String("input", humanize.IBytes(uint64(max(c.InputBytes, 0)))),
		slog.Int64("invalid_dates", c.InvalidDateCount),
		slog.Int64("missing_fields", c.MissingFieldCount),
		slog.Int64("out_of_order", c.OutOfOrderTimeStampCount),
		slog.Int64("buckets", c.BucketCount))
}

func writeCounts(w io.Writer, c models.DataCountsSnapshot) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(c)
}
