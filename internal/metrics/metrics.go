package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// OutcomeSuccess labels completed job runs.
	OutcomeSuccess = "success"
	// OutcomeError labels failed job runs (extraction, process or parse errors).
	OutcomeError = "error"
	// OutcomeCancelled labels runs stopped by the caller.
	OutcomeCancelled = "cancelled"
)

const namespace = "mirador_ingest"

var (
	jobRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_runs_total",
			Help:      "Total number of job runs, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	jobRunDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_run_seconds",
			Help:      "Job run latency in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		},
	)

	backendRequestSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backend_request_seconds",
			Help:      "Search cluster request latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	extractedBatchesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "extracted_batches_total",
		Help:      "Scroll batches forwarded to the analytics process.",
	})

	extractedBytesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "extracted_bytes_total",
		Help:      "Bytes forwarded to the analytics process.",
	})

	chunksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "extraction_chunks_total",
		Help:      "Time chunks opened by the chunked extractor.",
	})

	scrollSessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scroll_sessions_total",
			Help:      "Scroll sessions closed, partitioned by how they ended.",
		},
		[]string{"end"},
	)

	scrollClearFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "scroll_clear_failures_total",
		Help:      "Clear-scroll requests that failed.",
	})

	indexSelectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "index_selections_total",
			Help:      "Index selections, partitioned by where the answer came from.",
		},
		[]string{"source"},
	)

	parsedResultsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "parsed_results_total",
			Help:      "Result objects parsed from the analytics process, by kind.",
		},
		[]string{"kind"},
	)

	flushWaitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flush_waits_total",
			Help:      "Flush waits completed, partitioned by result.",
		},
		[]string{"result"},
	)

	alertsFiredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "alerts_fired_total",
		Help:      "Alert observers fired by final buckets.",
	})

	renormalisationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "renormalisations_total",
			Help:      "Quantile updates processed by the renormaliser.",
		},
		[]string{"outcome"},
	)
)

// Register attaches mirador-ingest collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		jobRunsTotal,
		jobRunDurationSeconds,
		backendRequestSeconds,
		extractedBatchesTotal,
		extractedBytesTotal,
		chunksTotal,
		scrollSessionsTotal,
		scrollClearFailuresTotal,
		indexSelectionsTotal,
		parsedResultsTotal,
		flushWaitsTotal,
		alertsFiredTotal,
		renormalisationsTotal,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveJobRun records a job run duration and outcome label.
func ObserveJobRun(duration time.Duration, outcome string) {
	switch outcome {
	case OutcomeError, OutcomeCancelled:
	default:
		outcome = OutcomeSuccess
	}
	jobRunsTotal.WithLabelValues(outcome).Inc()
	if duration < 0 {
		duration = 0
	}
	jobRunDurationSeconds.Observe(duration.Seconds())
}

// ObserveBackendRequest records one search cluster round trip.
func ObserveBackendRequest(method string, duration time.Duration) {
	backendRequestSeconds.WithLabelValues(method).Observe(duration.Seconds())
}

// AddExtractedBatch counts one forwarded batch of n bytes.
func AddExtractedBatch(n int64) {
	extractedBatchesTotal.Inc()
	extractedBytesTotal.Add(float64(n))
}

// IncChunks counts an opened extraction chunk.
func IncChunks() {
	chunksTotal.Inc()
}

// IncScrollSession counts a closed scroll session ("exhausted", "cancelled", "error").
func IncScrollSession(end string) {
	scrollSessionsTotal.WithLabelValues(end).Inc()
}

// IncScrollClearFailure counts a failed clear-scroll request.
func IncScrollClearFailure() {
	scrollClearFailuresTotal.Inc()
}

// IncIndexSelection counts an index selection ("static", "cache", "backend", "fallback").
func IncIndexSelection(source string) {
	indexSelectionsTotal.WithLabelValues(source).Inc()
}

// IncParsedResult counts a parsed result object of the given kind.
func IncParsedResult(kind string) {
	parsedResultsTotal.WithLabelValues(kind).Inc()
}

// IncFlushWait counts a finished flush wait ("acknowledged", "timeout", "not_acknowledged").
func IncFlushWait(result string) {
	flushWaitsTotal.WithLabelValues(result).Inc()
}

// IncAlertsFired counts a fired alert observer.
func IncAlertsFired() {
	alertsFiredTotal.Inc()
}

// IncRenormalisation counts a processed quantiles update.
func IncRenormalisation(outcome string) {
	renormalisationsTotal.WithLabelValues(outcome).Inc()
}
