package alerting

import (
	"context"
	"log/slog"

	"github.com/miradorstack/mirador-ingest/internal/metrics"
	"github.com/miradorstack/mirador-ingest/internal/models"
	"github.com/miradorstack/mirador-ingest/internal/utils"
)

// LogObserver logs fired alerts. It is used when no brokers are configured.
type LogObserver struct {
	jobID    string
	triggers []Trigger
	logger   *slog.Logger
}

func NewLogObserver(jobID string, triggers []Trigger, logger *slog.Logger) *LogObserver {
	return &LogObserver{jobID: jobID, triggers: triggers, logger: utils.OrDefault(logger)}
}

func (o *LogObserver) Triggers() []Trigger {
	return o.triggers
}

func (o *LogObserver) Fire(_ context.Context, b *models.Bucket, t Trigger) error {
	metrics.IncAlertsFired()
	o.logger.Warn("anomaly alert",
		slog.String("job_id", o.jobID),
		slog.Time("bucket", b.Timestamp.Time()),
		slog.String("type", string(t.Type)),
		slog.Float64("anomaly_score", b.AnomalyScore),
		slog.Float64("max_normalized_probability", b.MaxNormalizedProbability))
	return nil
}
