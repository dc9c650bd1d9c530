package persistence

import (
	"context"

	"github.com/miradorstack/mirador-ingest/internal/models"
)

// JobResultsPersister stores the results parsed from the analytics process.
type JobResultsPersister interface {
	PersistBucket(ctx context.Context, b *models.Bucket) error
	PersistCategoryDefinition(ctx context.Context, c *models.CategoryDefinition) error
	PersistQuantiles(ctx context.Context, q *models.Quantiles) error
	PersistModelSnapshot(ctx context.Context, s *models.ModelSnapshot) error
	PersistModelSizeStats(ctx context.Context, s *models.ModelSizeStats) error
	PersistModelDebugOutput(ctx context.Context, d *models.ModelDebugOutput) error
	PersistInfluencer(ctx context.Context, i *models.Influencer) error
	IncrementBucketCount(ctx context.Context, n int64) error
	// CommitWrites makes everything persisted so far visible to readers.
	CommitWrites(ctx context.Context) bool
	DeleteInterimResults(ctx context.Context) error
}
