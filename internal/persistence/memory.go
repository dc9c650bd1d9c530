package persistence

import (
	"context"
	"slices"
	"sync"

	"github.com/miradorstack/mirador-ingest/internal/models"
)

// MemoryPersister keeps results in memory. Interim buckets are dropped by
// DeleteInterimResults the way the search cluster would drop them.
type MemoryPersister struct {
	mu               sync.Mutex
	buckets          []models.Bucket
	categories       []models.CategoryDefinition
	quantiles        map[string]models.Quantiles
	snapshots        map[string]models.ModelSnapshot
	sizeStats        []models.ModelSizeStats
	debugOutput      []models.ModelDebugOutput
	influencers      []models.Influencer
	bucketCount      int64
	commits          int
	interimDeletions int
	failCommit       bool
}

// NewMemoryPersister returns an empty MemoryPersister.
func NewMemoryPersister() *MemoryPersister {
	return &MemoryPersister{
		quantiles: make(map[string]models.Quantiles),
		snapshots: make(map[string]models.ModelSnapshot),
	}
}

func (m *MemoryPersister) PersistBucket(_ context.Context, b *models.Bucket) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buckets = append(m.buckets, *b)
	return nil
}

func (m *MemoryPersister) PersistCategoryDefinition(_ context.Context, c *models.CategoryDefinition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.categories = append(m.categories, *c)
	return nil
}

func (m *MemoryPersister) PersistQuantiles(_ context.Context, q *models.Quantiles) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quantiles[models.QuantilesID] = *q
	return nil
}

func (m *MemoryPersister) PersistModelSnapshot(_ context.Context, s *models.ModelSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[s.SnapshotID] = *s
	return nil
}

func (m *MemoryPersister) PersistModelSizeStats(_ context.Context, s *models.ModelSizeStats) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sizeStats = append(m.sizeStats, *s)
	return nil
}

func (m *MemoryPersister) PersistModelDebugOutput(_ context.Context, d *models.ModelDebugOutput) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.debugOutput = append(m.debugOutput, *d)
	return nil
}

func (m *MemoryPersister) PersistInfluencer(_ context.Context, i *models.Influencer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.influencers = append(m.influencers, *i)
	return nil
}

func (m *MemoryPersister) IncrementBucketCount(_ context.Context, n int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bucketCount += n
	return nil
}

func (m *MemoryPersister) CommitWrites(context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commits++
	return !m.failCommit
}

func (m *MemoryPersister) DeleteInterimResults(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.interimDeletions++
	m.buckets = slices.DeleteFunc(m.buckets, func(b models.Bucket) bool { return b.IsInterim })
	m.influencers = slices.DeleteFunc(m.influencers, func(i models.Influencer) bool { return i.IsInterim })
	return nil
}

// FailCommits makes CommitWrites report failure.
func (m *MemoryPersister) FailCommits(fail bool) {
	m.mu.Lock()
	m.failCommit = fail
	m.mu.Unlock()
}

func (m *MemoryPersister) Buckets() []models.Bucket {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.buckets)
}

func (m *MemoryPersister) CategoryDefinitions() []models.CategoryDefinition {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.categories)
}

// Quantiles returns the latest persisted quantiles.
func (m *MemoryPersister) Quantiles() (models.Quantiles, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.quantiles[models.QuantilesID]
	return q, ok
}

func (m *MemoryPersister) ModelSnapshot(id string) (models.ModelSnapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.snapshots[id]
	return s, ok
}

func (m *MemoryPersister) ModelSizeStats() []models.ModelSizeStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.sizeStats)
}

func (m *MemoryPersister) ModelDebugOutput() []models.ModelDebugOutput {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.debugOutput)
}

func (m *MemoryPersister) Influencers() []models.Influencer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.influencers)
}

func (m *MemoryPersister) BucketCount() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bucketCount
}

func (m *MemoryPersister) Commits() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.commits
}

func (m *MemoryPersister) InterimDeletions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.interimDeletions
}
