package parser

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-ingest/internal/alerting"
	"github.com/miradorstack/mirador-ingest/internal/models"
	"github.com/miradorstack/mirador-ingest/internal/persistence"
	"github.com/miradorstack/mirador-ingest/internal/utils"
)

const metricOutput = `[{"timestamp":1359450000,"records":[],"maxNormalizedProbability":0,"anomalyScore":0,"recordCount":0,"eventCount":806,` +
	`"bucketInfluencers":[{"rawAnomalyScore":0, "probability":0.0,"influencerFieldName":"bucketTime","initialAnomalyScore":0.0}]}` +
	`,{"quantileState":["normaliser 1.1", "normaliser 2.1"]}` +
	`,{"timestamp":1359453600,"records":[` +
	`{"probability":0.0637541,"byFieldName":"airline","byFieldValue":"JZA","typical":[1020.08],"actual":[1042.14],"fieldName":"responsetime","function":"max","partitionFieldName":"","partitionFieldValue":""},` +
	`{"probability":0.00748292,"byFieldName":"airline","byFieldValue":"AMX","typical":[20.2137],"actual":[22.8855],"fieldName":"responsetime","function":"max","partitionFieldName":"","partitionFieldValue":""},` +
	`{"probability":0.023494,"byFieldName":"airline","byFieldValue":"DAL","typical":[382.177],"actual":[358.934],"fieldName":"responsetime","function":"min","partitionFieldName":"","partitionFieldValue":""},` +
	`{"probability":0.0473552,"byFieldName":"airline","byFieldValue":"SWA","typical":[152.148],"actual":[96.6425],"fieldName":"responsetime","function":"min","partitionFieldName":"","partitionFieldValue":""}],` +
	`"rawAnomalyScore":0.0140005, "anomalyScore":20.22688,"maxNormalizedProbability":10.5688, "recordCount":4,"eventCount":820,` +
	`"bucketInfluencers":[{"rawAnomalyScore":0.0140005, "probability":0.01,"influencerFieldName":"bucketTime","initialAnomalyScore":20.22688},` +
	`{"rawAnomalyScore":0.005, "probability":0.03,"influencerFieldName":"foo","initialAnomalyScore":10.5}]}` +
	`,{"quantileState":["normaliser 1.2", "normaliser 2.2"]}` +
	`,{"flush":"testing1"}` +
	`,{"quantileState":["normaliser 1.3", "normaliser 2.3"]}` +
	`]`

type recordingRenormaliser struct {
	mu     sync.Mutex
	states []string
}

func (r *recordingRenormaliser) Renormalise(q models.Quantiles) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, q.State)
	return nil
}

type alertListener struct {
	triggers []alerting.Trigger
	fired    int
	bucket   *models.Bucket
}

func newAlertListener(normalizedProbability, anomalyScore float64) *alertListener {
	return &alertListener{triggers: []alerting.Trigger{{
		Type:                  alerting.AlertTypeBucket,
		NormalizedProbability: normalizedProbability,
		AnomalyScore:          anomalyScore,
	}}}
}

func (l *alertListener) Triggers() []alerting.Trigger { return l.triggers }

func (l *alertListener) Fire(_ context.Context, b *models.Bucket, _ alerting.Trigger) error {
	l.fired++
	l.bucket = b
	return nil
}

func newTestParser() (*ResultStreamParser, *persistence.MemoryPersister, *recordingRenormaliser) {
	persister := persistence.NewMemoryPersister()
	renorm := &recordingRenormaliser{}
	return NewResultStreamParser(persister, renorm, nil, nil), persister, renorm
}

func TestParseMetricOutput(t *testing.T) {
	p, persister, renorm := newTestParser()

	require.NoError(t, p.Parse(context.Background(), strings.NewReader(metricOutput)))

	buckets := persister.Buckets()
	require.Len(t, buckets, 2)
	assert.Equal(t, int64(len(buckets)), persister.BucketCount())

	first := buckets[0]
	assert.Equal(t, time.UnixMilli(1359450000000).UTC(), first.Timestamp.Time())
	assert.Equal(t, 0, first.RecordCount)
	assert.Equal(t, int64(806), first.EventCount)
	require.Len(t, first.BucketInfluencers, 1)
	assert.Equal(t, "bucketTime", first.BucketInfluencers[0].InfluencerFieldName)
	assert.Zero(t, first.BucketInfluencers[0].AnomalyScore)

	second := buckets[1]
	assert.Equal(t, int64(1359453600000), second.Timestamp.Millis())
	assert.Equal(t, 4, second.RecordCount)
	assert.Equal(t, int64(820), second.EventCount)
	require.Len(t, second.BucketInfluencers, 2)
	assert.InDelta(t, 0.0140005, second.BucketInfluencers[0].RawAnomalyScore, 1e-6)
	assert.InDelta(t, 20.22688, second.BucketInfluencers[0].AnomalyScore, 1e-6)
	assert.InDelta(t, 0.01, second.BucketInfluencers[0].Probability, 1e-6)
	assert.Equal(t, "foo", second.BucketInfluencers[1].InfluencerFieldName)
	assert.InDelta(t, 10.5, second.BucketInfluencers[1].AnomalyScore, 1e-6)

	require.Len(t, second.Records, 4)
	records := []struct {
		probability     float64
		byFieldValue    string
		typical, actual float64
		function        string
	}{
		{0.0637541, "JZA", 1020.08, 1042.14, "max"},
		{0.00748292, "AMX", 20.2137, 22.8855, "max"},
		{0.023494, "DAL", 382.177, 358.934, "min"},
		{0.0473552, "SWA", 152.148, 96.6425, "min"},
	}
	for i, want := range records {
		got := second.Records[i]
		assert.InDelta(t, want.probability, got.Probability, 1e-6)
		assert.Equal(t, "airline", got.ByFieldName)
		assert.Equal(t, want.byFieldValue, got.ByFieldValue)
		assert.InDelta(t, want.typical, got.Typical[0], 1e-6)
		assert.InDelta(t, want.actual, got.Actual[0], 1e-6)
		assert.Equal(t, "responsetime", got.FieldName)
		assert.Equal(t, want.function, got.Function)
		assert.Empty(t, got.PartitionFieldName)
		assert.Empty(t, got.PartitionFieldValue)
	}

	q, ok := persister.Quantiles()
	require.True(t, ok)
	assert.Equal(t, "normaliser 1.3\nnormaliser 2.3", q.State)
	assert.Len(t, renorm.states, 3)
	assert.Equal(t, 1, persister.Commits())
}

func TestParsePopulationRecords(t *testing.T) {
	output := `[{"timestamp":1379590200,"records":[{"probability":1.38951e-08,"fieldName":"sum_cs_bytes_","overFieldName":"cs_host","overFieldValue":"mail.google.com","function":"max",` +
		`"causes":[{"probability":1.38951e-08,"fieldName":"sum_cs_bytes_","overFieldName":"cs_host","overFieldValue":"mail.google.com","function":"max","typical":[101534],"actual":[9.19027e+07]}],` +
		`"normalizedProbability":100,"anomalyScore":44.7324}],"rawAnomalyScore":1.30397,"anomalyScore":44.7324,"maxNormalizedProbability":100,"recordCount":1,"eventCount":1235},` +
		`{"flush":"testing2"}]`
	p, persister, _ := newTestParser()

	require.NoError(t, p.Parse(context.Background(), strings.NewReader(output)))

	buckets := persister.Buckets()
	require.Len(t, buckets, 1)
	record := buckets[0].Records[0]
	assert.Equal(t, "cs_host", record.OverFieldName)
	assert.Equal(t, "mail.google.com", record.OverFieldValue)
	require.Len(t, record.Causes, 1)
	assert.InDelta(t, 9.19027e+07, record.Causes[0].Actual[0], 1)
	assert.Equal(t, int64(1235), buckets[0].EventCount)
}

func TestParseSingleObjects(t *testing.T) {
	p, persister, _ := newTestParser()

	require.NoError(t, p.Parse(context.Background(), strings.NewReader(`{"modelBytes":300}`)))
	require.Len(t, persister.ModelSizeStats(), 1)
	assert.Equal(t, int64(300), persister.ModelSizeStats()[0].ModelBytes)

	require.NoError(t, p.Parse(context.Background(), strings.NewReader(`[{"categoryDefinition":18}]`)))
	require.Len(t, persister.CategoryDefinitions(), 1)
	assert.Equal(t, int64(18), persister.CategoryDefinitions()[0].CategoryID)
}

func TestParseNewlineSeparatedObjects(t *testing.T) {
	stream := "{\"snapshotId\":\"1384\",\"description\":\"state\",\"snapshotDocCount\":3}\n" +
		"{\"debugFeature\":\"mean\",\"debugLower\":1,\"debugUpper\":3,\"debugMedian\":2,\"actual\":2.5}\n" +
		"{\"influencerFieldName\":\"airline\",\"influencerFieldValue\":\"AAL\",\"anomalyScore\":12}\n"
	p, persister, _ := newTestParser()

	require.NoError(t, p.Parse(context.Background(), strings.NewReader(stream)))

	snapshot, ok := persister.ModelSnapshot("1384")
	require.True(t, ok)
	assert.Equal(t, 3, snapshot.SnapshotDocCount)
	require.Len(t, persister.ModelDebugOutput(), 1)
	assert.Equal(t, "mean", persister.ModelDebugOutput()[0].DebugFeature)
	require.Len(t, persister.Influencers(), 1)
	assert.Equal(t, "AAL", persister.Influencers()[0].InfluencerFieldValue)
}

func TestParseEmptyStreams(t *testing.T) {
	for _, input := range []string{"", "   \n", "[]", "[ ]"} {
		p, persister, _ := newTestParser()

		require.NoError(t, p.Parse(context.Background(), strings.NewReader(input)), "input %q", input)
		assert.Empty(t, persister.Buckets())
		assert.Zero(t, persister.Commits())
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "unknown first field",
			input: `{"unknown":18}`,
			want:  "Invalid JSON - unexpected object parsed from output - first field unknown",
		},
		{
			name:  "nested array",
			input: `[[]]`,
			want:  "Invalid JSON should start with an array of objects or an object, got array",
		},
		{
			name:  "top level string",
			input: `"results"`,
			want:  "Invalid JSON should start with an array of objects or an object, got string",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, _, _ := newTestParser()

			err := p.Parse(context.Background(), strings.NewReader(tt.input))

			var protocolErr *utils.ProtocolError
			require.ErrorAs(t, err, &protocolErr)
			assert.Equal(t, tt.want, err.Error())
		})
	}
}

func TestParseMalformedObject(t *testing.T) {
	p, _, _ := newTestParser()

	err := p.Parse(context.Background(), strings.NewReader(`[{"timestamp":"yesterday"}]`))

	var protocolErr *utils.ProtocolError
	require.ErrorAs(t, err, &protocolErr)
	assert.Contains(t, err.Error(), "malformed bucket")
}

func TestAlerting(t *testing.T) {
	tests := []struct {
		name                  string
		normalizedProbability float64
		anomalyScore          float64
		fired                 bool
	}{
		{name: "normalized probability threshold", normalizedProbability: 9, anomalyScore: 100, fired: true},
		{name: "anomaly score threshold", normalizedProbability: 100, anomalyScore: 18, fired: true},
		{name: "neither threshold", normalizedProbability: 100, anomalyScore: 100, fired: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, _, _ := newTestParser()
			listener := newAlertListener(tt.normalizedProbability, tt.anomalyScore)
			p.AddObserver(listener)

			require.NoError(t, p.Parse(context.Background(), strings.NewReader(metricOutput)))

			if tt.fired {
				assert.Equal(t, 1, listener.fired)
				assert.Equal(t, 0, p.ObserverCount())
				assert.True(t, listener.bucket.MaxNormalizedProbability >= tt.normalizedProbability ||
					listener.bucket.AnomalyScore >= tt.anomalyScore)
				return
			}
			assert.Zero(t, listener.fired)
			assert.Equal(t, 1, p.ObserverCount())
		})
	}
}

func TestAlertingFiresOnlyMatchingObserver(t *testing.T) {
	p, _, _ := newTestParser()
	quiet := newAlertListener(100, 100)
	loud := newAlertListener(2, 1)
	p.AddObserver(quiet)
	p.AddObserver(loud)

	require.NoError(t, p.Parse(context.Background(), strings.NewReader(metricOutput)))

	assert.Equal(t, 1, p.ObserverCount())
	assert.Zero(t, quiet.fired)
	assert.Equal(t, 1, loud.fired)
}

func TestAlertingFiresEveryMatchingObserver(t *testing.T) {
	p, _, _ := newTestParser()
	first := newAlertListener(2, 1)
	second := newAlertListener(2, 1)
	p.AddObserver(first)
	p.AddObserver(second)

	require.NoError(t, p.Parse(context.Background(), strings.NewReader(metricOutput)))

	assert.Equal(t, 0, p.ObserverCount())
	assert.Equal(t, 1, first.fired)
	assert.Equal(t, 1, second.fired)
}

func TestInterimBucketDoesNotAlert(t *testing.T) {
	p, persister, _ := newTestParser()
	listener := newAlertListener(90, 90)
	p.AddObserver(listener)

	require.NoError(t, p.Parse(context.Background(), strings.NewReader(`{"timestamp":1359450000,"anomalyScore":99.0, "isInterim":true}`)))

	assert.Equal(t, int64(1), persister.BucketCount())
	assert.Zero(t, listener.fired)
}

func TestFinalBucketAlerts(t *testing.T) {
	p, persister, _ := newTestParser()
	listener := newAlertListener(90, 90)
	p.AddObserver(listener)

	require.NoError(t, p.Parse(context.Background(), strings.NewReader(`{"timestamp":1359450000,"anomalyScore":99.0, "isInterim":false}`)))

	assert.Equal(t, int64(1), persister.BucketCount())
	assert.Equal(t, 1, listener.fired)
}

func TestRemoveObserver(t *testing.T) {
	p, _, _ := newTestParser()
	listener := newAlertListener(1, 1)
	p.AddObserver(listener)
	assert.Equal(t, 1, p.ObserverCount())

	assert.True(t, p.RemoveObserver(listener))
	assert.False(t, p.RemoveObserver(listener))
	assert.Equal(t, 0, p.ObserverCount())
}

func TestFinalBucketDeletesInterimResults(t *testing.T) {
	stream := `{"timestamp":1359450000,"anomalyScore":50,"isInterim":true,"influencers":[{"influencerFieldName":"airline","influencerFieldValue":"AAL","anomalyScore":50}]}
{"timestamp":1359450000,"anomalyScore":40}
{"timestamp":1359453600,"anomalyScore":10}`
	p, persister, _ := newTestParser()

	require.NoError(t, p.Parse(context.Background(), strings.NewReader(stream)))

	assert.Equal(t, 1, persister.InterimDeletions())
	buckets := persister.Buckets()
	require.Len(t, buckets, 2)
	assert.False(t, buckets[0].IsInterim)
	assert.Empty(t, persister.Influencers())
	assert.Equal(t, int64(3), persister.BucketCount())
}

func TestBucketInfluencersPersistedWithBucketTime(t *testing.T) {
	stream := `{"timestamp":1359450000,"influencers":[{"influencerFieldName":"airline","influencerFieldValue":"AAL"}]}`
	counts := &models.DataCounts{}
	persister := persistence.NewMemoryPersister()
	p := NewResultStreamParser(persister, nil, counts, nil)

	require.NoError(t, p.Parse(context.Background(), strings.NewReader(stream)))

	require.Len(t, persister.Influencers(), 1)
	assert.Equal(t, models.EpochSeconds(1359450000), persister.Influencers()[0].Timestamp)
	assert.Equal(t, int64(1), counts.Snapshot().BucketCount)
}

func TestParseStopsWhenContextCancelled(t *testing.T) {
	p, _, _ := newTestParser()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := p.Parse(ctx, strings.NewReader(metricOutput))

	assert.ErrorIs(t, err, context.Canceled)
}
