package models

import (
	"encoding/json"
	"strings"
	"time"
)

// QuantilesID is the document id under which the latest quantiles are kept.
const QuantilesID = "hierarchical"

// EpochSeconds is a timestamp as the analytics process writes it.
type EpochSeconds int64

// Time converts to a UTC time.
func (s EpochSeconds) Time() time.Time {
	return time.Unix(int64(s), 0).UTC()
}

// Millis returns the timestamp in epoch milliseconds.
func (s EpochSeconds) Millis() int64 {
	return int64(s) * 1000
}

// Bucket is the result for one bucket span, with its records and influencers.
type Bucket struct {
	JobID                    string             `json:"jobId,omitempty"`
	Timestamp                EpochSeconds       `json:"timestamp"`
	BucketSpan               int64              `json:"bucketSpan,omitempty"`
	AnomalyScore             float64            `json:"anomalyScore"`
	InitialAnomalyScore      float64            `json:"initialAnomalyScore,omitempty"`
	MaxNormalizedProbability float64            `json:"maxNormalizedProbability"`
	RawAnomalyScore          float64            `json:"rawAnomalyScore,omitempty"`
	RecordCount              int                `json:"recordCount"`
	EventCount               int64              `json:"eventCount"`
	IsInterim                bool               `json:"isInterim,omitempty"`
	ProcessingTimeMs         int64              `json:"processingTimeMs,omitempty"`
	Records                  []AnomalyRecord    `json:"records,omitempty"`
	BucketInfluencers        []BucketInfluencer `json:"bucketInfluencers,omitempty"`
	Influencers              []Influencer       `json:"influencers,omitempty"`
}

// AnomalyRecord is a single anomalous value within a bucket.
type AnomalyRecord struct {
	Timestamp                    EpochSeconds      `json:"timestamp,omitempty"`
	BucketSpan                   int64             `json:"bucketSpan,omitempty"`
	DetectorIndex                int               `json:"detectorIndex"`
	Probability                  float64           `json:"probability"`
	AnomalyScore                 float64           `json:"anomalyScore,omitempty"`
	NormalizedProbability        float64           `json:"normalizedProbability,omitempty"`
	InitialNormalizedProbability float64           `json:"initialNormalizedProbability,omitempty"`
	ByFieldName                  string            `json:"byFieldName,omitempty"`
	ByFieldValue                 string            `json:"byFieldValue,omitempty"`
	CorrelatedByFieldValue       string            `json:"correlatedByFieldValue,omitempty"`
	PartitionFieldName           string            `json:"partitionFieldName,omitempty"`
	PartitionFieldValue          string            `json:"partitionFieldValue,omitempty"`
	OverFieldName                string            `json:"overFieldName,omitempty"`
	OverFieldValue               string            `json:"overFieldValue,omitempty"`
	FieldName                    string            `json:"fieldName,omitempty"`
	Function                     string            `json:"function,omitempty"`
	FunctionDescription          string            `json:"functionDescription,omitempty"`
	Typical                      []float64         `json:"typical,omitempty"`
	Actual                       []float64         `json:"actual,omitempty"`
	Causes                       []AnomalyCause    `json:"causes,omitempty"`
	Influencers                  []RecordInfluence `json:"influencers,omitempty"`
	IsInterim                    bool              `json:"isInterim,omitempty"`
}

// AnomalyCause explains a population record.
type AnomalyCause struct {
	Probability         float64   `json:"probability"`
	Function            string    `json:"function,omitempty"`
	FieldName           string    `json:"fieldName,omitempty"`
	ByFieldName         string    `json:"byFieldName,omitempty"`
	ByFieldValue        string    `json:"byFieldValue,omitempty"`
	OverFieldName       string    `json:"overFieldName,omitempty"`
	OverFieldValue      string    `json:"overFieldValue,omitempty"`
	PartitionFieldName  string    `json:"partitionFieldName,omitempty"`
	PartitionFieldValue string    `json:"partitionFieldValue,omitempty"`
	Typical             []float64 `json:"typical,omitempty"`
	Actual              []float64 `json:"actual,omitempty"`
}

// RecordInfluence lists the influencer values attached to a record.
type RecordInfluence struct {
	InfluencerFieldName   string   `json:"influencerFieldName"`
	InfluencerFieldValues []string `json:"influencerFieldValues"`
}

// BucketInfluencer scores one influencer field for the whole bucket.
type BucketInfluencer struct {
	InfluencerFieldName string  `json:"influencerFieldName"`
	InitialAnomalyScore float64 `json:"initialAnomalyScore"`
	AnomalyScore        float64 `json:"anomalyScore"`
	RawAnomalyScore     float64 `json:"rawAnomalyScore"`
	Probability         float64 `json:"probability"`
}

// UnmarshalJSON starts the normalised score at the initial score when the
// process did not send one.
func (b *BucketInfluencer) UnmarshalJSON(data []byte) error {
	type plain BucketInfluencer
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	if p.AnomalyScore == 0 {
		p.AnomalyScore = p.InitialAnomalyScore
	}
	*b = BucketInfluencer(p)
	return nil
}

// Influencer scores one influencer field value.
type Influencer struct {
	InfluencerFieldName  string       `json:"influencerFieldName"`
	InfluencerFieldValue string       `json:"influencerFieldValue"`
	Probability          float64      `json:"probability"`
	InitialAnomalyScore  float64      `json:"initialAnomalyScore"`
	AnomalyScore         float64      `json:"anomalyScore"`
	IsInterim            bool         `json:"isInterim,omitempty"`
	Timestamp            EpochSeconds `json:"timestamp,omitempty"`
}

// CategoryDefinition describes one learned message category.
type CategoryDefinition struct {
	CategoryID        int64    `json:"categoryDefinition"`
	Terms             string   `json:"terms,omitempty"`
	Regex             string   `json:"regex,omitempty"`
	MaxMatchingLength int64    `json:"maxMatchingLength,omitempty"`
	Examples          []string `json:"examples,omitempty"`
}

// ModelSizeStats reports the analytics model's memory usage.
type ModelSizeStats struct {
	ModelBytes                    int64        `json:"modelBytes"`
	TotalByFieldCount             int64        `json:"totalByFieldCount,omitempty"`
	TotalOverFieldCount           int64        `json:"totalOverFieldCount,omitempty"`
	TotalPartitionFieldCount      int64        `json:"totalPartitionFieldCount,omitempty"`
	BucketAllocationFailuresCount int64        `json:"bucketAllocationFailuresCount,omitempty"`
	MemoryStatus                  string       `json:"memoryStatus,omitempty"`
	Timestamp                     EpochSeconds `json:"timestamp,omitempty"`
}

// ModelSnapshot identifies persisted model state.
type ModelSnapshot struct {
	SnapshotID            string          `json:"snapshotId"`
	Timestamp             EpochSeconds    `json:"timestamp,omitempty"`
	Description           string          `json:"description,omitempty"`
	RestorePriority       int64           `json:"restorePriority,omitempty"`
	SnapshotDocCount      int             `json:"snapshotDocCount,omitempty"`
	LatestRecordTimeStamp EpochSeconds    `json:"latestRecordTimeStamp,omitempty"`
	LatestResultTimeStamp EpochSeconds    `json:"latestResultTimeStamp,omitempty"`
	ModelSizeStats        *ModelSizeStats `json:"modelSizeStats,omitempty"`
	Quantiles             *Quantiles      `json:"quantiles,omitempty"`
}

// ModelDebugOutput is one point of model debug data.
type ModelDebugOutput struct {
	DebugFeature        string       `json:"debugFeature"`
	Timestamp           EpochSeconds `json:"timestamp,omitempty"`
	PartitionFieldName  string       `json:"partitionFieldName,omitempty"`
	PartitionFieldValue string       `json:"partitionFieldValue,omitempty"`
	OverFieldName       string       `json:"overFieldName,omitempty"`
	OverFieldValue      string       `json:"overFieldValue,omitempty"`
	ByFieldName         string       `json:"byFieldName,omitempty"`
	ByFieldValue        string       `json:"byFieldValue,omitempty"`
	DebugLower          float64      `json:"debugLower"`
	DebugUpper          float64      `json:"debugUpper"`
	DebugMedian         float64      `json:"debugMedian"`
	Actual              float64      `json:"actual"`
}

// Quantiles is the normaliser state used to renormalise historical scores.
type Quantiles struct {
	State     string       `json:"quantileState"`
	Timestamp EpochSeconds `json:"timestamp,omitempty"`
}

// UnmarshalJSON accepts the state either as a string or, from older
// processes, as an array of per-normaliser strings.
func (q *Quantiles) UnmarshalJSON(data []byte) error {
	var raw struct {
		State     json.RawMessage `json:"quantileState"`
		Timestamp EpochSeconds    `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	q.Timestamp = raw.Timestamp
	q.State = ""
	if len(raw.State) == 0 || string(raw.State) == "null" {
		return nil
	}
	if raw.State[0] == '[' {
		var parts []string
		if err := json.Unmarshal(raw.State, &parts); err != nil {
			return err
		}
		q.State = strings.Join(parts, "\n")
		return nil
	}
	return json.Unmarshal(raw.State, &q.State)
}

// FlushAcknowledgement confirms that every result before a flush request has
// been written.
type FlushAcknowledgement struct {
	ID string `json:"flush"`
}
