package models

import "sync"

// DataCounts tallies what a job has sent to the analytics process. It is
// safe for concurrent use.
type DataCounts struct {
	mu                       sync.Mutex
	processedRecordCount     int64
	processedFieldCount      int64
	inputBytes               int64
	invalidDateCount         int64
	missingFieldCount        int64
	outOfOrderTimeStampCount int64
	latestRecordTimeMs       int64
	bucketCount              int64
}

// DataCountsSnapshot is a point-in-time copy of DataCounts.
type DataCountsSnapshot struct {
	ProcessedRecordCount     int64 `json:"processedRecordCount"`
	ProcessedFieldCount      int64 `json:"processedFieldCount"`
	InputBytes               int64 `json:"inputBytes"`
	InvalidDateCount         int64 `json:"invalidDateCount"`
	MissingFieldCount        int64 `json:"missingFieldCount"`
	OutOfOrderTimeStampCount int64 `json:"outOfOrderTimeStampCount"`
	LatestRecordTimeMs       int64 `json:"latestRecordTimeStamp,omitempty"`
	BucketCount              int64 `json:"bucketCount"`
}

// RecordBatch adds the byte size of a batch sent to the process.
func (c *DataCounts) RecordBatch(bytes int64) {
	c.mu.Lock()
	c.inputBytes += bytes
	c.mu.Unlock()
}

// RecordDocument counts one document. A timestamp of zero or below is an
// invalid date; one older than the latest seen is out of order.
func (c *DataCounts) RecordDocument(fields int, missingFields int, timestampMs int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.processedFieldCount += int64(fields)
	c.missingFieldCount += int64(missingFields)
	switch {
	case timestampMs <= 0:
		c.invalidDateCount++
		return
	case timestampMs < c.latestRecordTimeMs:
		c.outOfOrderTimeStampCount++
		return
	}
	c.processedRecordCount++
	c.latestRecordTimeMs = timestampMs
}

// IncrementBuckets adds to the count of buckets parsed from the results.
func (c *DataCounts) IncrementBuckets(n int64) {
	c.mu.Lock()
	c.bucketCount += n
	c.mu.Unlock()
}

// Snapshot copies the current counts.
func (c *DataCounts) Snapshot() DataCountsSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return DataCountsSnapshot{
		ProcessedRecordCount:     c.processedRecordCount,
		ProcessedFieldCount:      c.processedFieldCount,
		InputBytes:               c.inputBytes,
		InvalidDateCount:         c.invalidDateCount,
		MissingFieldCount:        c.missingFieldCount,
		OutOfOrderTimeStampCount: c.outOfOrderTimeStampCount,
		LatestRecordTimeMs:       c.latestRecordTimeMs,
		BucketCount:              c.bucketCount,
	}
}
