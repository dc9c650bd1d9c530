package models

import "time"

// JobRequest asks for one extraction and analysis pass.
type JobRequest struct {
	JobID     string
	TimeRange TimeRange
}

// TimeRange bounds the extraction window. End is exclusive.
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// StartMs returns Start in epoch milliseconds.
func (r TimeRange) StartMs() int64 { return r.Start.UnixMilli() }

// EndMs returns End in epoch milliseconds.
func (r TimeRange) EndMs() int64 { return r.End.UnixMilli() }

// Valid reports whether the range is non-empty.
func (r TimeRange) Valid() bool {
	return r.Start.Before(r.End)
}
