package utils

import (
	"fmt"
	"strconv"
	"time"
)

// DateTimeLayout renders instants the way the search cluster's "date_time"
// format expects them.
const DateTimeLayout = "2006-01-02T15:04:05.000Z"

// FormatEpochMillis renders epoch milliseconds as a UTC date_time string.
func FormatEpochMillis(ms int64) string {
	return time.UnixMilli(ms).UTC().Format(DateTimeLayout)
}

// ParseTimeArg accepts either RFC3339 or epoch milliseconds and returns epoch
// milliseconds.
func ParseTimeArg(value string) (int64, error) {
	if value == "" {
		return 0, fmt.Errorf("empty time value")
	}
	if ms, err := strconv.ParseInt(value, 10, 64); err == nil {
		return ms, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return 0, fmt.Errorf("parse time: %w", err)
	}
	return t.UnixMilli(), nil
}
