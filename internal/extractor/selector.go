package extractor

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"sync"

	"github.com/tidwall/gjson"

	"github.com/miradorstack/mirador-ingest/internal/intervaltree"
	"github.com/miradorstack/mirador-ingest/internal/metrics"
	"github.com/miradorstack/mirador-ingest/internal/transport"
	"github.com/miradorstack/mirador-ingest/internal/utils"
)

// IndexSelector picks the indices worth searching for a time range.
type IndexSelector interface {
	// SelectByTime returns the sorted indices relevant to [startMs, endMs).
	SelectByTime(ctx context.Context, startMs, endMs int64, logger *slog.Logger) []string
	// ClearCache drops any cached index ranges.
	ClearCache()
}

// StaticIndexSelector always returns the configured indices.
type StaticIndexSelector struct {
	indices []string
}

// NewStaticIndexSelector constructs a StaticIndexSelector.
func NewStaticIndexSelector(indices []string) *StaticIndexSelector {
	return &StaticIndexSelector{indices: slices.Clone(indices)}
}

// SelectByTime returns the configured indices regardless of the range.
func (s *StaticIndexSelector) SelectByTime(context.Context, int64, int64, *slog.Logger) []string {
	metrics.IncIndexSelection("static")
	return slices.Clone(s.indices)
}

// ClearCache is a no-op.
func (s *StaticIndexSelector) ClearCache() {}

// FieldStatsIndexSelector asks the cluster's field statistics which indices
// hold documents in a range and caches the answer in interval trees: one of
// ranges already fetched, one of each index's [min, max] time span.
//
// Any failure switches the selector to the configured indices until
// ClearCache is called.
type FieldStatsIndexSelector struct {
	requester transport.Requester
	urls      URLBuilder
	timeField string
	indices   []string

	mu       sync.Mutex
	fetched  *intervaltree.Tree[int64, intervaltree.Range[int64]]
	spans    *intervaltree.Tree[int64, string]
	fallback bool
	reported map[string]struct{}
}

// NewFieldStatsIndexSelector constructs a FieldStatsIndexSelector.
func NewFieldStatsIndexSelector(requester transport.Requester, urls URLBuilder, timeField string, indices []string) *FieldStatsIndexSelector {
	return &FieldStatsIndexSelector{
		requester: requester,
		urls:      urls,
		timeField: timeField,
		indices:   slices.Clone(indices),
		fetched:   intervaltree.New[int64, intervaltree.Range[int64]](),
		spans:     intervaltree.New[int64, string](),
		reported:  make(map[string]struct{}),
	}
}

// SelectByTime returns the indices whose time span overlaps [startMs, endMs).
// An inverted or empty range is logged and yields no indices.
func (s *FieldStatsIndexSelector) SelectByTime(ctx context.Context, startMs, endMs int64, logger *slog.Logger) []string {
	logger = utils.OrDefault(logger)
	if startMs >= endMs {
		err := &utils.PreconditionError{Msg: fmt.Sprintf(
			"selectByTime expects the end time to be strictly greater than the start time; actual call was: startMs = %d, endMs = %d",
			startMs, endMs)}
		logger.Error(err.Error())
		return []string{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fallback {
		metrics.IncIndexSelection("fallback")
		return slices.Clone(s.indices)
	}

	query := intervaltree.NewRange(startMs, endMs)
	source := "cache"
	if !s.covered(query) {
		if err := s.fetch(ctx, startMs, endMs); err != nil {
			s.enterFallback(err.Error(), logger)
			metrics.IncIndexSelection("fallback")
			return slices.Clone(s.indices)
		}
		source = "backend"
	}
	metrics.IncIndexSelection(source)

	names := s.spans.IntersectingValues(query)
	slices.Sort(names)
	return slices.Compact(names)
}

// ClearCache drops both trees and leaves fallback mode.
func (s *FieldStatsIndexSelector) ClearCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetched.Clear()
	s.spans.Clear()
	s.fallback = false
}

func (s *FieldStatsIndexSelector) covered(query intervaltree.Range[int64]) bool {
	for _, r := range s.fetched.IntersectingValues(query) {
		if r.Contains(query) {
			return true
		}
	}
	return false
}

func (s *FieldStatsIndexSelector) enterFallback(reason string, logger *slog.Logger) {
	s.fallback = true
	if _, seen := s.reported[reason]; seen {
		return
	}
	s.reported[reason] = struct{}{}
	logger.Warn("Failed to select indices using the field stats API; falling back to using configured indices. Reason was: " + reason)
}

func (s *FieldStatsIndexSelector) fetch(ctx context.Context, startMs, endMs int64) error {
	url := s.urls.FieldStats(s.indices)
	resp, err := s.requester.Get(ctx, url, s.fieldStatsBody(startMs, endMs))
	if err != nil {
		return err
	}
	body := resp.ReadBody()
	if !resp.IsSuccess() {
		return fmt.Errorf("Request to '%s' failed with status code %d. Response was:\n%s", url, resp.StatusCode, body)
	}

	spans, err := s.parseFieldStats(body)
	if err != nil {
		return err
	}
	for _, sp := range spans {
		s.spans.Put(sp.rng, sp.index)
	}
	s.fetched.Put(intervaltree.NewRange(startMs, endMs), intervaltree.NewRange(startMs, endMs))
	return nil
}

func (s *FieldStatsIndexSelector) fieldStatsBody(startMs, endMs int64) string {
	return `{"fields": ["` + s.timeField + `"],"index_constraints": {"` + s.timeField +
		`": {"max_value": {"gte": "` + strconv.FormatInt(startMs, 10) +
		`","format": "epoch_millis"},"min_value": {"lt": "` + strconv.FormatInt(endMs, 10) +
		`","format": "epoch_millis"}}}}`
}

type indexSpan struct {
	index string
	rng   intervaltree.Range[int64]
}

func (s *FieldStatsIndexSelector) parseFieldStats(body string) ([]indexSpan, error) {
	indices := gjson.Get(body, "indices")
	if !indices.Exists() {
		return nil, utils.NewProtocolError("Expected field 'indices' was missing from field stats response")
	}

	var (
		spans    []indexSpan
		parseErr error
	)
	indices.ForEach(func(name, stats gjson.Result) bool {
		field := fieldByName(stats.Get("fields"), s.timeField)
		lo, err := longField(field, "min_value")
		if err != nil {
			parseErr = err
			return false
		}
		hi, err := longField(field, "max_value")
		if err != nil {
			parseErr = err
			return false
		}
		spans = append(spans, indexSpan{index: name.String(), rng: intervaltree.NewRange(lo, hi)})
		return true
	})
	return spans, parseErr
}

// fieldByName avoids gjson path syntax, which treats a leading '@' as a modifier.
func fieldByName(fields gjson.Result, name string) gjson.Result {
	var out gjson.Result
	fields.ForEach(func(key, value gjson.Result) bool {
		if key.String() == name {
			out = value
			return false
		}
		return true
	})
	return out
}

func longField(obj gjson.Result, name string) (int64, error) {
	v := obj.Get(name)
	if !v.Exists() {
		return 0, utils.NewProtocolError("Expected field '%s' was missing from field stats response", name)
	}
	if v.Type != gjson.Number {
		return 0, utils.NewProtocolError("Field '%s' was expected to be a long; actual type was: %s", name, jsonTypeName(v))
	}
	return v.Int(), nil
}

func jsonTypeName(v gjson.Result) string {
	switch v.Type {
	case gjson.String:
		return "STRING"
	case gjson.True, gjson.False:
		return "BOOLEAN"
	case gjson.Null:
		return "NULL"
	case gjson.JSON:
		if v.IsArray() {
			return "ARRAY"
		}
		return "OBJECT"
	}
	return "NUMBER"
}
