package extractor

import (
	"context"
	"strconv"

	"github.com/tidwall/gjson"

	"github.com/miradorstack/mirador-ingest/internal/transport"
	"github.com/miradorstack/mirador-ingest/internal/utils"
)

// DataSummary describes the documents present in a range.
type DataSummary struct {
	TotalHits  int64
	EarliestMs int64
	LatestMs   int64
}

// Spread returns the span between the earliest and latest document.
func (s DataSummary) Spread() int64 {
	return s.LatestMs - s.EarliestMs
}

func fetchDataSummary(ctx context.Context, requester transport.Requester, urls URLBuilder, query *QueryBuilder,
	indices []string, startMs, endMs int64) (DataSummary, error) {
	url := urls.DataSummary(indices)
	resp, err := requester.Get(ctx, url, query.DataSummaryBody(startMs, endMs))
	if err != nil {
		return DataSummary{}, err
	}
	body := resp.ReadBody()
	if !resp.IsSuccess() {
		return DataSummary{}, &utils.TransportError{URL: url, StatusCode: resp.StatusCode, Body: body}
	}
	return parseDataSummary(body)
}

func parseDataSummary(body string) (DataSummary, error) {
	total := gjson.Get(body, "hits.total")
	if total.IsObject() {
		// Newer clusters report {"value": n, "relation": "eq"}.
		total = total.Get("value")
	}
	hits, err := parseLong(total, "hits.total", body)
	if err != nil {
		return DataSummary{}, err
	}
	summary := DataSummary{TotalHits: hits}
	if hits == 0 {
		return summary, nil
	}

	if summary.EarliestMs, err = parseLong(gjson.Get(body, "aggregations.earliestTime.value"), "aggregations.earliestTime.value", body); err != nil {
		return DataSummary{}, err
	}
	if summary.LatestMs, err = parseLong(gjson.Get(body, "aggregations.latestTime.value"), "aggregations.latestTime.value", body); err != nil {
		return DataSummary{}, err
	}
	return summary, nil
}

func parseLong(v gjson.Result, field, body string) (int64, error) {
	if !v.Exists() {
		return 0, utils.NewProtocolError("Failed to parse string from field '%s'. Response was:\n%s", field, body)
	}
	switch v.Type {
	case gjson.Number:
		return v.Int(), nil
	case gjson.String:
		if n, err := strconv.ParseInt(v.Str, 10, 64); err == nil {
			return n, nil
		}
	}
	return 0, utils.NewProtocolError("Failed to parse long from field '%s'. Response was:\n%s", field, body)
}

// fetchShardCount sums number_of_shards across the indices in a settings
// response.
func fetchShardCount(ctx context.Context, requester transport.Requester, urls URLBuilder, indices []string) (int64, error) {
	url := urls.Settings(indices)
	resp, err := requester.Get(ctx, url, "")
	if err != nil {
		return 0, err
	}
	body := resp.ReadBody()
	if !resp.IsSuccess() {
		return 0, &utils.TransportError{URL: url, StatusCode: resp.StatusCode, Body: body}
	}

	var (
		shards   int64
		parseErr error
	)
	gjson.Parse(body).ForEach(func(_, index gjson.Result) bool {
		n, err := parseLong(index.Get("settings.index.number_of_shards"), "settings.index.number_of_shards", body)
		if err != nil {
			parseErr = err
			return false
		}
		shards += n
		return true
	})
	if parseErr != nil {
		return 0, parseErr
	}
	if shards <= 0 {
		return 0, utils.NewProtocolError("Failed to parse string from field 'settings.index.number_of_shards'. Response was:\n%s", body)
	}
	return shards, nil
}
