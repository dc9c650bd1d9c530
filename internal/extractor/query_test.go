package extractor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	jan1   = int64(1451606400000)
	jan1h1 = int64(1451610000000)
)

func TestSearchBodyDialects(t *testing.T) {
	tests := []struct {
		name    string
		builder *QueryBuilder
		want    string
	}{
		{
			name:    "1.7.x query only",
			builder: NewQueryBuilder(DialectV1_7, `"match_all":{}`, "", "", nil, "@timestamp"),
			want: `{"sort":[{"@timestamp":{"order":"asc"}}],"query":{"filtered":{"filter":{"bool":{"must":{"match_all":{}},` +
				`"must":{"range":{"@timestamp":{"gte":"2016-01-01T00:00:00.000Z","lt":"2016-01-01T01:00:00.000Z","format":"date_time"}}}}}}}}`,
		},
		{
			name:    "2.x.x query only",
			builder: NewQueryBuilder(DialectV2, `"match_all":{}`, "", "", nil, "time"),
			want: `{"sort":[{"time":{"order":"asc"}}],"query":{"bool":{"filter":[{"match_all":{}},` +
				`{"range":{"time":{"gte":"2016-01-01T00:00:00.000Z","lt":"2016-01-01T01:00:00.000Z","format":"date_time"}}}]}}}`,
		},
		{
			name:    "2.x.x script fields and fields",
			builder: NewQueryBuilder(DialectV2, `{"match_all":{}}`, "", `{"test1":{"script":"..."}}`, []string{"foo", "bar"}, "@timestamp"),
			want: `{"sort":[{"@timestamp":{"order":"asc"}}],"query":{"bool":{"filter":[{"match_all":{}},` +
				`{"range":{"@timestamp":{"gte":"2016-01-01T00:00:00.000Z","lt":"2016-01-01T01:00:00.000Z","format":"date_time"}}}]}},` +
				`"script_fields":{"test1":{"script":"..."}},"fields":["foo","bar"]}`,
		},
		{
			name:    "1.7.x aggregations",
			builder: NewQueryBuilder(DialectV1_7, `"match_all":{}`, `{"my_aggs":{}}`, "", nil, "@timestamp"),
			want: `{"sort":[{"@timestamp":{"order":"asc"}}],"query":{"filtered":{"filter":{"bool":{"must":{"match_all":{}},` +
				`"must":{"range":{"@timestamp":{"gte":"2016-01-01T00:00:00.000Z","lt":"2016-01-01T01:00:00.000Z","format":"date_time"}}}}}}},` +
				`"aggs":{"my_aggs":{}}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.builder.SearchBody(jan1, jan1h1))
		})
	}
}

func TestDataSummaryBody(t *testing.T) {
	builder := NewQueryBuilder(DialectV1_7, `"match_all":{}`, "", "", nil, "@timestamp")

	want := `{"sort":[{"_doc":{"order":"asc"}}],"query":{"filtered":{"filter":{"bool":{"must":{"match_all":{}},` +
		`"must":{"range":{"@timestamp":{"gte":"2016-01-01T00:00:00.000Z","lt":"2016-01-01T01:00:00.000Z","format":"date_time"}}}}}}},` +
		`"aggs":{"earliestTime":{"min":{"field":"@timestamp"}},"latestTime":{"max":{"field":"@timestamp"}}}}`
	assert.Equal(t, want, builder.DataSummaryBody(jan1, jan1h1))
}

func TestIsAggregated(t *testing.T) {
	assert.False(t, NewQueryBuilder(DialectV2, `"match_all":{}`, "", "", nil, "time").IsAggregated())
	assert.True(t, NewQueryBuilder(DialectV2, `"match_all":{}`, `{"a":{}}`, "", nil, "time").IsAggregated())
}

func TestParseDialect(t *testing.T) {
	d, err := ParseDialect("1.7.x")
	require.NoError(t, err)
	assert.Equal(t, DialectV1_7, d)

	d, err = ParseDialect("V_2_X_X")
	require.NoError(t, err)
	assert.Equal(t, DialectV2, d)

	_, err = ParseDialect("5.x")
	assert.Error(t, err)
}

func TestURLBuilder(t *testing.T) {
	urls := NewURLBuilder("http://localhost:9200/", []string{"dataType"}, "")

	assert.Equal(t, "http://localhost:9200/dataIndex/dataType/_search?scroll=60m&size=1000", urls.InitScroll([]string{"dataIndex"}, 1000))
	assert.Equal(t, "http://localhost:9200/_search/scroll?scroll=60m", urls.ContinueScroll())
	assert.Equal(t, "http://localhost:9200/_search/scroll", urls.ClearScroll())
	assert.Equal(t, "http://localhost:9200/a,b/dataType/_search?size=1", urls.DataSummary([]string{"a", "b"}))
	assert.Equal(t, "http://localhost:9200/dataIndex/_settings", urls.Settings([]string{"dataIndex"}))
	assert.Equal(t, "http://localhost:9200/foo,bar-*/_field_stats?level=indices", urls.FieldStats([]string{"foo", "bar-*"}))

	untyped := NewURLBuilder("http://localhost:9200", nil, "5m")
	assert.Equal(t, "http://localhost:9200/dataIndex/_search?scroll=5m&size=0", untyped.InitScroll([]string{"dataIndex"}, 0))
}
