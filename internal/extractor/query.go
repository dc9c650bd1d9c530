package extractor

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/miradorstack/mirador-ingest/internal/utils"
)

// Dialect selects how the time-range filter is wrapped around the user query.
type Dialect int

const (
	// DialectV1_7 wraps filters as query.filtered.filter.bool with repeated
	// "must" keys, which only a text template can produce.
	DialectV1_7 Dialect = iota
	// DialectV2 uses query.bool.filter[].
	DialectV2
)

// ParseDialect maps a configured cluster version onto a Dialect.
func ParseDialect(version string) (Dialect, error) {
	switch version {
	case "1.7.x", "V_1_7_X":
		return DialectV1_7, nil
	case "2.x.x", "V_2_X_X":
		return DialectV2, nil
	}
	return 0, fmt.Errorf("unsupported search cluster version %q", version)
}

func (d Dialect) String() string {
	if d == DialectV1_7 {
		return "1.7.x"
	}
	return "2.x.x"
}

// QueryBuilder renders search and data summary bodies. Search, aggregations
// and script fields are JSON fragments copied verbatim into the body.
type QueryBuilder struct {
	dialect      Dialect
	search       string
	aggregations string
	scriptFields string
	fields       []string
	timeField    string
}

// NewQueryBuilder constructs a QueryBuilder. search is the body of a query
// clause without its enclosing braces, e.g. `"match_all":{}`; a fully braced
// clause is accepted too.
func NewQueryBuilder(dialect Dialect, search, aggregations, scriptFields string, fields []string, timeField string) *QueryBuilder {
	return &QueryBuilder{
		dialect:      dialect,
		search:       unbrace(search),
		aggregations: strings.TrimSpace(aggregations),
		scriptFields: strings.TrimSpace(scriptFields),
		fields:       fields,
		timeField:    timeField,
	}
}

func unbrace(clause string) string {
	clause = strings.TrimSpace(clause)
	if strings.HasPrefix(clause, "{") && strings.HasSuffix(clause, "}") {
		return strings.TrimSpace(clause[1 : len(clause)-1])
	}
	return clause
}

// IsAggregated reports whether searches carry aggregations, in which case a
// scroll yields a single batch of buckets instead of hits.
func (q *QueryBuilder) IsAggregated() bool {
	return q.aggregations != ""
}

// TimeField returns the document time field.
func (q *QueryBuilder) TimeField() string {
	return q.timeField
}

// SearchBody renders the scroll search body for [startMs, endMs).
func (q *QueryBuilder) SearchBody(startMs, endMs int64) string {
	var b strings.Builder
	b.WriteString(`{"sort":[{"`)
	b.WriteString(q.timeField)
	b.WriteString(`":{"order":"asc"}}],"query":`)
	b.WriteString(q.filteredQuery(startMs, endMs))
	if q.scriptFields != "" {
		b.WriteString(`,"script_fields":`)
		b.WriteString(q.scriptFields)
	}
	if len(q.fields) > 0 {
		b.WriteString(`,"fields":`)
		b.WriteString(q.fieldsArray())
	}
	if q.aggregations != "" {
		b.WriteString(`,"aggs":`)
		b.WriteString(q.aggregations)
	}
	b.WriteString("}")
	return b.String()
}

// DataSummaryBody renders the size-1 search that reports the hit count and
// earliest/latest times for [startMs, endMs).
func (q *QueryBuilder) DataSummaryBody(startMs, endMs int64) string {
	return `{"sort":[{"_doc":{"order":"asc"}}],"query":` + q.filteredQuery(startMs, endMs) +
		`,"aggs":{"earliestTime":{"min":{"field":"` + q.timeField + `"}},` +
		`"latestTime":{"max":{"field":"` + q.timeField + `"}}}}`
}

func (q *QueryBuilder) filteredQuery(startMs, endMs int64) string {
	rangeClause := `"range":{"` + q.timeField + `":{"gte":"` + utils.FormatEpochMillis(startMs) +
		`","lt":"` + utils.FormatEpochMillis(endMs) + `","format":"date_time"}}`

	if q.dialect == DialectV1_7 {
		return `{"filtered":{"filter":{"bool":{"must":{` + q.search + `},"must":{` + rangeClause + `}}}}}`
	}
	return `{"bool":{"filter":[{` + q.search + `},{` + rangeClause + `}]}}`
}

func (q *QueryBuilder) fieldsArray() string {
	quoted := make([]string, len(q.fields))
	for i, f := range q.fields {
		quoted[i] = strconv.Quote(f)
	}
	return "[" + strings.Join(quoted, ",") + "]"
}

// LogQueryInfo describes at debug level what each search will request.
func (q *QueryBuilder) LogQueryInfo(logger *slog.Logger) {
	logger = utils.OrDefault(logger)
	if q.aggregations != "" {
		logger.Debug("will use search cluster aggregations", slog.String("aggs", q.aggregations))
		return
	}
	if len(q.fields) == 0 {
		logger.Debug("will retrieve whole _source documents")
		return
	}
	logger.Debug("will request only selected fields", slog.String("fields", q.fieldsArray()))
}
