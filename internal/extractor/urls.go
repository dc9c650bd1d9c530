package extractor

import (
	"strconv"
	"strings"
)

const defaultScrollTTL = "60m"

// URLBuilder renders the search cluster endpoints used during extraction.
type URLBuilder struct {
	baseURL   string
	types     []string
	scrollTTL string
}

// NewURLBuilder constructs a URLBuilder. types may be empty.
func NewURLBuilder(baseURL string, types []string, scrollTTL string) URLBuilder {
	if scrollTTL == "" {
		scrollTTL = defaultScrollTTL
	}
	return URLBuilder{
		baseURL:   strings.TrimRight(baseURL, "/"),
		types:     types,
		scrollTTL: scrollTTL,
	}
}

// BaseURL returns the cluster root without a trailing slash.
func (u URLBuilder) BaseURL() string {
	return u.baseURL
}

func (u URLBuilder) searchPath(indices []string) string {
	p := u.baseURL + "/" + strings.Join(indices, ",")
	if len(u.types) > 0 {
		p += "/" + strings.Join(u.types, ",")
	}
	return p + "/_search"
}

// InitScroll opens a scroll session returning size hits per batch.
func (u URLBuilder) InitScroll(indices []string, size int) string {
	return u.searchPath(indices) + "?scroll=" + u.scrollTTL + "&size=" + strconv.Itoa(size)
}

// ContinueScroll fetches the next batch of a session.
func (u URLBuilder) ContinueScroll() string {
	return u.baseURL + "/_search/scroll?scroll=" + u.scrollTTL
}

// ClearScroll releases a session.
func (u URLBuilder) ClearScroll() string {
	return u.baseURL + "/_search/scroll"
}

// DataSummary runs the size-1 summary search.
func (u URLBuilder) DataSummary(indices []string) string {
	return u.searchPath(indices) + "?size=1"
}

// Settings fetches index settings.
func (u URLBuilder) Settings(indices []string) string {
	return u.baseURL + "/" + strings.Join(indices, ",") + "/_settings"
}

// FieldStats fetches per-index field statistics.
func (u URLBuilder) FieldStats(indices []string) string {
	return u.baseURL + "/" + strings.Join(indices, ",") + "/_field_stats?level=indices"
}
