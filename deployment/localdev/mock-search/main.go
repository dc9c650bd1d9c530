package main

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// document is one farequote-style record.
type document struct {
	Time         int64   `json:"time"`
	Airline      string  `json:"airline"`
	ResponseTime float64 `json:"responsetime"`
}

type hit struct {
	Index  string   `json:"_index"`
	ID     string   `json:"_id"`
	Source document `json:"_source"`
}

// cluster serves a single index of generated documents over the scroll,
// summary, settings and field stats endpoints, and accepts result writes.
type cluster struct {
	index  string
	shards int
	docs   []document
	logger *slog.Logger

	mu      sync.Mutex
	scrolls map[string]*scroll
	written int
}

type scroll struct {
	remaining []document
	size      int
}

func newCluster(index string, start time.Time, n int, logger *slog.Logger) *cluster {
	airlines := []string{"AAL", "JZA", "KLM", "SWA"}
	docs := make([]document, n)
	for i := range docs {
		rt := 100 + 20*math.Sin(float64(i)/30)
		if i%997 == 0 {
			rt *= 8
		}
		docs[i] = document{
			Time:         start.Add(time.Duration(i) * time.Minute).UnixMilli(),
			Airline:      airlines[i%len(airlines)],
			ResponseTime: math.Round(rt*100) / 100,
		}
	}
	return &cluster{index: index, shards: 5, docs: docs, logger: logger, scrolls: make(map[string]*scroll)}
}

func (c *cluster) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("GET /{index}/_search", c.search)
	mux.HandleFunc("GET /_search/scroll", c.continueScroll)
	mux.HandleFunc("DELETE /_search/scroll", c.clearScroll)
	mux.HandleFunc("GET /{index}/_settings", c.settings)
	mux.HandleFunc("GET /{index}/_field_stats", c.fieldStats)
	mux.HandleFunc("POST /{index}/_bulk", c.bulk)
	mux.HandleFunc("POST /{index}/_refresh", acknowledge)
	mux.HandleFunc("POST /{index}/_update/{id}", acknowledge)
	mux.HandleFunc("POST /{index}/_delete_by_query", acknowledge)
	return mux
}

// inRange returns the documents matching the range filter of a 2.x style
// search body.
func (c *cluster) inRange(body string) []document {
	var gte, lt int64 = math.MinInt64, math.MaxInt64
	gjson.Get(body, "query.bool.filter").ForEach(func(_, clause gjson.Result) bool {
		clause.Get("range").ForEach(func(_, bounds gjson.Result) bool {
			if t, err := time.Parse("2006-01-02T15:04:05.000Z", bounds.Get("gte").Str); err == nil {
				gte = t.UnixMilli()
			}
			if t, err := time.Parse("2006-01-02T15:04:05.000Z", bounds.Get("lt").Str); err == nil {
				lt = t.UnixMilli()
			}
			return false
		})
		return true
	})
	var out []document
	for _, d := range c.docs {
		if d.Time >= gte && d.Time < lt {
			out = append(out, d)
		}
	}
	return out
}

func (c *cluster) search(w http.ResponseWriter, r *http.Request) {
	if r.PathValue("index") != c.index {
		writeStatus(w, http.StatusNotFound, map[string]any{"error": "index_not_found_exception"})
		return
	}
	body := readBody(r)
	docs := c.inRange(body)
	if r.URL.Query().Get("scroll") == "" {
		summary := map[string]any{"hits": map[string]any{"total": len(docs), "hits": []hit{}}}
		if len(docs) > 0 {
			summary["aggregations"] = map[string]any{
				"earliestTime": map[string]any{"value": docs[0].Time},
				"latestTime":   map[string]any{"value": docs[len(docs)-1].Time},
			}
		}
		writeStatus(w, http.StatusOK, summary)
		return
	}
	size, err := strconv.Atoi(r.URL.Query().Get("size"))
	if err != nil || size <= 0 {
		size = 10
	}
	id := uuid.NewString()
	c.mu.Lock()
	c.scrolls[id] = &scroll{remaining: docs, size: size}
	c.mu.Unlock()
	c.page(w, id)
}

func (c *cluster) continueScroll(w http.ResponseWriter, r *http.Request) {
	c.page(w, strings.TrimSpace(readBody(r)))
}

func (c *cluster) page(w http.ResponseWriter, id string) {
	c.mu.Lock()
	s, ok := c.scrolls[id]
	if !ok {
		c.mu.Unlock()
		writeStatus(w, http.StatusNotFound, map[string]any{"error": "search_context_missing_exception"})
		return
	}
	total := len(s.remaining)
	n := min(s.size, total)
	batch := s.remaining[:n]
	s.remaining = s.remaining[n:]
	c.mu.Unlock()

	hits := make([]hit, len(batch))
	for i, d := range batch {
		hits[i] = hit{Index: c.index, ID: strconv.FormatInt(d.Time, 10), Source: d}
	}
	writeStatus(w, http.StatusOK, map[string]any{
		"_scroll_id": id,
		"hits":       map[string]any{"total": total, "hits": hits},
	})
}

func (c *cluster) clearScroll(w http.ResponseWriter, r *http.Request) {
	ids := gjson.Get(readBody(r), "scroll_id")
	c.mu.Lock()
	for _, id := range ids.Array() {
		delete(c.scrolls, id.String())
	}
	c.mu.Unlock()
	writeStatus(w, http.StatusOK, map[string]any{"succeeded": true})
}

func (c *cluster) settings(w http.ResponseWriter, _ *http.Request) {
	writeStatus(w, http.StatusOK, map[string]any{
		c.index: map[string]any{"settings": map[string]any{"index": map[string]any{"number_of_shards": strconv.Itoa(c.shards)}}},
	})
}

func (c *cluster) fieldStats(w http.ResponseWriter, r *http.Request) {
	field := gjson.Get(readBody(r), "fields.0").String()
	writeStatus(w, http.StatusOK, map[string]any{
		"indices": map[string]any{
			c.index: map[string]any{"fields": map[string]any{
				field: map[string]any{"min_value": c.docs[0].Time, "max_value": c.docs[len(c.docs)-1].Time},
			}},
		},
	})
}

func (c *cluster) bulk(w http.ResponseWriter, r *http.Request) {
	lines := strings.Count(readBody(r), "\n")
	c.mu.Lock()
	c.written += lines / 2
	written := c.written
	c.mu.Unlock()
	c.logger.Debug("bulk write", slog.String("index", r.PathValue("index")), slog.Int("documents", lines/2), slog.Int("total", written))
	writeStatus(w, http.StatusOK, map[string]any{"errors": false, "items": []any{}})
}

func acknowledge(w http.ResponseWriter, _ *http.Request) {
	writeStatus(w, http.StatusOK, map[string]any{"acknowledged": true})
}

func readBody(r *http.Request) string {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return ""
	}
	return string(data)
}

func writeStatus(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Error("encode error", slog.Any("error", err))
	}
}

func logRequests(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		logger.Info("request", slog.String("method", r.Method), slog.String("path", r.URL.Path),
			slog.Int("status", rw.status), slog.Duration("elapsed", time.Since(start)))
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil)).With(slog.String("component", "search-mock"))
	start := time.Now().UTC().Truncate(time.Hour).Add(-48 * time.Hour)
	c := newCluster("farequote", start, 48*60, logger)

	srv := &http.Server{
		Addr:              ":9200",
		Handler:           logRequests(logger, c.routes()),
		ReadHeaderTimeout: 5 * time.Second,
	}
	logger.Info("listening", slog.String("address", srv.Addr), slog.Time("data_start", start))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", slog.Any("error", err))
		os.Exit(1)
	}
}
