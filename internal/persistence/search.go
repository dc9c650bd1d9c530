package persistence

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/miradorstack/mirador-ingest/internal/models"
	"github.com/miradorstack/mirador-ingest/internal/transport"
	"github.com/miradorstack/mirador-ingest/internal/utils"
)

// Result types stored alongside each document.
const (
	TypeBucket             = "bucket"
	TypeRecord             = "record"
	TypeBucketInfluencer   = "bucketInfluencer"
	TypeInfluencer         = "influencer"
	TypeCategoryDefinition = "categoryDefinition"
	TypeQuantiles          = "quantiles"
	TypeModelSnapshot      = "modelSnapshot"
	TypeModelSizeStats     = "modelSizeStats"
	TypeModelDebugOutput   = "modelDebugOutput"
	TypeJob                = "job"
)

// SearchClusterPersister writes results into the job's index on the search
// cluster through the bulk API.
type SearchClusterPersister struct {
	requester transport.Requester
	baseURL   string
	jobID     string
	index     string
	logger    *slog.Logger
	newID     func() string
}

// NewSearchClusterPersister constructs a persister writing to
// indexPrefix+jobID.
func NewSearchClusterPersister(requester transport.Requester, baseURL, indexPrefix, jobID string, logger *slog.Logger) *SearchClusterPersister {
	return &SearchClusterPersister{
		requester: requester,
		baseURL:   strings.TrimRight(baseURL, "/"),
		jobID:     jobID,
		index:     indexPrefix + jobID,
		logger:    utils.OrDefault(logger),
		newID:     uuid.NewString,
	}
}

// Index returns the job's results index.
func (p *SearchClusterPersister) Index() string {
	return p.index
}

type bulkRequest struct {
	buf   bytes.Buffer
	count int
}

func (p *SearchClusterPersister) add(req *bulkRequest, resultType, id string, v any) error {
	doc, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", resultType, err)
	}
	action, _ := json.Marshal(map[string]map[string]string{"index": {"_id": id}})
	req.buf.Write(action)
	req.buf.WriteByte('\n')
	req.buf.WriteString(`{"resultType":"` + resultType + `","jobId":` + strconv.Quote(p.jobID))
	if len(doc) > 2 {
		req.buf.WriteByte(',')
		req.buf.Write(doc[1:])
	} else {
		req.buf.WriteByte('}')
	}
	req.buf.WriteByte('\n')
	req.count++
	return nil
}

func (p *SearchClusterPersister) send(ctx context.Context, req *bulkRequest) error {
	if req.count == 0 {
		return nil
	}
	url := p.baseURL + "/" + p.index + "/_bulk"
	resp, err := p.requester.Post(ctx, url, req.buf.String())
	if err != nil {
		return fmt.Errorf("bulk write: %w", err)
	}
	body := resp.ReadBody()
	if !resp.IsSuccess() {
		return &utils.TransportError{URL: url, StatusCode: resp.StatusCode, Body: body}
	}
	if gjson.Get(body, "errors").Bool() {
		reason := "unknown"
		gjson.Get(body, "items").ForEach(func(_, item gjson.Result) bool {
			if r := item.Get("index.error.reason"); r.Exists() {
				reason = r.String()
				return false
			}
			return true
		})
		return fmt.Errorf("bulk write to %s rejected: %s", p.index, reason)
	}
	p.logger.Debug("bulk write", slog.String("index", p.index), slog.Int("documents", req.count))
	return nil
}

func (p *SearchClusterPersister) persistOne(ctx context.Context, resultType, id string, v any) error {
	var req bulkRequest
	if err := p.add(&req, resultType, id, v); err != nil {
		return err
	}
	return p.send(ctx, &req)
}

// bucketID is stable per bucket time so a final bucket replaces its interim
// version.
func bucketID(b *models.Bucket) string {
	return strconv.FormatInt(int64(b.Timestamp), 10)
}

// PersistBucket writes the bucket, its bucket influencers and its records in
// one bulk request. Influencers are persisted separately by the parser.
func (p *SearchClusterPersister) PersistBucket(ctx context.Context, b *models.Bucket) error {
	var req bulkRequest
	doc := *b
	doc.JobID = ""
	doc.Records = nil
	doc.Influencers = nil
	id := bucketID(b)
	if err := p.add(&req, TypeBucket, id, doc); err != nil {
		return err
	}
	for i, bi := range b.BucketInfluencers {
		if err := p.add(&req, TypeBucketInfluencer, id+"_"+bi.InfluencerFieldName, struct {
			models.BucketInfluencer
			Timestamp models.EpochSeconds `json:"timestamp"`
			IsInterim bool                `json:"isInterim,omitempty"`
		}{b.BucketInfluencers[i], b.Timestamp, b.IsInterim}); err != nil {
			return err
		}
	}
	for _, r := range b.Records {
		r.Timestamp = b.Timestamp
		r.BucketSpan = b.BucketSpan
		r.IsInterim = r.IsInterim || b.IsInterim
		if err := p.add(&req, TypeRecord, p.newID(), r); err != nil {
			return err
		}
	}
	return p.send(ctx, &req)
}

func (p *SearchClusterPersister) PersistCategoryDefinition(ctx context.Context, c *models.CategoryDefinition) error {
	return p.persistOne(ctx, TypeCategoryDefinition, strconv.FormatInt(c.CategoryID, 10), c)
}

func (p *SearchClusterPersister) PersistQuantiles(ctx context.Context, q *models.Quantiles) error {
	return p.persistOne(ctx, TypeQuantiles, models.QuantilesID, q)
}

func (p *SearchClusterPersister) PersistModelSnapshot(ctx context.Context, s *models.ModelSnapshot) error {
	return p.persistOne(ctx, TypeModelSnapshot, s.SnapshotID, s)
}

// PersistModelSizeStats overwrites the current stats document.
func (p *SearchClusterPersister) PersistModelSizeStats(ctx context.Context, s *models.ModelSizeStats) error {
	return p.persistOne(ctx, TypeModelSizeStats, TypeModelSizeStats, s)
}

func (p *SearchClusterPersister) PersistModelDebugOutput(ctx context.Context, d *models.ModelDebugOutput) error {
	return p.persistOne(ctx, TypeModelDebugOutput, p.newID(), d)
}

func (p *SearchClusterPersister) PersistInfluencer(ctx context.Context, i *models.Influencer) error {
	return p.persistOne(ctx, TypeInfluencer, p.newID(), i)
}

// IncrementBucketCount adds n to the job document's bucket count, creating
// the document when missing.
func (p *SearchClusterPersister) IncrementBucketCount(ctx context.Context, n int64) error {
	url := p.baseURL + "/" + p.index + "/_update/" + TypeJob + "-" + p.jobID
	body := fmt.Sprintf(`{"script":{"source":"ctx._source.bucketCount += params.count","lang":"painless","params":{"count":%d}},`+
		`"upsert":{"resultType":%q,"jobId":%q,"bucketCount":%d}}`, n, TypeJob, p.jobID, n)
	return p.post(ctx, url, body)
}

// CommitWrites refreshes the index. Failure is logged and reported as false.
func (p *SearchClusterPersister) CommitWrites(ctx context.Context) bool {
	if err := p.post(ctx, p.baseURL+"/"+p.index+"/_refresh", ""); err != nil {
		p.logger.Error("commit writes failed", slog.String("index", p.index), slog.Any("error", err))
		return false
	}
	return true
}

// DeleteInterimResults removes every interim document of the job.
func (p *SearchClusterPersister) DeleteInterimResults(ctx context.Context) error {
	url := p.baseURL + "/" + p.index + "/_delete_by_query?refresh=true"
	return p.post(ctx, url, `{"query":{"term":{"isInterim":true}}}`)
}

func (p *SearchClusterPersister) post(ctx context.Context, url, body string) error {
	resp, err := p.requester.Post(ctx, url, body)
	if err != nil {
		return err
	}
	respBody := resp.ReadBody()
	if !resp.IsSuccess() {
		return &utils.TransportError{URL: url, StatusCode: resp.StatusCode, Body: respBody}
	}
	return nil
}
