package alerting

import (
	"time"

	"github.com/miradorstack/mirador-ingest/internal/models"
)

// Alert is the payload delivered when a trigger fires.
type Alert struct {
	JobID                    string                 `json:"jobId"`
	Timestamp                time.Time              `json:"timestamp"`
	AlertType                AlertType              `json:"alertType"`
	AnomalyScore             float64                `json:"anomalyScore"`
	MaxNormalizedProbability float64                `json:"maxNormalizedProbability"`
	Trigger                  Trigger                `json:"trigger"`
	Records                  []models.AnomalyRecord `json:"records,omitempty"`
	Influencers              []models.Influencer    `json:"influencers,omitempty"`
}

// NewAlert builds the payload for b. Only the part of the bucket the
// trigger looked at is attached.
func NewAlert(jobID string, b *models.Bucket, t Trigger) Alert {
	a := Alert{
		JobID:                    jobID,
		Timestamp:                b.Timestamp.Time(),
		AlertType:                t.Type,
		AnomalyScore:             b.AnomalyScore,
		MaxNormalizedProbability: b.MaxNormalizedProbability,
		Trigger:                  t,
	}
	switch t.Type {
	case AlertTypeRecord:
		a.Records = b.Records
	case AlertTypeInfluencer:
		a.Influencers = b.Influencers
	}
	return a
}
