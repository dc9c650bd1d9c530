package alerting

import (
	"context"
	"fmt"

	"github.com/miradorstack/mirador-ingest/internal/config"
	"github.com/miradorstack/mirador-ingest/internal/models"
)

// AlertType selects which part of a bucket a trigger is evaluated against.
type AlertType string

const (
	AlertTypeBucket     AlertType = "bucket"
	AlertTypeRecord     AlertType = "record"
	AlertTypeInfluencer AlertType = "influencer"
)

// ParseAlertType maps a configured name to an AlertType. Empty means bucket.
func ParseAlertType(s string) (AlertType, error) {
	switch AlertType(s) {
	case "", AlertTypeBucket:
		return AlertTypeBucket, nil
	case AlertTypeRecord, AlertTypeInfluencer:
		return AlertType(s), nil
	}
	return "", fmt.Errorf("unknown alert type %q", s)
}

// Trigger is a pair of thresholds. A zero threshold is not evaluated; a
// trigger is met when either evaluated threshold is reached.
type Trigger struct {
	Type                  AlertType `json:"type"`
	NormalizedProbability float64   `json:"normalizedProbability,omitempty"`
	AnomalyScore          float64   `json:"anomalyScore,omitempty"`
}

// TriggersFromConfig converts configured thresholds.
func TriggersFromConfig(cfgs []config.TriggerConfig) ([]Trigger, error) {
	triggers := make([]Trigger, 0, len(cfgs))
	for _, c := range cfgs {
		t, err := ParseAlertType(c.Type)
		if err != nil {
			return nil, err
		}
		triggers = append(triggers, Trigger{Type: t, NormalizedProbability: c.NormalizedProbability, AnomalyScore: c.AnomalyScore})
	}
	return triggers, nil
}

func (t Trigger) reached(normalizedProbability, anomalyScore float64) bool {
	if t.NormalizedProbability > 0 && normalizedProbability >= t.NormalizedProbability {
		return true
	}
	return t.AnomalyScore > 0 && anomalyScore >= t.AnomalyScore
}

// Met reports whether b satisfies the trigger. Interim buckets never do.
func (t Trigger) Met(b *models.Bucket) bool {
	if b == nil || b.IsInterim {
		return false
	}
	switch t.Type {
	case AlertTypeRecord:
		for _, r := range b.Records {
			if t.reached(r.NormalizedProbability, r.AnomalyScore) {
				return true
			}
		}
		return false
	case AlertTypeInfluencer:
		for _, inf := range b.Influencers {
			if t.reached(0, inf.AnomalyScore) {
				return true
			}
		}
		return false
	}
	return t.reached(b.MaxNormalizedProbability, b.AnomalyScore)
}

// Observer receives at most one alert per registration.
type Observer interface {
	Triggers() []Trigger
	Fire(ctx context.Context, b *models.Bucket, t Trigger) error
}

// FirstMet returns the first of triggers that b satisfies.
func FirstMet(triggers []Trigger, b *models.Bucket) (Trigger, bool) {
	for _, t := range triggers {
		if t.Met(b) {
			return t, true
		}
	}
	return Trigger{}, false
}
