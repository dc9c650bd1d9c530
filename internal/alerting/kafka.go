package alerting

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/miradorstack/mirador-ingest/internal/metrics"
	"github.com/miradorstack/mirador-ingest/internal/models"
	"github.com/miradorstack/mirador-ingest/internal/utils"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher is an Observer that writes fired alerts to a Kafka topic,
// keyed by job id.
type KafkaPublisher struct {
	jobID    string
	triggers []Trigger
	writer   messageWriter
	logger   *slog.Logger
}

// NewKafkaPublisher connects a publisher to brokers.
func NewKafkaPublisher(jobID string, brokers []string, topic string, triggers []Trigger, logger *slog.Logger) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka publisher: no brokers configured")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka publisher: topic is required")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
	}
	return newKafkaPublisher(jobID, w, triggers, logger), nil
}

func newKafkaPublisher(jobID string, w messageWriter, triggers []Trigger, logger *slog.Logger) *KafkaPublisher {
	return &KafkaPublisher{jobID: jobID, triggers: triggers, writer: w, logger: utils.OrDefault(logger)}
}

// Triggers implements Observer.
func (p *KafkaPublisher) Triggers() []Trigger {
	return p.triggers
}

// Fire implements Observer.
func (p *KafkaPublisher) Fire(ctx context.Context, b *models.Bucket, t Trigger) error {
	alert := NewAlert(p.jobID, b, t)
	value, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}
	msg := kafka.Message{Key: []byte(p.jobID), Value: value, Time: alert.Timestamp}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Error("alert publish failed", slog.String("job_id", p.jobID), slog.Any("error", err))
		return fmt.Errorf("publish alert: %w", err)
	}
	metrics.IncAlertsFired()
	p.logger.Info("alert published",
		slog.String("job_id", p.jobID),
		slog.String("type", string(t.Type)),
		slog.Float64("anomaly_score", b.AnomalyScore))
	return nil
}

// Close flushes and closes the writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
