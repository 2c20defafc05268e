package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/SoulEchoPlan/soul-echo-sub000/internal/config"
	"github.com/SoulEchoPlan/soul-echo-sub000/internal/logger"
	"github.com/SoulEchoPlan/soul-echo-sub000/internal/models"
)

// JobEvent is published on every persisted job status change.
type JobEvent struct {
	JobID        string           `json:"job_id"`
	CharacterID  int64            `json:"character_id"`
	Status       models.JobStatus `json:"status"`
	RemoteFileID string           `json:"remote_file_id,omitempty"`
	RemoteJobID  string           `json:"remote_job_id,omitempty"`
	ErrorMessage string           `json:"error_message,omitempty"`
	OccurredAt   time.Time        `json:"occurred_at"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaNotifier publishes job events keyed by job id, so events of one job
// stay ordered within a partition. Publish failures are logged only.
type KafkaNotifier struct {
	writer messageWriter
	logger *slog.Logger
}

func NewKafkaNotifier(cfg config.KafkaConfig) *KafkaNotifier {
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.StatusTopic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		MaxAttempts:  3,
		RequiredAcks: kafka.RequireAll,
	}
	return &KafkaNotifier{
		writer: w,
		logger: logger.WithComponent("kafka-notifier").With("topic", cfg.StatusTopic),
	}
}

func (n *KafkaNotifier) Notify(ctx context.Context, job *models.IngestionJob) {
	msg, err := jobMessage(job)
	if err != nil {
		n.logger.Error("encode job event failed", "job_id", job.ID, "error", err)
		return
	}
	if err := n.writer.WriteMessages(ctx, msg); err != nil {
		n.logger.Error("publish job event failed", "job_id", job.ID, "status", job.Status, "error", err)
		return
	}
	n.logger.Debug("job event published", "job_id", job.ID, "status", job.Status)
}

func (n *KafkaNotifier) Close() error {
	return n.writer.Close()
}

func jobMessage(job *models.IngestionJob) (kafka.Message, error) {
	value, err := json.Marshal(JobEvent{
		JobID:        job.ID,
		CharacterID:  job.CharacterID,
		Status:       job.Status,
		RemoteFileID: job.RemoteFileID,
		RemoteJobID:  job.RemoteJobID,
		ErrorMessage: job.ErrorMessage,
		OccurredAt:   job.UpdatedAt,
	})
	if err != nil {
		return kafka.Message{}, fmt.Errorf("marshal job event: %w", err)
	}
	return kafka.Message{Key: []byte(job.ID), Value: value}, nil
}
