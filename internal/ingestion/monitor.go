package ingestion

import (
	"context"
	"log/slog"
	"time"

	"github.com/SoulEchoPlan/soul-echo-sub000/internal/logger"
	"github.com/SoulEchoPlan/soul-echo-sub000/internal/metrics"
	"github.com/SoulEchoPlan/soul-echo-sub000/internal/models"
	"github.com/SoulEchoPlan/soul-echo-sub000/internal/resilience"
)

const (
	DefaultMonitorInterval = 5 * time.Minute
	monitorBatch           = 100
	stepIndexStatus        = "index status"
)

// IndexStatusSource reports the remote state of an index job.
type IndexStatusSource interface {
	IndexJobStatus(ctx context.Context, remoteJobID string) (IndexState, error)
}

type monitorStore interface {
	JobStore
	ListJobsByStatus(ctx context.Context, status models.JobStatus, limit int) ([]*models.IngestionJob, error)
}

// IndexMonitor moves INDEXING jobs to COMPLETED or FAILED once the remote
// indexer finishes them.
type IndexMonitor struct {
	store       monitorStore
	source      IndexStatusSource
	interval    time.Duration
	callTimeout time.Duration
	notifier    StatusNotifier
	metrics     *metrics.Metrics
	logger      *slog.Logger
	onCompleted func(ctx context.Context, job *models.IngestionJob)
}

// NewIndexMonitor polls every interval; each status query is bounded by
// callTimeout.
func NewIndexMonitor(store monitorStore, source IndexStatusSource, interval, callTimeout time.Duration, notifier StatusNotifier, m *metrics.Metrics) *IndexMonitor {
	if interval <= 0 {
		interval = DefaultMonitorInterval
	}
	if callTimeout <= 0 {
		callTimeout = DefaultCallTimeout
	}
	return &IndexMonitor{
		store:       store,
		source:      source,
		interval:    interval,
		callTimeout: callTimeout,
		notifier:    notifier,
		metrics:     m,
		logger:      logger.WithComponent("index-monitor"),
	}
}

// OnCompleted registers fn to run after a job is persisted as COMPLETED.
func (m *IndexMonitor) OnCompleted(fn func(ctx context.Context, job *models.IngestionJob)) {
	m.onCompleted = fn
}

// Run polls until ctx is cancelled.
func (m *IndexMonitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n, err := m.CheckOnce(ctx); err != nil {
				m.logger.Error("index status check failed", "error", err)
			} else if n > 0 {
				m.logger.Info("index jobs settled", "count", n)
			}
		}
	}
}

// CheckOnce polls every INDEXING job once and returns how many settled.
func (m *IndexMonitor) CheckOnce(ctx context.Context) (int, error) {
	jobs, err := m.store.ListJobsByStatus(ctx, models.JobIndexing, monitorBatch)
	if err != nil {
		return 0, err
	}
	settled := 0
	for _, job := range jobs {
		if ctx.Err() != nil {
			return settled, ctx.Err()
		}
		if m.check(ctx, job) {
			settled++
		}
	}
	return settled, nil
}

func (m *IndexMonitor) check(ctx context.Context, job *models.IngestionJob) bool {
	log := m.logger.With("job_id", job.ID, "remote_job_id", job.RemoteJobID)
	if job.RemoteJobID == "" {
		return false
	}

	state, err := resilience.Call(ctx, m.callTimeout, stepIndexStatus, func(ctx context.Context) (IndexState, error) {
		return m.source.IndexJobStatus(ctx, job.RemoteJobID)
	})
	if err != nil {
		log.Warn("query index status failed", "error", err)
		return false
	}

	var next models.JobStatus
	switch state.Status {
	case IndexCompleted:
		next = models.JobCompleted
	case IndexFailed:
		next = models.JobFailed
		job.ErrorMessage = "indexing failed: " + state.Message
	default:
		return false
	}
	if err := job.Transition(next); err != nil {
		log.Warn("skip index status", "error", err)
		return false
	}
	if err := m.store.SaveJob(ctx, job); err != nil {
		log.Error("persist index status failed", "status", next, "error", err)
		return false
	}
	m.metrics.JobStatus(string(next))
	if m.notifier != nil {
		m.notifier.Notify(ctx, job)
	}
	if next == models.JobCompleted && m.onCompleted != nil {
		m.onCompleted(ctx, job)
	}
	return true
}
