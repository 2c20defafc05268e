package ingestion

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/SoulEchoPlan/soul-echo-sub000/internal/logger"
	"github.com/SoulEchoPlan/soul-echo-sub000/internal/metrics"
	"github.com/SoulEchoPlan/soul-echo-sub000/internal/models"
)

const (
	DefaultStaleJobTTL   = 24 * time.Hour
	DefaultSweepInterval = time.Hour
)

type janitorStore interface {
	JobStore
	ListStaleJobs(ctx context.Context, status models.JobStatus, before time.Time) ([]*models.IngestionJob, error)
}

// inFlightChecker is satisfied by *Pipeline.
type inFlightChecker interface {
	InFlight(jobID string) bool
}

// Janitor fails UPLOADING jobs left behind by a crash or restart and removes
// their local files.
type Janitor struct {
	store    janitorStore
	pipeline inFlightChecker
	ttl      time.Duration
	notifier StatusNotifier
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

func NewJanitor(store janitorStore, pipeline inFlightChecker, ttl time.Duration, notifier StatusNotifier, m *metrics.Metrics) *Janitor {
	if ttl <= 0 {
		ttl = DefaultStaleJobTTL
	}
	return &Janitor{
		store:    store,
		pipeline: pipeline,
		ttl:      ttl,
		notifier: notifier,
		metrics:  m,
		logger:   logger.WithComponent("ingestion-janitor"),
		now:      time.Now,
	}
}

func (j *Janitor) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n, err := j.SweepOnce(ctx); err != nil {
				j.logger.Error("stale job sweep failed", "error", err)
			} else if n > 0 {
				j.logger.Info("stale jobs failed", "count", n)
			}
		}
	}
}

// SweepOnce fails every stale UPLOADING job that is not still being
// processed and returns how many it failed.
func (j *Janitor) SweepOnce(ctx context.Context) (int, error) {
	cutoff := j.now().UTC().Add(-j.ttl)
	jobs, err := j.store.ListStaleJobs(ctx, models.JobUploading, cutoff)
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, job := range jobs {
		if j.pipeline != nil && j.pipeline.InFlight(job.ID) {
			continue
		}
		log := j.logger.With("job_id", job.ID)
		job.ErrorMessage = fmt.Sprintf("abandoned in %s for more than %s", job.Status, j.ttl)
		if err := job.Transition(models.JobFailed); err != nil {
			log.Warn("skip stale job", "error", err)
			continue
		}
		if err := j.store.SaveJob(ctx, job); err != nil {
			log.Error("persist stale job failed", "error", err)
			continue
		}
		if job.LocalFilePath != "" {
			if err := os.Remove(job.LocalFilePath); err != nil && !os.IsNotExist(err) {
				log.Warn("remove orphaned file failed", "path", job.LocalFilePath, "error", err)
			}
		}
		j.metrics.JobStatus(string(models.JobFailed))
		if j.notifier != nil {
			j.notifier.Notify(ctx, job)
		}
		swept++
	}
	return swept, nil
}
