// Package ingestion moves uploaded character documents through the remote
// indexing protocol on a bounded worker pool.
package ingestion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/SoulEchoPlan/soul-echo-sub000/internal/logger"
	"github.com/SoulEchoPlan/soul-echo-sub000/internal/metrics"
	"github.com/SoulEchoPlan/soul-echo-sub000/internal/models"
	"github.com/SoulEchoPlan/soul-echo-sub000/internal/resilience"
)

const (
	DefaultCallTimeout = 2 * time.Minute
	defaultQueueSize   = 64
)

// Protocol steps, as named in failure messages and metrics.
const (
	StepLease    = "apply upload lease"
	StepUpload   = "upload file"
	StepRegister = "register file"
	StepIndex    = "submit index job"
	StepPersist  = "persist status"
)

var (
	ErrQueueClosed       = errors.New("ingestion pipeline closed")
	ErrJobStoreRequired  = errors.New("job store required")
	ErrRemoteRequired    = errors.New("remote ingestion service required")
	ErrJobNotSubmittable = errors.New("only UPLOADING jobs can be submitted")
)

type JobStore interface {
	SaveJob(ctx context.Context, job *models.IngestionJob) error
	FindJob(ctx context.Context, id string) (*models.IngestionJob, error)
}

// StatusNotifier is told about every persisted status change.
type StatusNotifier interface {
	Notify(ctx context.Context, job *models.IngestionJob)
}

type Pipeline struct {
	store       JobStore
	remote      RemoteService
	pool        *ants.Pool
	queue       chan *models.IngestionJob
	callTimeout time.Duration
	notifier    StatusNotifier
	metrics     *metrics.Metrics
	logger      *slog.Logger

	workers   int
	queueSize int

	mu       sync.RWMutex // guards closed against sends on queue
	closed   bool
	running  sync.WaitGroup
	done     chan struct{}
	inflight sync.Map // job id -> struct{}
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithWorkers sets the number of concurrent jobs. Default is runtime.NumCPU().
func WithWorkers(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.workers = n
		}
	}
}

func WithQueueSize(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.queueSize = n
		}
	}
}

// WithCallTimeout bounds every remote call of the protocol.
func WithCallTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.callTimeout = d
		}
	}
}

func WithNotifier(n StatusNotifier) Option {
	return func(p *Pipeline) {
		p.notifier = n
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) {
		p.metrics = m
	}
}

func NewPipeline(store JobStore, remote RemoteService, opts ...Option) (*Pipeline, error) {
	if store == nil {
		return nil, ErrJobStoreRequired
	}
	if remote == nil {
		return nil, ErrRemoteRequired
	}
	p := &Pipeline{
		store:       store,
		remote:      remote,
		callTimeout: DefaultCallTimeout,
		workers:     runtime.NumCPU(),
		queueSize:   defaultQueueSize,
		logger:      logger.WithComponent("ingestion"),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	pool, err := ants.NewPool(p.workers)
	if err != nil {
		return nil, fmt.Errorf("create ingestion pool: %w", err)
	}
	p.pool = pool
	p.queue = make(chan *models.IngestionJob, p.queueSize)
	go p.dispatch()
	return p, nil
}

// Submit hands the job to the pool and returns at once. When the queue is
// full the job runs on the calling goroutine instead, so nothing is dropped
// and the backlog stays bounded.
func (p *Pipeline) Submit(job *models.IngestionJob) error {
	if job == nil {
		return errors.New("nil job")
	}
	if job.Status != models.JobUploading {
		return fmt.Errorf("%w: job %s is %s", ErrJobNotSubmittable, job.ID, job.Status)
	}

	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return ErrQueueClosed
	}
	p.inflight.Store(job.ID, struct{}{})
	select {
	case p.queue <- job:
		p.mu.RUnlock()
		return nil
	default:
	}
	p.running.Add(1)
	p.mu.RUnlock()

	p.logger.Warn("ingestion queue full, running job on caller", "job_id", job.ID)
	defer p.running.Done()
	p.Process(context.Background(), job)
	return nil
}

// InFlight reports whether the job was submitted and has not finished yet.
func (p *Pipeline) InFlight(jobID string) bool {
	_, ok := p.inflight.Load(jobID)
	return ok
}

// Release stops accepting jobs, waits for queued and running jobs to finish
// and frees the pool.
func (p *Pipeline) Release() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	<-p.done
	p.running.Wait()
	p.pool.Release()
}

func (p *Pipeline) dispatch() {
	defer close(p.done)
	for job := range p.queue {
		job := job
		p.running.Add(1)
		err := p.pool.Submit(func() {
			defer p.running.Done()
			p.Process(context.Background(), job)
		})
		if err != nil {
			p.logger.Warn("pool rejected job, running inline", "job_id", job.ID, "error", err)
			p.Process(context.Background(), job)
			p.running.Done()
		}
	}
}

// Process runs the protocol for one job. The job ends INDEXING or FAILED,
// is persisted once, and its local file is removed exactly once.
func (p *Pipeline) Process(ctx context.Context, job *models.IngestionJob) {
	log := p.logger.With("job_id", job.ID, "character_id", job.CharacterID)
	defer p.inflight.Delete(job.ID)
	defer p.removeLocalFile(log, job)

	lease, err := resilience.Call(ctx, p.callTimeout, StepLease, func(ctx context.Context) (*Lease, error) {
		return p.remote.ApplyLease(ctx, LeaseRequest{
			FileName: job.OriginalFileName,
			MD5:      job.MD5,
			Size:     job.SizeBytes,
		})
	})
	if err != nil {
		p.fail(ctx, log, job, StepLease, err)
		return
	}

	err = resilience.WithTimeout(ctx, p.callTimeout, StepUpload, func(ctx context.Context) error {
		return p.remote.Upload(ctx, lease, job.LocalFilePath)
	})
	if err != nil {
		p.fail(ctx, log, job, StepUpload, err)
		return
	}

	fileID, err := resilience.Call(ctx, p.callTimeout, StepRegister, func(ctx context.Context) (string, error) {
		return p.remote.RegisterFile(ctx, lease.LeaseID)
	})
	if err == nil {
		err = job.SetRemoteFileID(fileID)
	}
	if err != nil {
		p.fail(ctx, log, job, StepRegister, err)
		return
	}

	remoteJobID, err := resilience.Call(ctx, p.callTimeout, StepIndex, func(ctx context.Context) (string, error) {
		return p.remote.SubmitIndexJob(ctx, fileID)
	})
	if err == nil {
		err = job.SetRemoteJobID(remoteJobID)
	}
	if err != nil {
		p.fail(ctx, log, job, StepIndex, err)
		return
	}

	if err := job.Transition(models.JobIndexing); err != nil {
		p.fail(ctx, log, job, StepPersist, err)
		return
	}
	if err := p.store.SaveJob(ctx, job); err != nil {
		p.metrics.StepFailed(StepPersist)
		log.Error("persist indexing status failed", "remote_file_id", fileID, "remote_job_id", remoteJobID, "error", err)
		return
	}
	p.metrics.JobStatus(string(models.JobIndexing))
	p.notify(ctx, job)
	log.Info("document handed to indexer", "remote_file_id", fileID, "remote_job_id", remoteJobID)
}

// fail records the failing step on the job and persists FAILED.
func (p *Pipeline) fail(ctx context.Context, log *slog.Logger, job *models.IngestionJob, step string, cause error) {
	p.metrics.StepFailed(step)
	log.Warn("ingestion step failed", "step", step, "error", cause)

	job.ErrorMessage = fmt.Sprintf("%s failed: %v", step, cause)
	if err := job.Transition(models.JobFailed); err != nil {
		log.Error("cannot mark job failed", "error", err)
		return
	}
	if err := p.store.SaveJob(ctx, job); err != nil {
		log.Error("persist failed status failed", "error", err)
		return
	}
	p.metrics.JobStatus(string(models.JobFailed))
	p.notify(ctx, job)
}

func (p *Pipeline) notify(ctx context.Context, job *models.IngestionJob) {
	if p.notifier != nil {
		p.notifier.Notify(ctx, job)
	}
}

func (p *Pipeline) removeLocalFile(log *slog.Logger, job *models.IngestionJob) {
	if job.LocalFilePath == "" {
		return
	}
	if err := os.Remove(job.LocalFilePath); err != nil && !os.IsNotExist(err) {
		log.Warn("remove local file failed", "path", job.LocalFilePath, "error", err)
	}
}
