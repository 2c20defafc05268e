package worker

import (
	"container/list"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/SoulEchoPlan/soul-echo-sub000/internal/logger"
)

// Config sizes a Dispatcher.
type Config struct {
	MinWorkers  int
	MaxWorkers  int
	QueueSize   int
	IdleTimeout time.Duration
}

type keyQueue struct {
	jobs     []Job
	enqueued bool // listed in ready
	running  bool // a job of this key is on a worker
}

// Dispatcher feeds jobs to an elastic worker pool, rotating between keys.
// At most one job per key is on a worker at a time, so a key whose job
// blocks never holds more than one worker.
type Dispatcher struct {
	pool       *jobChannelPool
	jobQueue   chan Job
	wake       chan struct{}
	quit       chan struct{}
	closed     atomic.Bool
	stopOnce   sync.Once
	maxBacklog int
	logger     *slog.Logger

	mu        sync.Mutex
	queues    map[string]*keyQueue
	ready     *list.List // keys with a dispatchable job, least recently served first
	positions map[string]*list.Element
	backlog   int // jobs moved off jobQueue but not yet dispatched
}

func NewDispatcher(cfg Config) *Dispatcher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	log := logger.WithComponent("worker")
	d := &Dispatcher{
		pool:      newJobChannelPool(cfg.MinWorkers, cfg.MaxWorkers, cfg.IdleTimeout, log),
		jobQueue:   make(chan Job, cfg.QueueSize),
		wake:       make(chan struct{}, 1),
		quit:       make(chan struct{}),
		maxBacklog: cfg.QueueSize,
		logger:     log,
		queues:     make(map[string]*keyQueue),
		ready:      list.New(),
		positions:  make(map[string]*list.Element),
	}
	for i := 0; i < d.pool.min; i++ {
		d.pool.spawnWorker()
	}
	go d.run()
	return d
}

// Submit queues job without blocking.
func (d *Dispatcher) Submit(job Job) error {
	if d.closed.Load() {
		return ErrDispatcherClosed
	}
	select {
	case d.jobQueue <- job:
		return nil
	default:
		return ErrDispatcherBusy
	}
}

// Stop stops dispatching. Jobs already running finish; queued jobs are dropped.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		d.closed.Store(true)
		close(d.quit)
		d.pool.close()
	})
}

// Workers reports the number of live workers.
func (d *Dispatcher) Workers() int {
	return d.pool.size()
}

// run moves submitted jobs into per-key queues and dispatches ready keys.
// It stops reading jobQueue while the backlog is full so Submit reports
// ErrDispatcherBusy instead of queueing without bound.
func (d *Dispatcher) run() {
	for {
		for d.dispatchOne() {
		}
		var in chan Job
		if d.pendingJobs() < d.maxBacklog {
			in = d.jobQueue
		}
		select {
		case job := <-in:
			d.enqueueJob(job)
		case <-d.wake:
		case <-d.quit:
			return
		}
	}
}

func (d *Dispatcher) pendingJobs() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.backlog
}

func (d *Dispatcher) enqueueJob(job Job) {
	d.mu.Lock()
	defer d.mu.Unlock()

	q := d.queues[job.Key]
	if q == nil {
		q = &keyQueue{}
		d.queues[job.Key] = q
	}
	q.jobs = append(q.jobs, job)
	d.backlog++
	if q.enqueued || q.running {
		return
	}
	q.enqueued = true
	d.positions[job.Key] = d.ready.PushBack(job.Key)
}

// dispatchOne hands the next job of the front key to a worker. The key
// leaves the ready list until that job finishes.
func (d *Dispatcher) dispatchOne() bool {
	d.mu.Lock()
	elem := d.ready.Front()
	if elem == nil {
		d.mu.Unlock()
		return false
	}
	key := elem.Value.(string)
	q := d.queues[key]
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	q.enqueued = false
	q.running = true
	d.ready.Remove(elem)
	delete(d.positions, key)
	d.backlog--
	d.mu.Unlock()

	ch := d.pool.acquire()
	if ch == nil {
		return false
	}
	run := job.Run
	job.Run = func() {
		defer d.finish(key)
		if run != nil {
			run()
		}
	}
	d.logger.Debug("dispatch job", "key", key)
	ch <- job
	return true
}

// finish marks key idle and puts it back in rotation when it has more work.
func (d *Dispatcher) finish(key string) {
	d.mu.Lock()
	q := d.queues[key]
	if q == nil {
		d.mu.Unlock()
		return
	}
	q.running = false
	if len(q.jobs) == 0 {
		delete(d.queues, key)
		d.mu.Unlock()
		return
	}
	q.enqueued = true
	d.positions[key] = d.ready.PushBack(key)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}
