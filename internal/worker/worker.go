package worker

import (
	"log/slog"
	"runtime/debug"
)

type Worker struct {
	pool       *jobChannelPool
	jobChannel chan Job
	logger     *slog.Logger
}

func newWorker(pool *jobChannelPool) *Worker {
	return &Worker{
		pool:       pool,
		jobChannel: make(chan Job),
		logger:     pool.logger,
	}
}

// start parks the worker in the idle list and runs jobs handed to it until
// it is told to stop or the pool refuses to take it back.
func (w *Worker) start() {
	go func() {
		defer w.pool.retire(w.jobChannel)
		for {
			if !w.pool.release(w.jobChannel) {
				return
			}
			job := <-w.jobChannel
			if job.stop {
				return
			}
			w.run(job)
		}
	}()
}

func (w *Worker) run(job Job) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("job panicked", "key", job.Key, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	if job.Run != nil {
		job.Run()
	}
}
