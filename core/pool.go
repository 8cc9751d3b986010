package core

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	apperrors "github.com/Skryldev/derivcache/errors"
)

// Task is a unit of work run by the Pool.
type Task func(ctx context.Context) error

type poolJob struct {
	ctx  context.Context //nolint:containedctx // carried to the worker
	task Task
	done chan error
}

// Pool bounds how many derivatives are produced at once. It is safe for
// concurrent use.
type Pool struct {
	workers    int
	jobTimeout time.Duration

	jobQueue chan poolJob
	wg       sync.WaitGroup
	once     sync.Once
	stopOnce sync.Once
	shutdown chan struct{}

	// mu orders enqueues against Stop: senders hold it shared, Stop takes
	// it exclusively before closing shutdown, so no job lands in the queue
	// after the final drain.
	mu      sync.RWMutex
	stopped bool

	processedCount int64
	errorCount     int64
}

// NewPool creates a Pool. workers <= 0 resolves to runtime.NumCPU();
// queueSize <= 0 resolves to 256.
func NewPool(workers, queueSize int, jobTimeout time.Duration) *Pool {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Pool{
		workers:    workers,
		jobTimeout: jobTimeout,
		jobQueue:   make(chan poolJob, queueSize),
		shutdown:   make(chan struct{}),
	}
}

// Start launches the workers. It is idempotent.
func (p *Pool) Start() {
	p.once.Do(func() {
		for i := 0; i < p.workers; i++ {
			p.wg.Add(1)
			go p.worker()
		}
	})
}

// Stop shuts down all workers and waits for running tasks. Queued tasks that
// never started fail with ErrWorkerPoolFull.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.stopped = true
		close(p.shutdown)
		p.mu.Unlock()
		p.wg.Wait()
		for {
			select {
			case job := <-p.jobQueue:
				job.done <- apperrors.New(apperrors.CategoryPipeline, "pool.stop", apperrors.ErrWorkerPoolFull)
			default:
				return
			}
		}
	})
}

// Do queues task and waits for it to finish. Queueing gives up when ctx is
// done; once a task has started Do always waits for it, so the task never
// outlives the caller's writer. After Stop, Do fails with ErrWorkerPoolFull.
func (p *Pool) Do(ctx context.Context, task Task) error {
	p.Start()
	job := poolJob{ctx: ctx, task: task, done: make(chan error, 1)}

	p.mu.RLock()
	if p.stopped {
		p.mu.RUnlock()
		return apperrors.New(apperrors.CategoryPipeline, "pool.do", apperrors.ErrWorkerPoolFull)
	}
	select {
	case <-ctx.Done():
		p.mu.RUnlock()
		return apperrors.Wrap(apperrors.CategoryPipeline, "pool.do", ctx.Err())
	case p.jobQueue <- job:
	}
	p.mu.RUnlock()
	return <-job.done
}

// ── worker pool internals ──────────────────────────────────────────────────────

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.shutdown:
			return
		case job := <-p.jobQueue:
			p.run(job)
		}
	}
}

func (p *Pool) run(job poolJob) {
	ctx := job.ctx
	if p.jobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.jobTimeout)
		defer cancel()
	}
	var err error
	if err = ctx.Err(); err == nil {
		err = job.task(ctx)
	}
	if err != nil {
		atomic.AddInt64(&p.errorCount, 1)
	} else {
		atomic.AddInt64(&p.processedCount, 1)
	}
	job.done <- err
}

// ProcessedCount returns the number of tasks that finished without error.
func (p *Pool) ProcessedCount() int64 { return atomic.LoadInt64(&p.processedCount) }

// ErrorCount returns the number of tasks that failed.
func (p *Pool) ErrorCount() int64 { return atomic.LoadInt64(&p.errorCount) }
