// Package pool runs CPU-bound playlist rewrites on a fixed set of workers so
// request goroutines only wait on a result channel.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"hls-proxy/internal/config"
	"hls-proxy/internal/metrics"
	"hls-proxy/internal/model"
	"hls-proxy/internal/playlist"
)

// RewriteFunc transforms playlist text. playlist.Rewrite in production.
type RewriteFunc func(text string, base *url.URL, proxyBase string) string

// Job is one playlist rewrite request.
type Job struct {
	ID        string
	Playlist  string
	Base      *url.URL
	ProxyBase string

	ctx    context.Context
	result chan Result
}

// Result is the outcome of a Job.
type Result struct {
	Text string
	Err  error
}

// Pool is a fixed-size worker pool with a bounded FIFO queue.
type Pool struct {
	size    int
	jobs    chan *Job
	rewrite RewriteFunc
	logger  *slog.Logger
	metrics *metrics.Metrics

	available atomic.Int64
	queued    atomic.Int64

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// New creates a Pool sized from cfg and starts its workers.
// The metrics parameter is optional; pass nil to disable pool metrics.
func New(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *Pool {
	return newPool(cfg.Pool.Size, cfg.Pool.MaxQueue, playlist.Rewrite, logger, m)
}

func newPool(size, maxQueue int, fn RewriteFunc, logger *slog.Logger, m *metrics.Metrics) *Pool {
	if size < 1 {
		size = 1
	}
	if maxQueue < 0 {
		maxQueue = 0
	}

	p := &Pool{
		size:    size,
		jobs:    make(chan *Job, maxQueue),
		rewrite: fn,
		logger:  logger.With("component", "worker_pool"),
		metrics: m,
	}
	p.available.Store(int64(size))

	if m != nil {
		m.RegisterPool(p.Stats)
	}

	p.wg.Add(size)
	for i := 0; i < size; i++ {
		go p.worker(i)
	}

	p.logger.Info("worker pool started", "workers", size, "max_queue", maxQueue)
	return p
}

// NewJob builds a rewrite job for the given playlist.
func NewJob(text string, base *url.URL, proxyBase string) *Job {
	return &Job{
		ID:        uuid.NewString(),
		Playlist:  text,
		Base:      base,
		ProxyBase: proxyBase,
	}
}

// Submit enqueues job and returns the channel its single Result is delivered on.
// It never blocks: a full queue yields model.ErrPoolExhausted. Cancelling ctx
// before a worker picks the job up skips the work; afterwards the result is
// simply not read.
func (p *Pool) Submit(ctx context.Context, job *Job) (<-chan Result, error) {
	job.ctx = ctx
	job.result = make(chan Result, 1)

	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return nil, model.ErrPoolClosed
	}

	p.queued.Add(1)
	select {
	case p.jobs <- job:
		return job.result, nil
	default:
		p.queued.Add(-1)
		p.observe("rejected", 0)
		return nil, model.ErrPoolExhausted
	}
}

// Stats returns a live snapshot of pool capacity.
func (p *Pool) Stats() model.PoolStats {
	return model.PoolStats{
		ThreadsTotal:     p.size,
		ThreadsAvailable: int(p.available.Load()),
		QueueDepth:       int(p.queued.Load()),
	}
}

// Shutdown stops accepting jobs, lets queued and in-flight jobs finish, and
// waits for the workers to exit or ctx to expire.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.jobs)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool drained")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain worker pool: %w", ctx.Err())
	}
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for job := range p.jobs {
		p.queued.Add(-1)
		p.available.Add(-1)
		job.result <- p.run(id, job)
		p.available.Add(1)
	}
}

func (p *Pool) run(id int, job *Job) (res Result) {
	if err := job.ctx.Err(); err != nil {
		p.observe("canceled", 0)
		return Result{Err: err}
	}

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("rewrite job panicked",
				"worker", id,
				"job_id", job.ID,
				"panic", r,
			)
			p.observe("failed", time.Since(start))
			res = Result{Err: fmt.Errorf("%w: %v", model.ErrRewriteFailed, r)}
		}
	}()

	text := p.rewrite(job.Playlist, job.Base, job.ProxyBase)
	p.observe("ok", time.Since(start))
	p.logger.Debug("rewrite job done",
		"worker", id,
		"job_id", job.ID,
		"bytes_in", len(job.Playlist),
		"bytes_out", len(text),
	)
	return Result{Text: text}
}

func (p *Pool) observe(outcome string, d time.Duration) {
	if p.metrics == nil {
		return
	}
	p.metrics.PoolJobs.WithLabelValues(outcome).Inc()
	if d > 0 {
		p.metrics.PoolJobDuration.Observe(d.Seconds())
	}
}
