// Package background runs fire-and-forget jobs on a fixed set of workers.
// Submit never blocks: when the queue is full the job is dropped and
// counted, so slow external stores cannot stall the relay path. Jobs with
// the same key run on the same worker, in submission order.
package background

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/whisper/rendezvous/internal/metrics"
)

// ErrStopped is returned by Start on a pool that was already stopped.
var ErrStopped = errors.New("background: pool stopped")

// PoolConfig holds worker pool configuration.
type PoolConfig struct {
	NumWorkers     int
	QueueSize      int
	ProcessTimeout time.Duration
}

// DefaultPoolConfig returns the default pool configuration.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		NumWorkers:     4,
		QueueSize:      1024,
		ProcessTimeout: 5 * time.Second,
	}
}

// Job is one unit of background work. Jobs sharing a Key are ordered; an
// empty Key spreads jobs across workers.
type Job struct {
	Name string
	Key  string
	Run  func(ctx context.Context) error
}

// Pool manages a pool of workers for processing jobs.
type Pool struct {
	config PoolConfig
	queues []chan Job
	next   atomic.Uint32
	wg     sync.WaitGroup
	cancel context.CancelFunc

	mu      sync.RWMutex
	running bool
	stopped bool
}

// NewPool creates a new worker pool.
func NewPool(cfg PoolConfig) *Pool {
	def := DefaultPoolConfig()
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = def.NumWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.ProcessTimeout <= 0 {
		cfg.ProcessTimeout = def.ProcessTimeout
	}
	per := cfg.QueueSize / cfg.NumWorkers
	if per < 1 {
		per = 1
	}
	queues := make([]chan Job, cfg.NumWorkers)
	for i := range queues {
		queues[i] = make(chan Job, per)
	}
	return &Pool{
		config: cfg,
		queues: queues,
	}
}

// Start starts the workers.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return ErrStopped
	}
	if p.running {
		return fmt.Errorf("background: pool is already running")
	}
	p.running = true

	workerCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	for i := range p.queues {
		p.wg.Add(1)
		go func(id int) {
			defer p.wg.Done()
			p.run(workerCtx, id)
		}(i)
	}

	log.Info().Str("module", "background").Int("workers", p.config.NumWorkers).Int("queue", p.config.QueueSize).Msg("worker pool started")
	return nil
}

// Submit queues a job. It reports false when the pool is stopped or the
// queue is full.
func (p *Pool) Submit(job Job) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		metrics.BackgroundJobs.WithLabelValues("dropped").Inc()
		return false
	}
	select {
	case p.queue(job.Key) <- job:
		return true
	default:
		metrics.BackgroundJobs.WithLabelValues("dropped").Inc()
		log.Warn().Str("module", "background").Str("job", job.Name).Msg("queue full, job dropped")
		return false
	}
}

func (p *Pool) queue(key string) chan Job {
	if key == "" {
		return p.queues[int(p.next.Add(1)%uint32(len(p.queues)))]
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return p.queues[int(h.Sum32()%uint32(len(p.queues)))]
}

// run drains one queue until it is closed.
func (p *Pool) run(ctx context.Context, id int) {
	for job := range p.queues[id] {
		p.process(ctx, id, job)
	}
}

func (p *Pool) process(ctx context.Context, id int, job Job) {
	jobCtx, cancel := context.WithTimeout(ctx, p.config.ProcessTimeout)
	defer cancel()

	if err := job.Run(jobCtx); err != nil {
		metrics.BackgroundJobs.WithLabelValues("failed").Inc()
		log.Warn().Str("module", "background").Int("worker", id).Str("job", job.Name).Err(err).Msg("job failed")
		return
	}
	metrics.BackgroundJobs.WithLabelValues("ok").Inc()
}

// Stop stops accepting jobs, lets the workers finish what is queued and
// waits for them until ctx expires. Queued jobs still running at the
// deadline are cancelled.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	wasRunning := p.running
	p.running = false
	for _, q := range p.queues {
		close(q)
	}
	p.mu.Unlock()

	if !wasRunning {
		return nil
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		log.Info().Str("module", "background").Msg("all workers stopped")
		return nil
	case <-ctx.Done():
		p.cancel()
		log.Warn().Str("module", "background").Msg("timeout waiting for workers to stop")
		return ctx.Err()
	}
}

// Pending returns the number of queued jobs.
func (p *Pool) Pending() int {
	n := 0
	for _, q := range p.queues {
		n += len(q)
	}
	return n
}
