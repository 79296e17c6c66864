package async

import (
	"sync"
	"sync/atomic"

	"maestro/internal/logging"
)

// Pool is a supervised worker pool with a fixed-size queue. Jobs submitted
// beyond capacity are dropped and counted rather than spawning unbounded
// goroutines; every job runs under panic recovery.
type Pool struct {
	name   string
	jobs   chan func()
	wg     sync.WaitGroup
	logger logging.Logger

	dropped   atomic.Int64
	submitted atomic.Int64

	mu     sync.RWMutex
	closed bool
}

// NewPool starts workers goroutines draining a queue of queueSize jobs.
func NewPool(name string, workers, queueSize int, logger logging.Logger) *Pool {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	p := &Pool{
		name:   name,
		jobs:   make(chan func(), queueSize),
		logger: logging.OrNop(logger),
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for job := range p.jobs {
		func() {
			defer Recover(p.logger, p.name)
			job()
		}()
	}
}

// Submit enqueues a job without blocking. Returns false when the pool is
// closed or the queue is full; the drop is logged and counted.
func (p *Pool) Submit(job func()) bool {
	if job == nil {
		return false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	select {
	case p.jobs <- job:
		p.submitted.Add(1)
		return true
	default:
		n := p.dropped.Add(1)
		p.logger.Warn("pool %s: queue full, dropped job (total dropped %d)", p.name, n)
		return false
	}
}

// Dropped returns the number of jobs rejected because the queue was full.
func (p *Pool) Dropped() int64 {
	return p.dropped.Load()
}

// Close stops accepting work and waits for in-flight jobs to finish.
// Safe to call multiple times.
func (p *Pool) Close() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.jobs)
	}
	p.mu.Unlock()
	p.wg.Wait()
}
