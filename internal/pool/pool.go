// Package pool implements the bounded-concurrency executor that fronts a
// local command-line backend. Admission either starts work immediately,
// queues it FIFO behind a bounded queue, or refuses it outright.
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fairyhunter13/llm-gateway/internal/domain"
)

// Config holds pool limits. MaxConcurrent must be >= 1, QueueDepth >= 0.
type Config struct {
	MaxConcurrent    int
	QueueDepth       int
	QueueItemTimeout time.Duration // default 30s
	SweepInterval    time.Duration // default 5s
}

// Task is one unit of work executed under the concurrency bound.
type Task func(ctx context.Context) (domain.ChatResponse, error)

// Result is the outcome delivered through a Future.
type Result struct {
	Resp domain.ChatResponse
	Err  error
}

// Future resolves with the task's result exactly once.
type Future struct {
	ch chan Result
}

// Wait blocks until the task resolves or ctx is done.
func (f *Future) Wait(ctx context.Context) (domain.ChatResponse, error) {
	select {
	case res := <-f.ch:
		return res.Resp, res.Err
	case <-ctx.Done():
		return domain.ChatResponse{}, ctx.Err()
	}
}

type item struct {
	task     Task
	ctx      context.Context
	enqueued time.Time
	fut      *Future
}

// Stats is an observability snapshot of the pool.
type Stats struct {
	Active        int     `json:"active"`
	Queued        int     `json:"queued"`
	MaxConcurrent int     `json:"max_concurrent"`
	QueueDepth    int     `json:"queue_depth"`
	Processed     int64   `json:"processed"`
	QueuedTotal   int64   `json:"queued_total"`
	Failed        int64   `json:"failed"`
	Utilization   float64 `json:"utilization"`
}

// Pool is a bounded-concurrency executor. One pool exists per local
// adapter and dies with it.
type Pool struct {
	cfg Config

	mu          sync.Mutex
	active      int
	queue       []*item
	draining    bool
	closed      bool
	processed   int64
	queuedTotal int64
	failed      int64

	wg        sync.WaitGroup
	stopSweep chan struct{}
}

// New starts a pool and its queue-timeout sweeper.
func New(cfg Config) *Pool {
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 1
	}
	if cfg.QueueDepth < 0 {
		cfg.QueueDepth = 0
	}
	if cfg.QueueItemTimeout <= 0 {
		cfg.QueueItemTimeout = 30 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Second
	}
	p := &Pool{cfg: cfg, stopSweep: make(chan struct{})}
	go p.sweepLoop()
	return p
}

// Submit admits work: start immediately under the concurrency bound, queue
// behind the bounded queue, or refuse with ErrPoolClosed/ErrQueueFull.
func (p *Pool) Submit(ctx context.Context, task Task) (*Future, error) {
	fut := &Future{ch: make(chan Result, 1)}
	p.mu.Lock()
	switch {
	case p.closed:
		p.mu.Unlock()
		return nil, fmt.Errorf("op=pool.submit: %w", domain.ErrPoolClosed)
	case p.active < p.cfg.MaxConcurrent:
		p.active++
		p.wg.Add(1)
		p.mu.Unlock()
		go p.run(&item{task: task, ctx: ctx, fut: fut})
		return fut, nil
	case len(p.queue) < p.cfg.QueueDepth:
		p.queue = append(p.queue, &item{task: task, ctx: ctx, enqueued: time.Now(), fut: fut})
		p.queuedTotal++
		p.mu.Unlock()
		return fut, nil
	default:
		p.mu.Unlock()
		return nil, fmt.Errorf("op=pool.submit: %w", domain.ErrQueueFull)
	}
}

// Do submits the task and waits for its result.
func (p *Pool) Do(ctx context.Context, task Task) (domain.ChatResponse, error) {
	fut, err := p.Submit(ctx, task)
	if err != nil {
		return domain.ChatResponse{}, err
	}
	return fut.Wait(ctx)
}

// WouldReject reports whether a Submit right now would fail. The router
// uses this as its capacity filter.
func (p *Pool) WouldReject() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return true
	}
	return p.active >= p.cfg.MaxConcurrent && len(p.queue) >= p.cfg.QueueDepth
}

// Stats returns a snapshot of pool state.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Active:        p.active,
		Queued:        len(p.queue),
		MaxConcurrent: p.cfg.MaxConcurrent,
		QueueDepth:    p.cfg.QueueDepth,
		Processed:     p.processed,
		QueuedTotal:   p.queuedTotal,
		Failed:        p.failed,
		Utilization:   float64(p.active) / float64(p.cfg.MaxConcurrent),
	}
}

// Shutdown refuses new submissions, fails all queued futures with
// ErrPoolClosed, waits for active work up to ctx's deadline, and stops the
// sweeper.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	dropped := p.queue
	p.queue = nil
	p.failed += int64(len(dropped))
	p.mu.Unlock()

	for _, it := range dropped {
		it.fut.ch <- Result{Err: fmt.Errorf("op=pool.shutdown: %w", domain.ErrPoolClosed)}
	}
	close(p.stopSweep)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("op=pool.shutdown: drain grace exceeded: %w", ctx.Err())
	}
}

func (p *Pool) run(it *item) {
	defer p.wg.Done()
	var res Result
	if err := it.ctx.Err(); err != nil {
		res = Result{Err: err}
	} else {
		resp, err := it.task(it.ctx)
		res = Result{Resp: resp, Err: err}
	}

	p.mu.Lock()
	p.active--
	if res.Err != nil {
		p.failed++
	} else {
		p.processed++
	}
	p.mu.Unlock()

	it.fut.ch <- res
	p.drain()
}

// drain dispatches queued items while capacity allows. The guard keeps a
// single drainer at a time so concurrent completions cannot double-start
// or lose the "start one more" decision.
func (p *Pool) drain() {
	p.mu.Lock()
	if p.draining || p.closed {
		p.mu.Unlock()
		return
	}
	p.draining = true
	var started []*item
	for p.active < p.cfg.MaxConcurrent && len(p.queue) > 0 {
		it := p.queue[0]
		p.queue = p.queue[1:]
		p.active++
		p.wg.Add(1)
		started = append(started, it)
	}
	p.draining = false
	p.mu.Unlock()

	for _, it := range started {
		go p.run(it)
	}
}

func (p *Pool) sweepLoop() {
	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.sweep(time.Now())
		case <-p.stopSweep:
			return
		}
	}
}

// sweep fails queued items older than QueueItemTimeout with ErrQueueTimeout.
func (p *Pool) sweep(now time.Time) {
	p.mu.Lock()
	var kept, expired []*item
	for _, it := range p.queue {
		if now.Sub(it.enqueued) > p.cfg.QueueItemTimeout {
			expired = append(expired, it)
		} else {
			kept = append(kept, it)
		}
	}
	p.queue = kept
	p.failed += int64(len(expired))
	p.mu.Unlock()

	for _, it := range expired {
		it.fut.ch <- Result{Err: fmt.Errorf("op=pool.sweep: %w", domain.ErrQueueTimeout)}
	}
}
