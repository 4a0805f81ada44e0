// Package workerpool runs refresh work on a fixed number of goroutines fed by
// a bounded queue. Submission never blocks.
package workerpool

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/breeze-rmm/nativesys/internal/logging"
)

var log = logging.L("workerpool")

var (
	ErrStopped   = errors.New("worker pool is not accepting tasks")
	ErrQueueFull = errors.New("worker pool queue is full")
	// ErrBusy means a task with the same key is already queued or running.
	ErrBusy = errors.New("task with this key is already pending")
)

// Task receives the pool context, which is cancelled when a drain gives up
// or completes.
type Task func(ctx context.Context)

type item struct {
	key  string
	task Task
}

// Pool is a bounded goroutine pool with a fixed-size task queue.
type Pool struct {
	workers   int
	queue     chan item
	wg        sync.WaitGroup
	accepting atomic.Bool
	stopOnce  sync.Once
	closeOnce sync.Once
	stopChan  chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	pending map[string]struct{}

	submitted atomic.Uint64
	rejected  atomic.Uint64
	busy      atomic.Uint64
}

type Stats struct {
	Workers   int    `json:"workers" yaml:"workers"`
	Queued    int    `json:"queued" yaml:"queued"`
	Pending   int    `json:"pending" yaml:"pending"`
	Submitted uint64 `json:"submitted" yaml:"submitted"`
	Rejected  uint64 `json:"rejected" yaml:"rejected"`
	Busy      uint64 `json:"busy" yaml:"busy"`
}

// New creates a pool with the given number of workers and queue capacity.
func New(workers, queueSize int) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		workers:  workers,
		queue:    make(chan item, queueSize),
		stopChan: make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
		pending:  make(map[string]struct{}),
	}
	p.accepting.Store(true)

	for i := 0; i < workers; i++ {
		go p.worker()
	}

	log.Info("worker pool started", "workers", workers, "queueSize", queueSize)
	return p
}

// Submit enqueues an unkeyed task.
func (p *Pool) Submit(task Task) error {
	return p.enqueue(item{task: task})
}

// SubmitKeyed enqueues task unless another task with the same key is still
// queued or running, in which case it returns ErrBusy.
func (p *Pool) SubmitKeyed(key string, task Task) error {
	p.mu.Lock()
	if _, ok := p.pending[key]; ok {
		p.mu.Unlock()
		p.busy.Add(1)
		return ErrBusy
	}
	p.pending[key] = struct{}{}
	p.mu.Unlock()

	err := p.enqueue(item{key: key, task: task})
	if err != nil {
		p.release(key)
	}
	return err
}

// enqueue calls wg.Add before the send so Drain cannot miss the task.
func (p *Pool) enqueue(it item) error {
	if !p.accepting.Load() {
		p.rejected.Add(1)
		return ErrStopped
	}

	p.wg.Add(1)
	select {
	case p.queue <- it:
		p.submitted.Add(1)
		return nil
	default:
		p.wg.Done()
		p.rejected.Add(1)
		log.Debug("worker pool queue full, task rejected", "key", it.key)
		return ErrQueueFull
	}
}

func (p *Pool) release(key string) {
	if key == "" {
		return
	}
	p.mu.Lock()
	delete(p.pending, key)
	p.mu.Unlock()
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	pending := len(p.pending)
	p.mu.Unlock()
	return Stats{
		Workers:   p.workers,
		Queued:    len(p.queue),
		Pending:   pending,
		Submitted: p.submitted.Load(),
		Rejected:  p.rejected.Load(),
		Busy:      p.busy.Load(),
	}
}

// Shutdown stops accepting tasks and waits for queued and running ones until
// ctx is done. If the deadline passes first, the context handed to tasks is
// cancelled so they can abandon native calls early.
func (p *Pool) Shutdown(ctx context.Context) {
	p.accepting.Store(false)
	p.stopOnce.Do(func() {
		close(p.stopChan)
	})

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("worker pool drained")
	case <-ctx.Done():
		log.Warn("worker pool drain timed out", "pending", p.Stats().Pending)
	}

	p.cancel()
	p.closeOnce.Do(func() {
		close(p.queue)
	})
}

func (p *Pool) worker() {
	for {
		select {
		case it, ok := <-p.queue:
			if !ok {
				return
			}
			p.run(it)
		case <-p.stopChan:
			for {
				select {
				case it, ok := <-p.queue:
					if !ok {
						return
					}
					p.run(it)
				default:
					return
				}
			}
		}
	}
}

// run executes one task with panic recovery and pairs with the wg.Add in
// enqueue.
func (p *Pool) run(it item) {
	defer p.wg.Done()
	defer p.release(it.key)
	defer func() {
		if r := recover(); r != nil {
			log.Error("task panicked", "key", it.key, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	it.task(p.ctx)
}
