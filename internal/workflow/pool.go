package workflow

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ariefcatur/order-fulfillment/internal/logging"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var ErrPoolClosed = errors.New("workflow: pool closed")

// Pool is the in-process Runner: a fixed set of workers reading from one job
// queue. A stage's successor is queued only after the stage finished, so tasks
// of one chain never overlap while different chains run in parallel. A task in
// retry backoff waits on a timer, not on a worker.
type Pool struct {
	exec    *Executor
	workers int
	jobs    chan poolJob

	ctx     context.Context
	done    chan struct{}
	stop    sync.Once
	running sync.WaitGroup
	chains  sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	timers  map[*time.Timer]struct{}
	senders sync.WaitGroup
}

type poolJob struct {
	chainID string
	tasks   []StageTask
	idx     int
	attempt int
}

func NewPool(exec *Executor, workers, queueSize int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &Pool{
		exec:    exec,
		workers: workers,
		jobs:    make(chan poolJob, queueSize),
		done:    make(chan struct{}),
		timers:  map[*time.Timer]struct{}{},
	}
}

// Start launches the workers. They stop when ctx is cancelled or Stop is called.
func (p *Pool) Start(ctx context.Context) {
	p.ctx = ctx
	for i := 0; i < p.workers; i++ {
		p.running.Add(1)
		go func() {
			defer p.running.Done()
			for {
				select {
				case j := <-p.jobs:
					p.run(j)
				case <-p.done:
					return
				case <-ctx.Done():
					return
				}
			}
		}()
	}
	go func() {
		select {
		case <-ctx.Done():
			p.Stop()
		case <-p.done:
		}
	}()
}

func (p *Pool) EnqueueChain(ctx context.Context, tasks []StageTask) error {
	if len(tasks) == 0 {
		return nil
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.chains.Add(1)
	p.senders.Add(1)
	p.mu.Unlock()
	defer p.senders.Done()

	j := poolJob{chainID: uuid.NewString(), tasks: tasks, attempt: 1}
	select {
	case p.jobs <- j:
		return nil
	case <-p.done:
		p.chains.Done()
		return ErrPoolClosed
	case <-ctx.Done():
		p.chains.Done()
		return ctx.Err()
	}
}

func (p *Pool) run(j poolJob) {
	t := j.tasks[j.idx]
	next, res, delay := p.exec.Step(p.ctx, j.chainID, t, j.attempt)
	switch {
	case res == ResultRetry:
		j.attempt++
		p.later(j, delay)
		return
	case res == ResultDone && j.idx+1 < len(j.tasks):
		nj := poolJob{chainID: j.chainID, tasks: j.tasks, idx: j.idx + 1, attempt: 1}
		nj.tasks[nj.idx].OrderID = next
		p.handoff(nj)
		return
	case res == ResultDone:
		logging.FromContext(p.ctx).Info("chain_completed",
			zap.String("chain_id", j.chainID), zap.String("order_id", next))
	}
	p.chains.Done()
}

// later hands j back to the queue once its backoff elapsed.
func (p *Pool) later(j poolJob, d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		p.chains.Done()
		return
	}
	var tm *time.Timer
	tm = time.AfterFunc(d, func() {
		p.mu.Lock()
		delete(p.timers, tm)
		p.mu.Unlock()
		p.handoff(j)
	})
	p.timers[tm] = struct{}{}
}

// handoff queues j without blocking the caller when the queue is full.
func (p *Pool) handoff(j poolJob) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		p.chains.Done()
		return
	}
	select {
	case p.jobs <- j:
		return
	default:
	}
	p.senders.Add(1)
	go func() {
		defer p.senders.Done()
		select {
		case p.jobs <- j:
		case <-p.done:
			p.chains.Done()
		}
	}()
}

// Stop signals the workers to exit and waits for in-flight tasks to return.
// Chains still queued or waiting out a backoff are dropped; their orders keep
// their last committed status.
func (p *Pool) Stop() {
	p.stop.Do(func() {
		p.mu.Lock()
		p.closed = true
		for tm := range p.timers {
			if tm.Stop() {
				p.chains.Done()
			}
		}
		p.timers = nil
		p.mu.Unlock()
		close(p.done)
	})
	p.running.Wait()
	p.senders.Wait()
	for {
		select {
		case <-p.jobs:
			p.chains.Done()
		default:
			return
		}
	}
}

// Wait blocks until every enqueued chain has finished (done, halted or dead-lettered).
func (p *Pool) Wait() { p.chains.Wait() }
