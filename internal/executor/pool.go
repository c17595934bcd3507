package executor

import (
	"errors"
	"sync"
	"time"

	"github.com/ChuLiYu/dlqueue/pkg/types"
)

var (
	ErrPoolClosed     = errors.New("executor: pool is closed")
	ErrPoolNotStarted = errors.New("executor: pool not started")
	ErrPoolFull       = errors.New("executor: pool is full")
)

// Task is one accepted start attempt.
type Task struct {
	ID        string
	Request   types.Request
	Submitted time.Time
}

// Pool runs tasks on a fixed set of goroutines.
//
// Submission never blocks: when every worker is busy and the buffer is full
// the task is refused with ErrPoolFull. Tasks still buffered when the pool
// stops are dropped.
type Pool struct {
	workers int
	handler func(Task)

	taskCh chan Task
	stopCh chan struct{}
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool
	stopped bool
}

// NewPool creates a pool of workers goroutines with room for buffer waiting
// tasks.
func NewPool(workers, buffer int, handler func(Task)) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if buffer < 0 {
		buffer = 0
	}
	return &Pool{
		workers: workers,
		handler: handler,
		taskCh:  make(chan Task, buffer),
		stopCh:  make(chan struct{}),
	}
}

// Start launches the workers.
func (p *Pool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return ErrPoolClosed
	}
	if p.started {
		return errors.New("executor: pool already started")
	}

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.run()
		}()
	}
	p.started = true
	return nil
}

func (p *Pool) run() {
	for {
		// stop wins over queued work
		select {
		case <-p.stopCh:
			return
		default:
		}

		select {
		case <-p.stopCh:
			return
		case task := <-p.taskCh:
			p.handler(task)
		}
	}
}

// TrySubmit hands task to the pool without blocking.
func (p *Pool) TrySubmit(task Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return ErrPoolClosed
	}
	if !p.started {
		return ErrPoolNotStarted
	}

	select {
	case p.taskCh <- task:
		return nil
	default:
		return ErrPoolFull
	}
}

// Waiting returns the number of buffered tasks no worker has picked yet.
func (p *Pool) Waiting() int {
	return len(p.taskCh)
}

// Stop signals the workers and waits for running handlers to return.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	close(p.stopCh)
	p.wg.Wait()
}
