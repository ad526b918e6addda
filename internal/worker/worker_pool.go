// ============================================================================
// Capture Worker Pool
// ============================================================================
//
// Package: internal/worker
// File: worker_pool.go
// Function: Owns the capture worker goroutines and their channels
//
// Architecture:
//   ┌─────────────┐
//   │  Scheduler  │ --Submit()--> taskCh
//   └─────────────┘
//         ↑
//   ReceiveResult()
//         ↑
//   ┌─────────────┐
//   │   Pool      │
//   │  ┌────────┐ │
//   │  │Worker 1│←── taskCh ──→ resultCh
//   │  └────────┘ │
//   └─────────────┘
//
// A pool with one worker gives sequential, non-overlapping captures.
//
// Submit never blocks: when the task buffer is full (a capture is stalled
// and earlier ticks are still queued) it returns ErrPoolBusy and the tick is
// skipped instead of piling up behind the stalled one.
//
// Shutdown:
//   Stop() closes stopCh only. taskCh is never closed, so a Submit racing
//   with Stop cannot send on a closed channel.
//
// ============================================================================

package worker

import (
	"errors"
	"log/slog"
	"sync"
)

var log = slog.Default()

var (
	// ErrPoolClosed indicates the pool has been stopped
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted indicates the pool has not been started yet
	ErrPoolNotStarted = errors.New("worker pool not started")
	// ErrPoolBusy indicates the task buffer is full
	ErrPoolBusy = errors.New("worker pool is busy")
)

// Pool manages capture workers
type Pool struct {
	capturer Capturer
	workers  []*Worker
	taskCh   chan Task
	resultCh chan Result
	stopCh   chan struct{}
	wg       sync.WaitGroup
	started  bool
	stopped  bool
	mu       sync.Mutex
}

// NewPool creates a pool whose task and result channels hold bufferSize items
func NewPool(bufferSize int, capturer Capturer) *Pool {
	return &Pool{
		capturer: capturer,
		workers:  make([]*Worker, 0),
		taskCh:   make(chan Task, bufferSize),
		resultCh: make(chan Result, bufferSize),
		stopCh:   make(chan struct{}),
	}
}

// Start launches workerCount workers
func (p *Pool) Start(workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.New("pool already started")
	}
	if p.stopped {
		return ErrPoolClosed
	}

	for i := 0; i < workerCount; i++ {
		w := newWorker(i, p.capturer, p.taskCh, p.resultCh, p.stopCh)
		p.workers = append(p.workers, w)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run()
		}(w)
	}

	p.started = true
	return nil
}

// Submit queues a task without blocking
func (p *Pool) Submit(task Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolClosed
	}

	select {
	case p.taskCh <- task:
		return nil
	default:
		return ErrPoolBusy
	}
}

// ReceiveResult blocks until a result is available or the pool stops
func (p *Pool) ReceiveResult() (Result, error) {
	select {
	case result := <-p.resultCh:
		return result, nil
	case <-p.stopCh:
		return Result{}, ErrPoolClosed
	}
}

// Stop signals all workers and waits for them to exit. Workers finish the
// capture they are running first; its result is dropped.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.stopped = true
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	close(p.stopCh)
	p.wg.Wait()
}

// GetWorkerCount returns the number of started workers
func (p *Pool) GetWorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// IsStarted reports whether Start has been called
func (p *Pool) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}
