// ============================================================================
// Capture Worker - Task Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Runs capture tasks one at a time in its own goroutine
//
// How it works:
//   1. Receive task from taskCh (blocking wait)
//   2. Run the capture under a context bounded by the task timeout and
//      cancelled together with the task's session
//   3. Send the result to resultCh
//   4. Repeat until the pool stops
//
// Timeout Control:
//   A capture that never resolves is cut off at task.Timeout and reported as
//   context.DeadlineExceeded; the scheduler treats it as a skipped tick.
//
// ============================================================================

package worker

import (
	"context"
	"time"
)

// Worker represents a capture execution unit
type Worker struct {
	id       int           // Worker identifier, used for logging
	capturer Capturer      // Performs the actual capture
	taskCh   <-chan Task   // Task channel (read-only)
	resultCh chan<- Result // Result channel (write-only)
	stopCh   <-chan struct{}
}

// newWorker creates a new Worker instance
func newWorker(id int, capturer Capturer, taskCh <-chan Task, resultCh chan<- Result, stopCh <-chan struct{}) *Worker {
	return &Worker{
		id:       id,
		capturer: capturer,
		taskCh:   taskCh,
		resultCh: resultCh,
		stopCh:   stopCh,
	}
}

// Run is the main loop of the Worker
func (w *Worker) Run() {
	for {
		select {
		case <-w.stopCh:
			return
		case task := <-w.taskCh:
			result := w.execute(task)

			select {
			case w.resultCh <- result:
			case <-w.stopCh:
				return
			}
		}
	}
}

// execute runs one capture and wraps its outcome
func (w *Worker) execute(task Task) Result {
	start := time.Now()

	parent := task.Ctx
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := parent, context.CancelFunc(func() {})
	if task.Timeout > 0 {
		ctx, cancel = context.WithTimeout(parent, task.Timeout)
	}
	defer cancel()

	snap, err := w.capturer.Capture(ctx, task.Target, task.Settings)
	if err == nil && ctx.Err() != nil {
		// finished after the deadline or after the session was cancelled
		err = ctx.Err()
	}

	log.Debug("Capture finished",
		"worker", w.id,
		"task", task.ID,
		"session", task.SessionID,
		"duration", time.Since(start),
		"error", err)

	return Result{
		TaskID:    task.ID,
		SessionID: task.SessionID,
		Snapshot:  snap,
		Err:       err,
		Duration:  time.Since(start),
	}
}
