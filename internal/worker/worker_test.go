package worker

// ============================================================================
// Capture Worker Pool Test File
// Purpose: Verify execution, timeout mechanism, graceful shutdown
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/attendance-tracker/pkg/types"
)

// fakeCapturer returns a one-participant snapshot after delay, or fails for
// targets listed in fail.
type fakeCapturer struct {
	delay    time.Duration
	fail     map[types.Target]bool
	calls    atomic.Int32
	inFlight atomic.Int32
	overlap  atomic.Bool
}

func (f *fakeCapturer) Capture(ctx context.Context, target types.Target, settings types.Settings) (types.Snapshot, error) {
	f.calls.Add(1)
	if f.inFlight.Add(1) > 1 {
		f.overlap.Store(true)
	}
	defer f.inFlight.Add(-1)

	select {
	case <-ctx.Done():
		return types.Snapshot{}, ctx.Err()
	case <-time.After(f.delay):
	}
	if f.fail[target] {
		return types.Snapshot{}, errors.New("panel closed")
	}
	return types.Snapshot{
		Timestamp:    time.Now(),
		Participants: []types.ParticipantRecord{{Name: string(target), Status: types.StatusPresent}},
	}, nil
}

// ============================================================================
// Basic Functionality Tests
// ============================================================================

// TestNewPool tests creating a pool
func TestNewPool(t *testing.T) {
	pool := NewPool(10, &fakeCapturer{})
	assert.NotNil(t, pool)
	assert.Equal(t, 0, pool.GetWorkerCount())
	assert.False(t, pool.IsStarted())
}

// TestPoolStart tests starting the pool
func TestPoolStart(t *testing.T) {
	pool := NewPool(10, &fakeCapturer{})

	err := pool.Start(2)
	require.NoError(t, err)
	assert.Equal(t, 2, pool.GetWorkerCount())
	assert.True(t, pool.IsStarted())

	err = pool.Start(4)
	assert.Error(t, err)

	pool.Stop()
}

// TestWorkerExecution tests sequential execution by a single worker
func TestWorkerExecution(t *testing.T) {
	capturer := &fakeCapturer{delay: 5 * time.Millisecond, fail: map[types.Target]bool{"bad": true}}
	pool := NewPool(10, capturer)
	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	targets := []types.Target{"a", "bad", "c"}
	for i, target := range targets {
		err := pool.Submit(Task{ID: fmt.Sprintf("tick-%d", i), SessionID: "s1", Target: target, Timeout: time.Second})
		require.NoError(t, err)
	}

	results := make(map[string]Result)
	for range targets {
		result, err := pool.ReceiveResult()
		require.NoError(t, err)
		results[result.TaskID] = result
	}

	require.Len(t, results, 3)
	assert.True(t, results["tick-0"].Success())
	assert.Equal(t, "a", results["tick-0"].Snapshot.Participants[0].Name)
	assert.False(t, results["tick-1"].Success())
	assert.Equal(t, "s1", results["tick-2"].SessionID)
	assert.False(t, capturer.overlap.Load(), "a single worker must never overlap captures")
}

// TestTimeout tests the capture timeout
func TestTimeout(t *testing.T) {
	pool := NewPool(10, &fakeCapturer{delay: time.Hour})
	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	require.NoError(t, pool.Submit(Task{ID: "slow", Target: "a", Timeout: 10 * time.Millisecond}))

	result, err := pool.ReceiveResult()
	require.NoError(t, err)
	assert.False(t, result.Success())
	assert.ErrorIs(t, result.Err, context.DeadlineExceeded)
}

// TestSessionCancellation tests that cancelling the task context aborts the capture
func TestSessionCancellation(t *testing.T) {
	pool := NewPool(10, &fakeCapturer{delay: time.Hour})
	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, pool.Submit(Task{ID: "t", Target: "a", Ctx: ctx}))

	time.Sleep(10 * time.Millisecond)
	cancel()

	result, err := pool.ReceiveResult()
	require.NoError(t, err)
	assert.ErrorIs(t, result.Err, context.Canceled)
}

// ============================================================================
// Back-pressure Tests
// ============================================================================

// TestSubmitWhenBusy tests that a full buffer rejects instead of blocking
func TestSubmitWhenBusy(t *testing.T) {
	pool := NewPool(1, &fakeCapturer{delay: time.Hour})
	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	// first task occupies the worker, second fills the buffer
	require.NoError(t, pool.Submit(Task{ID: "1", Target: "a", Timeout: 200 * time.Millisecond}))
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, pool.Submit(Task{ID: "2", Target: "a", Timeout: 200 * time.Millisecond}))

	done := make(chan error, 1)
	go func() { done <- pool.Submit(Task{ID: "3", Target: "a", Timeout: 200 * time.Millisecond}) }()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrPoolBusy)
	case <-time.After(time.Second):
		t.Fatal("Submit blocked on a full buffer")
	}
}

// TestConcurrentSubmit tests concurrent submission
func TestConcurrentSubmit(t *testing.T) {
	pool := NewPool(100, &fakeCapturer{})
	require.NoError(t, pool.Start(2))
	defer pool.Stop()

	taskCount := 50
	var wg sync.WaitGroup
	wg.Add(taskCount)
	for i := 0; i < taskCount; i++ {
		go func(index int) {
			defer wg.Done()
			assert.NoError(t, pool.Submit(Task{ID: fmt.Sprintf("t-%d", index), Target: "a"}))
		}(i)
	}
	wg.Wait()

	for i := 0; i < taskCount; i++ {
		_, err := pool.ReceiveResult()
		require.NoError(t, err)
	}
}

// ============================================================================
// Graceful Shutdown Tests
// ============================================================================

// TestGracefulShutdown tests that workers exit on Stop
func TestGracefulShutdown(t *testing.T) {
	pool := NewPool(10, &fakeCapturer{delay: time.Millisecond})
	require.NoError(t, pool.Start(4))

	for i := 0; i < 10; i++ {
		require.NoError(t, pool.Submit(Task{ID: fmt.Sprintf("t-%d", i), Target: "a"}))
	}
	for i := 0; i < 3; i++ {
		_, err := pool.ReceiveResult()
		require.NoError(t, err)
	}

	goroutinesBefore := runtime.NumGoroutine()
	pool.Stop()
	time.Sleep(50 * time.Millisecond)

	assert.LessOrEqual(t, runtime.NumGoroutine(), goroutinesBefore)
}

// TestStopBeforeStart tests stopping before starting
func TestStopBeforeStart(t *testing.T) {
	pool := NewPool(10, &fakeCapturer{})
	assert.NotPanics(t, func() { pool.Stop() })
	assert.ErrorIs(t, pool.Start(1), ErrPoolClosed)
}

// TestSubmitAfterStop tests submitting after shutdown
func TestSubmitAfterStop(t *testing.T) {
	pool := NewPool(10, &fakeCapturer{})
	require.NoError(t, pool.Start(2))
	pool.Stop()

	err := pool.Submit(Task{ID: "late", Target: "a"})
	assert.Equal(t, ErrPoolClosed, err)
}

// TestSubmitBeforeStart tests submitting before starting
func TestSubmitBeforeStart(t *testing.T) {
	pool := NewPool(10, &fakeCapturer{})
	err := pool.Submit(Task{ID: "early", Target: "a"})
	assert.Equal(t, ErrPoolNotStarted, err)
}

// TestReceiveResultAfterStop tests receiving after shutdown
func TestReceiveResultAfterStop(t *testing.T) {
	pool := NewPool(10, &fakeCapturer{})
	require.NoError(t, pool.Start(2))
	pool.Stop()

	_, err := pool.ReceiveResult()
	assert.Equal(t, ErrPoolClosed, err)
}

// TestSubmitStopRace exercises Submit concurrently with Stop
func TestSubmitStopRace(t *testing.T) {
	for i := 0; i < 20; i++ {
		pool := NewPool(4, &fakeCapturer{})
		require.NoError(t, pool.Start(1))

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = pool.Submit(Task{ID: "x", Target: "a"})
			}
		}()
		assert.NotPanics(t, pool.Stop)
		wg.Wait()
	}
}
