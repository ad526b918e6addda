package tracker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/attendance-tracker/internal/capture"
	"github.com/ChuLiYu/attendance-tracker/internal/export"
	"github.com/ChuLiYu/attendance-tracker/internal/metrics"
	"github.com/ChuLiYu/attendance-tracker/internal/worker"
	"github.com/ChuLiYu/attendance-tracker/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

var base = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

type step struct {
	snap types.Snapshot
	err  error
}

// scriptedCapturer plays back steps in order. Once the script is exhausted
// every capture blocks until its context ends.
type scriptedCapturer struct {
	mu     sync.Mutex
	steps  []step
	calls  int
	called chan struct{}
}

func newScriptedCapturer(steps ...step) *scriptedCapturer {
	return &scriptedCapturer{steps: steps, called: make(chan struct{}, 64)}
}

func (c *scriptedCapturer) Capture(ctx context.Context, target types.Target, settings types.Settings) (types.Snapshot, error) {
	c.mu.Lock()
	i := c.calls
	c.calls++
	c.mu.Unlock()
	select {
	case c.called <- struct{}{}:
	default:
	}

	if i < len(c.steps) {
		return c.steps[i].snap, c.steps[i].err
	}
	<-ctx.Done()
	return types.Snapshot{}, ctx.Err()
}

func snapshot(offset time.Duration, records ...types.ParticipantRecord) step {
	return step{snap: types.Snapshot{Timestamp: base.Add(offset), Participants: records}}
}

func present(name string) types.ParticipantRecord {
	return types.ParticipantRecord{Name: name, Status: types.StatusPresent, HasVideo: true}
}

func cameraOff(name string) types.ParticipantRecord {
	return types.ParticipantRecord{Name: name, Status: types.StatusAbsent, Reason: types.ReasonCameraOff}
}

type failingSink struct{}

func (failingSink) Deliver(context.Context, string, []byte) (string, error) {
	return "", errors.New("disk full")
}

type countingRecorder struct {
	mu       sync.Mutex
	captures map[string]int
	exports  []bool
	active   bool
}

func (r *countingRecorder) RecordCapture(result string, _ float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.captures == nil {
		r.captures = make(map[string]int)
	}
	r.captures[result]++
}

func (r *countingRecorder) RecordSnapshot(int, int) {}

func (r *countingRecorder) SetTracking(active bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = active
}

func (r *countingRecorder) RecordExport(ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exports = append(r.exports, ok)
}

func testConfig() Config {
	return Config{
		Interval:       20 * time.Millisecond,
		CaptureTimeout: time.Second,
	}
}

func createTestTracker(t *testing.T, capturer worker.Capturer, sink export.Sink, opts ...Option) *Tracker {
	t.Helper()
	tr, err := New(testConfig(), capturer, sink, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close(context.Background()) })
	return tr
}

func waitForSnapshots(t *testing.T, tr *Tracker, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return tr.State().Snapshots >= n
	}, 2*time.Second, 5*time.Millisecond)
}

// ============================================================================
// Basic Functionality Tests
// ============================================================================

func TestDefaultConfig(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, 5*time.Minute, cfg.Interval)
	assert.Equal(t, time.Minute, cfg.CaptureTimeout)
	assert.Equal(t, "attendance_log.csv", cfg.ExportFilename)
}

// TestTwoSnapshotSession runs a session that sees Alice twice and Bob once
// with his camera off.
func TestTwoSnapshotSession(t *testing.T) {
	capturer := newScriptedCapturer(
		snapshot(0, present("Alice"), cameraOff("Bob")),
		snapshot(5*time.Minute, present("Alice")),
	)
	sink := export.NewFileSink(t.TempDir())
	tr := createTestTracker(t, capturer, sink)

	id, started, err := tr.Start("tab-1", types.Settings{RequireCamera: true})
	require.NoError(t, err)
	require.True(t, started)
	require.NotEmpty(t, id)

	waitForSnapshots(t, tr, 2)

	report, stopped := tr.Stop(context.Background())
	require.True(t, stopped)
	require.NoError(t, report.ExportErr)

	assert.Equal(t, id, report.SessionID)
	assert.Equal(t, types.Target("tab-1"), report.Target)
	assert.Equal(t, []time.Time{base, base.Add(5 * time.Minute)}, report.Table.SnapshotTimes)
	require.Len(t, report.Table.Rows, 2)

	alice := report.Table.Rows[0]
	assert.Equal(t, "Alice", alice.Name)
	assert.Equal(t, 2, alice.TotalPresent)
	assert.Equal(t, 2, alice.TotalSnapshotsSeen)
	assert.Equal(t, types.StatusPresent, alice.OverallVerdict)

	bob := report.Table.Rows[1]
	assert.Equal(t, "Bob", bob.Name)
	assert.Equal(t, 0, bob.TotalPresent)
	assert.Equal(t, 1, bob.TotalSnapshotsSeen)
	assert.Equal(t, types.StatusAbsent, bob.OverallVerdict)
	assert.Equal(t, types.ReasonCameraOff, bob.PerSnapshotStatus[0].Reason)
	assert.Equal(t, types.ReasonMissing, bob.PerSnapshotStatus[1].Reason)

	assert.Equal(t, "attendance_log.csv", report.Filename)
	data, err := os.ReadFile(report.Location)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Alice,Present,2,2,")
	assert.Contains(t, string(data), "Bob,Absent,0,1,")

	assert.False(t, tr.State().Tracking)
}

// TestFailedTickIsSkipped tests that failed captures do not count as snapshots
func TestFailedTickIsSkipped(t *testing.T) {
	capturer := newScriptedCapturer(
		snapshot(0, present("Alice")),
		step{err: capture.ErrNoParticipantsFound},
		snapshot(10*time.Minute, present("Alice")),
	)
	recorder := &countingRecorder{}
	tr := createTestTracker(t, capturer, export.NewFileSink(t.TempDir()), WithRecorder(recorder))

	_, _, err := tr.Start("tab-1", types.Settings{})
	require.NoError(t, err)
	waitForSnapshots(t, tr, 2)

	state := tr.State()
	assert.Equal(t, 2, state.Snapshots)
	assert.GreaterOrEqual(t, state.SkippedTicks, 1)

	report, stopped := tr.Stop(context.Background())
	require.True(t, stopped)
	assert.Len(t, report.Table.SnapshotTimes, 2)
	assert.Equal(t, types.StatusPresent, report.Table.Rows[0].OverallVerdict)

	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	assert.Equal(t, 2, recorder.captures[metrics.ResultOK])
	assert.Equal(t, 1, recorder.captures[metrics.ResultNoParticipants])
	assert.Equal(t, []bool{true}, recorder.exports)
	assert.False(t, recorder.active)
}

// ============================================================================
// Idempotency Tests
// ============================================================================

func TestStartWhileTracking(t *testing.T) {
	tr := createTestTracker(t, newScriptedCapturer(), export.NewFileSink(t.TempDir()))

	id1, started, err := tr.Start("tab-1", types.Settings{})
	require.NoError(t, err)
	require.True(t, started)

	id2, started, err := tr.Start("tab-2", types.Settings{RequireCamera: true})
	require.NoError(t, err)
	assert.False(t, started)
	assert.Equal(t, id1, id2)
	assert.Equal(t, types.Target("tab-1"), tr.State().Target)
}

func TestStopWhileIdle(t *testing.T) {
	dir := t.TempDir()
	tr := createTestTracker(t, newScriptedCapturer(), export.NewFileSink(dir))

	report, stopped := tr.Stop(context.Background())
	assert.False(t, stopped)
	assert.Empty(t, report.SessionID)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "stop while idle must not export")
}

// TestStopWithoutSnapshots tests that an empty session exports a header-only file
func TestStopWithoutSnapshots(t *testing.T) {
	dir := t.TempDir()
	tr, err := New(Config{Interval: time.Hour}, newScriptedCapturer(), export.NewFileSink(dir))
	require.NoError(t, err)
	defer tr.Close(context.Background())

	_, _, err = tr.Start("tab-1", types.Settings{})
	require.NoError(t, err)

	report, stopped := tr.Stop(context.Background())
	require.True(t, stopped)
	require.NoError(t, report.ExportErr)
	assert.Empty(t, report.Table.Rows)
	assert.Empty(t, report.Table.SnapshotTimes)

	data, err := os.ReadFile(filepath.Join(dir, "attendance_log.csv"))
	require.NoError(t, err)
	assert.Equal(t, "Name,Overall,Total_Present,Total_Snapshots\n", string(data))
}

func TestStopWithCancelledContextStillExports(t *testing.T) {
	dir := t.TempDir()
	capturer := newScriptedCapturer(snapshot(0, present("Alice")))
	tr := createTestTracker(t, capturer, export.NewFileSink(dir))

	_, _, err := tr.Start("tab-1", types.Settings{})
	require.NoError(t, err)
	waitForSnapshots(t, tr, 1)

	// client disconnected before the stop request was served
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, stopped := tr.Stop(ctx)
	require.True(t, stopped)
	require.NoError(t, report.ExportErr)
	require.Len(t, report.Table.Rows, 1)

	data, err := os.ReadFile(filepath.Join(dir, "attendance_log.csv"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "Alice,Present,1,1")
}

func TestRestartAfterStop(t *testing.T) {
	tr, err := New(Config{Interval: time.Hour}, newScriptedCapturer(), export.NewFileSink(t.TempDir()))
	require.NoError(t, err)
	defer tr.Close(context.Background())

	id1, _, err := tr.Start("tab-1", types.Settings{})
	require.NoError(t, err)
	_, stopped := tr.Stop(context.Background())
	require.True(t, stopped)

	id2, started, err := tr.Start("tab-1", types.Settings{})
	require.NoError(t, err)
	assert.True(t, started)
	assert.NotEqual(t, id1, id2)
}

// ============================================================================
// Hand-off Tests
// ============================================================================

// TestLateResultDiscarded tests that a result for a detached session is dropped
func TestLateResultDiscarded(t *testing.T) {
	tr, err := New(Config{Interval: time.Hour}, newScriptedCapturer(), export.NewFileSink(t.TempDir()))
	require.NoError(t, err)
	defer tr.Close(context.Background())

	oldID, _, err := tr.Start("tab-1", types.Settings{})
	require.NoError(t, err)
	_, stopped := tr.Stop(context.Background())
	require.True(t, stopped)

	newID, _, err := tr.Start("tab-1", types.Settings{})
	require.NoError(t, err)

	tr.handleResult(worker.Result{
		TaskID:    oldID + "-1",
		SessionID: oldID,
		Snapshot:  types.Snapshot{Timestamp: base, Participants: []types.ParticipantRecord{present("Alice")}},
	})
	assert.Equal(t, 0, tr.State().Snapshots)

	tr.handleResult(worker.Result{
		TaskID:    newID + "-1",
		SessionID: newID,
		Snapshot:  types.Snapshot{Timestamp: base, Participants: []types.ParticipantRecord{present("Alice")}},
	})
	assert.Equal(t, 1, tr.State().Snapshots)
}

// TestStopCancelsInFlightCapture tests that Stop does not wait out a stalled capture
func TestStopCancelsInFlightCapture(t *testing.T) {
	capturer := newScriptedCapturer()
	tr, err := New(Config{Interval: 10 * time.Millisecond, CaptureTimeout: time.Hour}, capturer, export.NewFileSink(t.TempDir()))
	require.NoError(t, err)
	defer tr.Close(context.Background())

	_, _, err = tr.Start("tab-1", types.Settings{})
	require.NoError(t, err)

	select {
	case <-capturer.called:
	case <-time.After(2 * time.Second):
		t.Fatal("capture never started")
	}

	done := make(chan Report, 1)
	go func() {
		report, _ := tr.Stop(context.Background())
		done <- report
	}()

	select {
	case report := <-done:
		assert.Empty(t, report.Table.Rows)
	case <-time.After(2 * time.Second):
		t.Fatal("Stop blocked on an in-flight capture")
	}
}

// TestBusyTicksAreSkipped tests that ticks are dropped while a capture stalls
func TestBusyTicksAreSkipped(t *testing.T) {
	capturer := newScriptedCapturer()
	tr, err := New(Config{Interval: 5 * time.Millisecond, CaptureTimeout: time.Hour}, capturer, export.NewFileSink(t.TempDir()))
	require.NoError(t, err)
	defer tr.Close(context.Background())

	_, _, err = tr.Start("tab-1", types.Settings{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return tr.State().SkippedTicks >= 3
	}, 2*time.Second, 5*time.Millisecond)

	capturer.mu.Lock()
	calls := capturer.calls
	capturer.mu.Unlock()
	assert.Equal(t, 1, calls, "a stalled capture must not be overlapped")
}

// ============================================================================
// Export Failure Tests
// ============================================================================

func TestExportFailureKeepsTable(t *testing.T) {
	capturer := newScriptedCapturer(snapshot(0, present("Alice")))
	recorder := &countingRecorder{}
	tr := createTestTracker(t, capturer, failingSink{}, WithRecorder(recorder))

	_, _, err := tr.Start("tab-1", types.Settings{})
	require.NoError(t, err)
	waitForSnapshots(t, tr, 1)

	report, stopped := tr.Stop(context.Background())
	require.True(t, stopped)
	assert.Error(t, report.ExportErr)
	require.Len(t, report.Table.Rows, 1)
	assert.Equal(t, "Alice", report.Table.Rows[0].Name)

	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	assert.Equal(t, []bool{false}, recorder.exports)
}

func TestNilSink(t *testing.T) {
	tr, err := New(Config{Interval: time.Hour}, newScriptedCapturer(), nil)
	require.NoError(t, err)
	defer tr.Close(context.Background())

	_, _, err = tr.Start("tab-1", types.Settings{})
	require.NoError(t, err)

	report, _ := tr.Stop(context.Background())
	assert.ErrorIs(t, report.ExportErr, export.ErrDeliveryFailure)
}

// ============================================================================
// Shutdown Tests
// ============================================================================

func TestCloseExportsActiveSession(t *testing.T) {
	dir := t.TempDir()
	tr, err := New(Config{Interval: time.Hour}, newScriptedCapturer(), export.NewFileSink(dir))
	require.NoError(t, err)

	_, _, err = tr.Start("tab-1", types.Settings{})
	require.NoError(t, err)

	tr.Close(context.Background())
	assert.FileExists(t, filepath.Join(dir, "attendance_log.csv"))

	_, _, err = tr.Start("tab-1", types.Settings{})
	assert.ErrorIs(t, err, ErrClosed)

	assert.NotPanics(t, func() { tr.Close(context.Background()) })
}

func TestResultLabel(t *testing.T) {
	assert.Equal(t, metrics.ResultTimeout, resultLabel(context.DeadlineExceeded))
	assert.Equal(t, metrics.ResultNoParticipants, resultLabel(capture.ErrNoParticipantsFound))
	assert.Equal(t, metrics.ResultError, resultLabel(errors.New("boom")))
}
