// ============================================================================
// Tracking Scheduler - periodic capture coordinator
// ============================================================================
//
// Package: internal/tracker
// File: tracker.go
// Function: Runs one tracking session at a time, captures the roster on a
//           fixed period and turns the collected snapshots into a verdict
//           table when tracking stops.
//
// States:
//   Idle ──Start()──> Tracking ──Stop()──> Idle
//   Start while Tracking and Stop while Idle are no-ops.
//
// Loops:
//   1. Tick Loop (one per session) - submits a capture task every Interval.
//      The first capture happens one Interval after Start.
//   2. Result Loop (one per tracker) - receives capture results from the
//      worker pool and appends successful snapshots to the session they
//      were taken for.
//
// Skipping:
//   A failed or timed-out capture, or a tick that finds the worker still
//   busy with an earlier capture, is logged and skipped. Ticks are never
//   retried, so len(snapshots) counts successful captures only.
//
// Hand-off:
//   Stop detaches the session under the mutex before anything else. From
//   that point the result loop no longer finds the session, so a capture
//   that completes late is discarded instead of being appended to a table
//   that was already exported.
//
// ============================================================================

package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/attendance-tracker/internal/aggregate"
	"github.com/ChuLiYu/attendance-tracker/internal/capture"
	"github.com/ChuLiYu/attendance-tracker/internal/export"
	"github.com/ChuLiYu/attendance-tracker/internal/metrics"
	"github.com/ChuLiYu/attendance-tracker/internal/roster"
	"github.com/ChuLiYu/attendance-tracker/internal/worker"
	"github.com/ChuLiYu/attendance-tracker/pkg/types"
)

var log = slog.Default()

// ErrClosed is returned by Start after Close.
var ErrClosed = errors.New("tracker: closed")

// ============================================================================
// Configuration
// ============================================================================

// Config controls the capture cadence.
type Config struct {
	Interval       time.Duration // time between captures
	CaptureTimeout time.Duration // upper bound for one capture
	ExportFilename string        // name of the verdict export
}

// DefaultConfig returns a five minute period with a one minute capture bound.
func DefaultConfig() Config {
	return Config{
		Interval:       5 * time.Minute,
		CaptureTimeout: time.Minute,
		ExportFilename: export.SessionFilename,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = def.Interval
	}
	if c.CaptureTimeout <= 0 {
		c.CaptureTimeout = def.CaptureTimeout
	}
	if c.ExportFilename == "" {
		c.ExportFilename = def.ExportFilename
	}
	return c
}

// Recorder receives tracking metrics. *metrics.Collector implements it.
type Recorder interface {
	RecordCapture(result string, seconds float64)
	RecordSnapshot(total, participants int)
	SetTracking(active bool)
	RecordExport(ok bool)
}

type nopRecorder struct{}

func (nopRecorder) RecordCapture(string, float64) {}
func (nopRecorder) RecordSnapshot(int, int)       {}
func (nopRecorder) SetTracking(bool)              {}
func (nopRecorder) RecordExport(bool)             {}

// Option configures a Tracker.
type Option func(*Tracker)

// WithRecorder reports metrics to r.
func WithRecorder(r Recorder) Option {
	return func(t *Tracker) {
		if r != nil {
			t.recorder = r
		}
	}
}

// WithClock overrides the clock used for session start and stop times.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// ============================================================================
// Data structures
// ============================================================================

// State is a point-in-time view of the tracker.
type State struct {
	Tracking     bool         `json:"tracking"`
	SessionID    string       `json:"sessionId,omitempty"`
	Target       types.Target `json:"target,omitempty"`
	StartedAt    time.Time    `json:"startedAt,omitempty"`
	Snapshots    int          `json:"snapshots"`
	SkippedTicks int          `json:"skippedTicks"`
}

// Report is what Stop hands back once the session has been aggregated and
// exported.
type Report struct {
	SessionID    string             `json:"sessionId"`
	Target       types.Target       `json:"target"`
	StartedAt    time.Time          `json:"startedAt"`
	StoppedAt    time.Time          `json:"stoppedAt"`
	SkippedTicks int                `json:"skippedTicks"`
	Table        types.VerdictTable `json:"table"`
	Filename     string             `json:"filename"`
	Location     string             `json:"location,omitempty"`
	ExportErr    error              `json:"-"`
}

// session is owned by the tracker while tracking and detached on Stop.
type session struct {
	id        string
	target    types.Target
	settings  types.Settings
	startedAt time.Time
	snapshots []types.Snapshot
	skipped   int
	ticks     int

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{} // closed when the tick loop exits
}

// Tracker is the tracking scheduler.
type Tracker struct {
	mu       sync.Mutex
	cfg      Config
	pool     *worker.Pool
	sink     export.Sink
	recorder Recorder
	now      func() time.Time
	session  *session
	closed   bool
	loopWg   sync.WaitGroup
}

// ============================================================================
// Lifecycle
// ============================================================================

// New creates a Tracker and starts its single capture worker.
func New(cfg Config, capturer worker.Capturer, sink export.Sink, opts ...Option) (*Tracker, error) {
	t := &Tracker{
		cfg:      cfg.withDefaults(),
		pool:     worker.NewPool(2, capturer),
		sink:     sink,
		recorder: nopRecorder{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}

	if err := t.pool.Start(1); err != nil {
		return nil, fmt.Errorf("failed to start worker pool: %w", err)
	}

	t.loopWg.Add(1)
	go t.resultLoop()

	return t, nil
}

// Start begins a tracking session. If a session is already running it is
// left untouched and started is false.
func (t *Tracker) Start(target types.Target, settings types.Settings) (sessionID string, started bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return "", false, ErrClosed
	}
	if t.session != nil {
		log.Info("Tracking already active", "session", t.session.id)
		return t.session.id, false, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		id:        uuid.NewString(),
		target:    target,
		settings:  settings,
		startedAt: t.now(),
		snapshots: make([]types.Snapshot, 0),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	t.session = s

	go t.tickLoop(s)

	t.recorder.SetTracking(true)
	log.Info("Tracking started",
		"session", s.id,
		"target", target,
		"requireCamera", settings.RequireCamera,
		"interval", t.cfg.Interval)

	return s.id, true, nil
}

// Stop ends the active session, aggregates its snapshots and exports the
// verdict table. stopped is false when no session was running.
//
// An export failure does not lose the table: it is returned in the Report
// together with ExportErr.
func (t *Tracker) Stop(ctx context.Context) (report Report, stopped bool) {
	t.mu.Lock()
	s := t.session
	if s == nil {
		t.mu.Unlock()
		log.Info("Tracking not active")
		return Report{}, false
	}
	t.session = nil
	snapshots := s.snapshots
	skipped := s.skipped
	t.mu.Unlock()

	s.cancel()
	<-s.done

	report = Report{
		SessionID:    s.id,
		Target:       s.target,
		StartedAt:    s.startedAt,
		StoppedAt:    t.now(),
		SkippedTicks: skipped,
		Table:        aggregate.Aggregate(snapshots),
		Filename:     t.cfg.ExportFilename,
	}
	// exported even if the caller's ctx is already done
	report.Location, report.ExportErr = t.export(context.WithoutCancel(ctx), report.Table)

	t.recorder.SetTracking(false)
	t.recorder.RecordExport(report.ExportErr == nil)

	if report.ExportErr != nil {
		log.Error("Failed to export attendance",
			"session", s.id,
			"error", report.ExportErr)
	}
	log.Info("Tracking stopped",
		"session", s.id,
		"snapshots", len(snapshots),
		"skipped", skipped,
		"students", len(report.Table.Rows),
		"location", report.Location)

	return report, true
}

func (t *Tracker) export(ctx context.Context, table types.VerdictTable) (string, error) {
	if t.sink == nil {
		return "", fmt.Errorf("%w: no export sink configured", export.ErrDeliveryFailure)
	}
	payload, err := export.EncodeVerdictCSV(table)
	if err != nil {
		return "", err
	}
	return t.sink.Deliver(ctx, t.cfg.ExportFilename, payload)
}

// State returns the current tracker state.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.session
	if s == nil {
		return State{}
	}
	return State{
		Tracking:     true,
		SessionID:    s.id,
		Target:       s.target,
		StartedAt:    s.startedAt,
		Snapshots:    len(s.snapshots),
		SkippedTicks: s.skipped,
	}
}

// Close stops and exports any active session, then stops the worker pool.
// It is safe to call more than once.
func (t *Tracker) Close(ctx context.Context) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.mu.Unlock()

	t.Stop(ctx)
	t.pool.Stop()
	t.loopWg.Wait()
	log.Info("Tracker closed")
}

// ============================================================================
// Loops
// ============================================================================

// tickLoop submits one capture per Interval until the session is cancelled.
func (t *Tracker) tickLoop(s *session) {
	defer close(s.done)
	ticker := time.NewTicker(t.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			t.submit(s)
		}
	}
}

func (t *Tracker) submit(s *session) {
	t.mu.Lock()
	s.ticks++
	task := worker.Task{
		ID:        fmt.Sprintf("%s-%d", s.id, s.ticks),
		SessionID: s.id,
		Target:    s.target,
		Settings:  s.settings,
		Timeout:   t.cfg.CaptureTimeout,
		Ctx:       s.ctx,
	}
	t.mu.Unlock()

	err := t.pool.Submit(task)
	switch {
	case err == nil:
	case errors.Is(err, worker.ErrPoolBusy):
		t.mu.Lock()
		s.skipped++
		t.mu.Unlock()
		t.recorder.RecordCapture(metrics.ResultBusy, 0)
		log.Warn("Previous capture still running, skipping tick",
			"session", s.id,
			"tick", s.ticks)
	case errors.Is(err, worker.ErrPoolClosed):
	default:
		log.Error("Failed to submit capture", "session", s.id, "error", err)
	}
}

// resultLoop applies capture results until the pool stops.
func (t *Tracker) resultLoop() {
	defer t.loopWg.Done()
	for {
		result, err := t.pool.ReceiveResult()
		if err != nil {
			if errors.Is(err, worker.ErrPoolClosed) {
				log.Debug("Result loop stopped")
				return
			}
			log.Error("Failed to receive result", "error", err)
			continue
		}

		t.handleResult(result)
	}
}

func (t *Tracker) handleResult(result worker.Result) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.session
	if s == nil || s.id != result.SessionID {
		log.Debug("Discarding capture result of a finished session",
			"session", result.SessionID,
			"task", result.TaskID)
		return
	}

	if !result.Success() {
		s.skipped++
		t.recorder.RecordCapture(resultLabel(result.Err), result.Duration.Seconds())
		log.Warn("Capture failed, skipping tick",
			"session", s.id,
			"task", result.TaskID,
			"error", result.Err)
		return
	}

	s.snapshots = append(s.snapshots, result.Snapshot)
	t.recorder.RecordCapture(metrics.ResultOK, result.Duration.Seconds())
	t.recorder.RecordSnapshot(len(s.snapshots), len(result.Snapshot.Participants))
	log.Info("Snapshot captured",
		"session", s.id,
		"snapshot", len(s.snapshots),
		"participants", len(result.Snapshot.Participants))
}

func resultLabel(err error) string {
	switch {
	case errors.Is(err, roster.ErrPanelUnavailable):
		return metrics.ResultPanelUnavailable
	case errors.Is(err, capture.ErrNoParticipantsFound):
		return metrics.ResultNoParticipants
	case errors.Is(err, context.DeadlineExceeded):
		return metrics.ResultTimeout
	default:
		return metrics.ResultError
	}
}
