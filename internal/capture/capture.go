// ============================================================================
// Snapshot Capturer
// ============================================================================
//
// Package: internal/capture
// File: capture.go
// Purpose: Turn one roster extraction into one timestamped Snapshot
//
// Flow:
//   1. settle delay (the UI may still be animating)
//   2. resolve the tracking target to a participant panel
//   3. run the roster extractor
//   4. zero participants -> ErrNoParticipantsFound
//
// One-shot mode (CaptureOnce) additionally encodes the snapshot and hands
// it to the export sink.
//
// ============================================================================

package capture

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChuLiYu/attendance-tracker/internal/export"
	"github.com/ChuLiYu/attendance-tracker/internal/roster"
	"github.com/ChuLiYu/attendance-tracker/pkg/types"
)

var log = slog.Default()

// Source resolves a tracking target to a participant panel. release is
// called once the capture is done with the panel.
type Source interface {
	Panel(ctx context.Context, target types.Target) (panel roster.Panel, release func(), err error)
}

// Config holds capture timings.
type Config struct {
	Settle time.Duration // wait before touching the UI
}

// DefaultConfig returns the settle delay used against the web client.
func DefaultConfig() Config {
	return Config{Settle: 500 * time.Millisecond}
}

// Capturer produces snapshots.
type Capturer struct {
	source    Source
	extractor *roster.Extractor
	sink      export.Sink
	cfg       Config
	now       func() time.Time
}

// NewCapturer creates a Capturer. sink may be nil when one-shot exports are
// not needed.
func NewCapturer(cfg Config, source Source, extractor *roster.Extractor, sink export.Sink) *Capturer {
	return &Capturer{
		source:    source,
		extractor: extractor,
		sink:      sink,
		cfg:       cfg,
		now:       time.Now,
	}
}

// SetClock overrides the clock used to stamp snapshots and filenames.
func (c *Capturer) SetClock(now func() time.Time) {
	c.now = now
}

func (c *Capturer) panel(ctx context.Context, target types.Target) (roster.Panel, func(), error) {
	panel, release, err := c.source.Panel(ctx, target)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", roster.ErrPanelUnavailable, err)
	}
	if release == nil {
		release = func() {}
	}
	return panel, release, nil
}

// Capture takes one snapshot of target.
func (c *Capturer) Capture(ctx context.Context, target types.Target, settings types.Settings) (types.Snapshot, error) {
	if err := wait(ctx, c.cfg.Settle); err != nil {
		return types.Snapshot{}, err
	}

	panel, release, err := c.panel(ctx, target)
	if err != nil {
		return types.Snapshot{}, err
	}
	defer release()

	taken := c.now()
	participants, err := c.extractor.Extract(ctx, panel, settings)
	if err != nil {
		return types.Snapshot{}, fmt.Errorf("extract roster: %w", err)
	}
	if len(participants) == 0 {
		return types.Snapshot{}, ErrNoParticipantsFound
	}

	log.Debug("Snapshot captured",
		"target", target,
		"participants", len(participants))

	return types.Snapshot{
		Timestamp:    taken,
		Participants: participants,
	}, nil
}

// Probe reports whether target currently shows a reachable participant panel.
func (c *Capturer) Probe(ctx context.Context, target types.Target) (types.MeetingStatus, error) {
	panel, release, err := c.source.Panel(ctx, target)
	if err != nil {
		log.Debug("Probe could not reach target", "target", target, "error", err)
		return types.MeetingStatus{InMeeting: false}, nil
	}
	if release != nil {
		defer release()
	}
	return c.extractor.Probe(ctx, panel)
}

// OnceResult describes a completed one-shot capture.
type OnceResult struct {
	Filename         string `json:"filename"`
	Location         string `json:"location"`
	ParticipantCount int    `json:"participantCount"`
}

// CaptureOnce takes a snapshot and exports it immediately in format.
func (c *Capturer) CaptureOnce(ctx context.Context, target types.Target, settings types.Settings, format export.Format) (OnceResult, error) {
	if c.sink == nil {
		return OnceResult{}, fmt.Errorf("%w: no export sink configured", export.ErrDeliveryFailure)
	}

	snap, err := c.Capture(ctx, target, settings)
	if err != nil {
		return OnceResult{}, err
	}

	payload, err := export.EncodeSnapshot(snap, format)
	if err != nil {
		return OnceResult{}, err
	}

	filename := export.SnapshotFilename(c.now(), format)
	location, err := c.sink.Deliver(ctx, filename, payload)
	if err != nil {
		return OnceResult{}, err
	}

	log.Info("Attendance captured",
		"file", location,
		"participants", len(snap.Participants))

	return OnceResult{
		Filename:         filename,
		Location:         location,
		ParticipantCount: len(snap.Participants),
	}, nil
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
