// ============================================================================
// Roster Extractor
// ============================================================================
//
// Package: internal/roster
// File: extractor.go
// Purpose: Read a virtualized participant list completely, exactly once per row
//
// Why scroll:
//   The meeting UI only mounts a sliding window of rows. Reading the list once
//   undercounts any roster longer than that window, so the extractor scrolls
//   from the top in fixed steps and keeps reading until the scrollable height
//   stops changing between two consecutive iterations.
//
// Identity:
//   Within one pass a row is identified by its stable row id, falling back to
//   its raw rendered text. Output order is first-seen order.
//
// ============================================================================

package roster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ChuLiYu/attendance-tracker/pkg/types"
)

var log = slog.Default()

// Row is one rendered row of the participant list.
type Row struct {
	ID          string   // stable per-row id, empty when the UI has none
	Text        string   // raw rendered text of the whole row
	DisplayName string   // text of the dedicated name element, may be empty
	IconMarkers []string // class list of each status icon's vector graphic
}

// identity returns the dedup key of the row.
func (r Row) identity() string {
	if r.ID != "" {
		return r.ID
	}
	return r.Text
}

// Panel is an adapter over the meeting UI's participant list region.
type Panel interface {
	// IsOpen reports whether the participant list is currently mounted.
	IsOpen(ctx context.Context) (bool, error)
	// Open triggers the control that reveals the participant list.
	Open(ctx context.Context) error
	ScrollToTop(ctx context.Context) error
	ScrollBy(ctx context.Context, dy int) error
	// ScrollHeight returns the total scrollable height of the list.
	ScrollHeight(ctx context.Context) (int, error)
	// Rows returns the rows currently rendered, in display order.
	Rows(ctx context.Context) ([]Row, error)
}

// ParticipantCounter is implemented by panels able to read the participant
// count shown in the panel header.
type ParticipantCounter interface {
	ParticipantCount(ctx context.Context) (int, error)
}

// Config tunes the extraction loop.
type Config struct {
	OpenSettle   time.Duration // wait after clicking the panel control
	TopSettle    time.Duration // wait after resetting scroll to the top
	ScrollSettle time.Duration // wait after each forward scroll
	ScrollStep   int           // pixels scrolled per iteration
	MaxScrolls   int           // hard ceiling on loop iterations
	VideoMarker  string        // class substring marking an enabled camera
}

// DefaultConfig returns the timings used against the Zoom web client.
func DefaultConfig() Config {
	return Config{
		OpenSettle:   300 * time.Millisecond,
		TopSettle:    time.Second,
		ScrollSettle: 2 * time.Second,
		ScrollStep:   5000,
		MaxScrolls:   500,
		VideoMarker:  "video-on",
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ScrollStep <= 0 {
		c.ScrollStep = d.ScrollStep
	}
	if c.MaxScrolls <= 0 {
		c.MaxScrolls = d.MaxScrolls
	}
	if c.VideoMarker == "" {
		c.VideoMarker = d.VideoMarker
	}
	return c
}

// Extractor turns a Panel into participant records.
type Extractor struct {
	cfg    Config
	now    func() time.Time
	onSkip func(Row)
}

// Option customises an Extractor.
type Option func(*Extractor)

// WithClock overrides the clock used to stamp records.
func WithClock(now func() time.Time) Option {
	return func(e *Extractor) { e.now = now }
}

// WithSkipHook registers a callback for rows dropped for lack of a name.
func WithSkipHook(fn func(Row)) Option {
	return func(e *Extractor) { e.onSkip = fn }
}

// NewExtractor creates an Extractor. Zero-valued config fields take defaults,
// except settle delays, where zero means no wait.
func NewExtractor(cfg Config, opts ...Option) *Extractor {
	e := &Extractor{
		cfg: cfg.withDefaults(),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ensureOpen opens the panel if needed. It returns ErrPanelUnavailable when
// the panel is still missing after the open attempt.
func (e *Extractor) ensureOpen(ctx context.Context, panel Panel) error {
	open, err := panel.IsOpen(ctx)
	if err != nil {
		return fmt.Errorf("check panel: %w", err)
	}
	if open {
		return nil
	}

	if err := panel.Open(ctx); err != nil {
		log.Warn("Failed to trigger participants control", "error", err)
	}
	if err := sleep(ctx, e.cfg.OpenSettle); err != nil {
		return err
	}

	open, err = panel.IsOpen(ctx)
	if err != nil {
		return fmt.Errorf("check panel: %w", err)
	}
	if !open {
		return ErrPanelUnavailable
	}
	return nil
}

// Extract returns every participant of the list exactly once, in first-seen
// order.
func (e *Extractor) Extract(ctx context.Context, panel Panel, settings types.Settings) ([]types.ParticipantRecord, error) {
	if err := e.ensureOpen(ctx, panel); err != nil {
		return nil, err
	}

	if err := panel.ScrollToTop(ctx); err != nil {
		return nil, fmt.Errorf("scroll to top: %w", err)
	}
	if err := sleep(ctx, e.cfg.TopSettle); err != nil {
		return nil, err
	}

	var participants []types.ParticipantRecord
	seen := make(map[string]struct{})
	prevHeight := -1

	for i := 0; ; i++ {
		rows, err := panel.Rows(ctx)
		if err != nil {
			return nil, fmt.Errorf("read rows: %w", err)
		}

		for _, row := range rows {
			id := row.identity()
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}

			record, ok := e.parseRow(row, settings)
			if !ok {
				log.Warn("Participant name not found, skipping row", "text", row.Text)
				if e.onSkip != nil {
					e.onSkip(row)
				}
				continue
			}
			participants = append(participants, record)
		}

		if err := panel.ScrollBy(ctx, e.cfg.ScrollStep); err != nil {
			return nil, fmt.Errorf("scroll: %w", err)
		}
		if err := sleep(ctx, e.cfg.ScrollSettle); err != nil {
			return nil, err
		}

		height, err := panel.ScrollHeight(ctx)
		if err != nil {
			return nil, fmt.Errorf("read scroll height: %w", err)
		}
		if height == prevHeight {
			break
		}
		prevHeight = height

		if i+1 >= e.cfg.MaxScrolls {
			log.Warn("Scroll limit reached before list settled",
				"iterations", i+1,
				"participants", len(participants))
			break
		}
	}

	log.Debug("Participants extracted", "count", len(participants))
	return participants, nil
}

// parseRow derives a record from a row. ok is false when no name is found.
func (e *Extractor) parseRow(row Row, settings types.Settings) (types.ParticipantRecord, bool) {
	name := strings.TrimSpace(row.DisplayName)
	if name == "" {
		name = firstLine(row.Text)
	}
	if name == "" {
		return types.ParticipantRecord{}, false
	}

	hasVideo := hasMarker(row.IconMarkers, e.cfg.VideoMarker)

	record := types.ParticipantRecord{
		Name:      name,
		Status:    types.StatusPresent,
		HasVideo:  hasVideo,
		Timestamp: e.now(),
	}
	if settings.RequireCamera && !hasVideo {
		record.Status = types.StatusAbsent
		record.Reason = types.ReasonCameraOff
	}
	return record, true
}

// Probe reports whether the panel can be opened and how many participants
// its header announces.
func (e *Extractor) Probe(ctx context.Context, panel Panel) (types.MeetingStatus, error) {
	if err := e.ensureOpen(ctx, panel); err != nil {
		if errors.Is(err, ErrPanelUnavailable) {
			return types.MeetingStatus{InMeeting: false}, nil
		}
		return types.MeetingStatus{}, err
	}

	status := types.MeetingStatus{InMeeting: true}
	if counter, ok := panel.(ParticipantCounter); ok {
		n, err := counter.ParticipantCount(ctx)
		if err != nil {
			log.Debug("Participant count unavailable", "error", err)
		} else {
			status.ParticipantCount = n
		}
	}
	return status, nil
}

// hasMarker reports whether any icon's class attribute contains marker.
// Substring match: Zoom builds prefix the token ("icon-video-on").
func hasMarker(iconMarkers []string, marker string) bool {
	for _, classes := range iconMarkers {
		if strings.Contains(classes, marker) {
			return true
		}
	}
	return false
}

func firstLine(text string) string {
	text = strings.TrimSpace(text)
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		text = text[:i]
	}
	return strings.TrimSpace(text)
}

func sleep(ctx context.Context, d time.Duration) error {
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
