// ============================================================================
// Control Service - shared by the HTTP and gRPC surfaces
// ============================================================================
//
// Package: internal/server
// File: service.go
//
// Operations:
//   StartTracking   begin a tracking session (no-op if one is running)
//   StopTracking    end it, returning the aggregated report
//   Status          tracker state
//   Capture         one-shot capture exported immediately
//   Probe           is the target in a meeting, and how many participants
//   Preferences     read / write persisted preferences
//
// When a request leaves requireCamera or format unset the persisted
// preferences decide.
//
// ============================================================================

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ChuLiYu/attendance-tracker/internal/capture"
	"github.com/ChuLiYu/attendance-tracker/internal/export"
	"github.com/ChuLiYu/attendance-tracker/internal/prefs"
	"github.com/ChuLiYu/attendance-tracker/internal/tracker"
	"github.com/ChuLiYu/attendance-tracker/pkg/types"
)

var log = slog.Default()

// ErrInvalidRequest marks a malformed request.
var ErrInvalidRequest = errors.New("invalid request")

// Tracker is the tracking scheduler as seen by the control surfaces.
type Tracker interface {
	Start(target types.Target, settings types.Settings) (string, bool, error)
	Stop(ctx context.Context) (tracker.Report, bool)
	State() tracker.State
}

// Capturer performs one-shot captures and meeting probes.
type Capturer interface {
	CaptureOnce(ctx context.Context, target types.Target, settings types.Settings, format export.Format) (capture.OnceResult, error)
	Probe(ctx context.Context, target types.Target) (types.MeetingStatus, error)
}

// PreferenceStore persists user preferences.
type PreferenceStore interface {
	Load() (prefs.Preferences, error)
	Save(p prefs.Preferences) (prefs.Preferences, error)
}

// ============================================================================
// Request / response types
// ============================================================================

// StartRequest starts tracking.
type StartRequest struct {
	Target        string `json:"target"`
	RequireCamera *bool  `json:"requireCamera,omitempty"`
}

// StartResponse reports whether a new session was started.
type StartResponse struct {
	SessionID string        `json:"sessionId"`
	Started   bool          `json:"started"`
	State     tracker.State `json:"state"`
}

// StopResponse carries the session report when a session was stopped.
type StopResponse struct {
	Stopped bool        `json:"stopped"`
	Report  *ReportView `json:"report,omitempty"`
}

// ReportView is the wire form of tracker.Report.
type ReportView struct {
	SessionID    string             `json:"sessionId"`
	Target       string             `json:"target"`
	StartedAt    time.Time          `json:"startedAt"`
	StoppedAt    time.Time          `json:"stoppedAt"`
	Snapshots    int                `json:"snapshots"`
	SkippedTicks int                `json:"skippedTicks"`
	Filename     string             `json:"filename"`
	Location     string             `json:"location,omitempty"`
	ExportError  string             `json:"exportError,omitempty"`
	Table        types.VerdictTable `json:"table"`
}

// CaptureRequest takes a one-shot capture.
type CaptureRequest struct {
	Target        string `json:"target"`
	RequireCamera *bool  `json:"requireCamera,omitempty"`
	Format        string `json:"format,omitempty"`
}

// ProbeRequest checks a target.
type ProbeRequest struct {
	Target string `json:"target"`
}

// PreferencesRequest updates preferences; unset fields keep their value.
type PreferencesRequest struct {
	RequireCamera *bool   `json:"requireCamera,omitempty"`
	Format        *string `json:"format,omitempty"`
}

// ============================================================================
// Service
// ============================================================================

// Service implements the control operations.
type Service struct {
	tracker  Tracker
	capturer Capturer
	prefs    PreferenceStore
}

// NewService creates a Service. prefs may be nil, in which case defaults
// apply and preferences cannot be changed.
func NewService(t Tracker, c Capturer, p PreferenceStore) *Service {
	return &Service{tracker: t, capturer: c, prefs: p}
}

func (s *Service) loadPrefs() (prefs.Preferences, error) {
	if s.prefs == nil {
		return prefs.Defaults(), nil
	}
	return s.prefs.Load()
}

func (s *Service) settings(requireCamera *bool) (types.Settings, error) {
	if requireCamera != nil {
		return types.Settings{RequireCamera: *requireCamera}, nil
	}
	p, err := s.loadPrefs()
	if err != nil {
		return types.Settings{}, err
	}
	return p.Settings(), nil
}

func requireTarget(target string) (types.Target, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return "", fmt.Errorf("%w: target is required", ErrInvalidRequest)
	}
	return types.Target(target), nil
}

// StartTracking starts a session.
func (s *Service) StartTracking(ctx context.Context, req StartRequest) (StartResponse, error) {
	target, err := requireTarget(req.Target)
	if err != nil {
		return StartResponse{}, err
	}
	settings, err := s.settings(req.RequireCamera)
	if err != nil {
		return StartResponse{}, err
	}

	id, started, err := s.tracker.Start(target, settings)
	if err != nil {
		return StartResponse{}, err
	}
	return StartResponse{SessionID: id, Started: started, State: s.tracker.State()}, nil
}

// StopTracking stops the session, if any.
func (s *Service) StopTracking(ctx context.Context) (StopResponse, error) {
	report, stopped := s.tracker.Stop(ctx)
	if !stopped {
		return StopResponse{Stopped: false}, nil
	}

	view := &ReportView{
		SessionID:    report.SessionID,
		Target:       string(report.Target),
		StartedAt:    report.StartedAt,
		StoppedAt:    report.StoppedAt,
		Snapshots:    len(report.Table.SnapshotTimes),
		SkippedTicks: report.SkippedTicks,
		Filename:     report.Filename,
		Location:     report.Location,
		Table:        report.Table,
	}
	if report.ExportErr != nil {
		view.ExportError = report.ExportErr.Error()
	}
	return StopResponse{Stopped: true, Report: view}, nil
}

// Status returns the tracker state.
func (s *Service) Status() tracker.State {
	return s.tracker.State()
}

// Capture takes and exports a single snapshot.
func (s *Service) Capture(ctx context.Context, req CaptureRequest) (capture.OnceResult, error) {
	target, err := requireTarget(req.Target)
	if err != nil {
		return capture.OnceResult{}, err
	}
	p, err := s.loadPrefs()
	if err != nil {
		return capture.OnceResult{}, err
	}

	settings := p.Settings()
	if req.RequireCamera != nil {
		settings.RequireCamera = *req.RequireCamera
	}
	format := p.Format
	if req.Format != "" {
		if format, err = export.ParseFormat(req.Format); err != nil {
			return capture.OnceResult{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
	}

	result, err := s.capturer.CaptureOnce(ctx, target, settings, format)
	if err != nil {
		log.Warn("One-shot capture failed", "target", target, "error", err)
		return capture.OnceResult{}, err
	}
	return result, nil
}

// Probe reports whether the target is in a meeting.
func (s *Service) Probe(ctx context.Context, req ProbeRequest) (types.MeetingStatus, error) {
	target, err := requireTarget(req.Target)
	if err != nil {
		return types.MeetingStatus{}, err
	}
	return s.capturer.Probe(ctx, target)
}

// Preferences returns the persisted preferences.
func (s *Service) Preferences() (prefs.Preferences, error) {
	return s.loadPrefs()
}

// UpdatePreferences applies the set fields of req.
func (s *Service) UpdatePreferences(req PreferencesRequest) (prefs.Preferences, error) {
	if s.prefs == nil {
		return prefs.Preferences{}, errors.New("preferences store not configured")
	}
	p, err := s.prefs.Load()
	if err != nil {
		return prefs.Preferences{}, err
	}
	if req.RequireCamera != nil {
		p.RequireCamera = *req.RequireCamera
	}
	if req.Format != nil {
		format, err := export.ParseFormat(*req.Format)
		if err != nil {
			return prefs.Preferences{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		p.Format = format
	}
	return s.prefs.Save(p)
}
