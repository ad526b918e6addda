// ============================================================================
// Preferences Store
// ============================================================================
//
// Package: internal/prefs
// File: store.go
// Function: Persists user preferences (require camera, single-shot output
//           format) across sessions
//
// File format (JSON):
//   {
//     "requireCamera": true,
//     "format": "csv",
//     "updatedAt": "2025-03-10T09:00:00Z",
//     "schemaVer": 1
//   }
//
// Atomic writes:
//   1. Write to path.tmp
//   2. Rename path.tmp -> path
//   A crash leaves either the old file or the new one, never half of each.
//
// Loading:
//   - missing file: defaults (requireCamera=false, format=csv)
//   - invalid JSON: ErrCorrupted
//   - schemaVer != 1: ErrIncompatibleVersion
//
// ============================================================================

package prefs

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ChuLiYu/attendance-tracker/internal/export"
	"github.com/ChuLiYu/attendance-tracker/pkg/types"
)

const schemaVersion = 1

var (
	// ErrCorrupted indicates the preferences file cannot be parsed
	ErrCorrupted = errors.New("preferences file is corrupted")
	// ErrIncompatibleVersion indicates an unknown schema version
	ErrIncompatibleVersion = errors.New("preferences schema version is incompatible")
)

// Preferences are the persisted user choices.
type Preferences struct {
	RequireCamera bool          `json:"requireCamera"`
	Format        export.Format `json:"format"`
	UpdatedAt     time.Time     `json:"updatedAt,omitempty"`
	SchemaVer     int           `json:"schemaVer"`
}

// Settings returns the capture settings these preferences imply.
func (p Preferences) Settings() types.Settings {
	return types.Settings{RequireCamera: p.RequireCamera}
}

// Defaults returns the preferences used before anything was saved.
func Defaults() Preferences {
	return Preferences{
		RequireCamera: false,
		Format:        export.FormatCSV,
		SchemaVer:     schemaVersion,
	}
}

// Store reads and writes one preferences file.
type Store struct {
	path string
	mu   sync.Mutex
	now  func() time.Time
}

// NewStore creates a store backed by path.
func NewStore(path string) *Store {
	return &Store{path: path, now: time.Now}
}

// Path returns the backing file.
func (s *Store) Path() string {
	return s.path
}

// Load reads the preferences, falling back to defaults when none were saved.
func (s *Store) Load() (Preferences, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Defaults(), nil
		}
		return Preferences{}, fmt.Errorf("failed to read preferences: %w", err)
	}

	var p Preferences
	if err := json.Unmarshal(data, &p); err != nil {
		return Preferences{}, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	if p.SchemaVer != schemaVersion {
		return Preferences{}, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, p.SchemaVer, schemaVersion)
	}
	if p.Format == "" {
		p.Format = export.FormatCSV
	}
	if _, err := export.ParseFormat(string(p.Format)); err != nil {
		return Preferences{}, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}

	return p, nil
}

// Save writes p atomically and returns what was stored.
func (s *Store) Save(p Preferences) (Preferences, error) {
	format, err := export.ParseFormat(string(p.Format))
	if err != nil {
		return Preferences{}, err
	}
	p.Format = format
	p.SchemaVer = schemaVersion

	s.mu.Lock()
	defer s.mu.Unlock()

	p.UpdatedAt = s.now().UTC()

	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return Preferences{}, fmt.Errorf("failed to marshal preferences: %w", err)
	}

	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return Preferences{}, fmt.Errorf("failed to create preferences dir: %w", err)
		}
	}

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return Preferences{}, fmt.Errorf("failed to write temp preferences: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return Preferences{}, fmt.Errorf("failed to rename preferences: %w", err)
	}

	return p, nil
}

// Update loads the current preferences, applies fn and saves the result.
func (s *Store) Update(fn func(*Preferences)) (Preferences, error) {
	p, err := s.Load()
	if err != nil {
		return Preferences{}, err
	}
	fn(&p)
	return s.Save(p)
}
