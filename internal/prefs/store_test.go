package prefs

// ============================================================================
// Preferences Store Test File
// Purpose: Verify atomic writes, defaults, version checks and error handling
// ============================================================================

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/attendance-tracker/internal/export"
)

// ============================================================================
// Basic Functionality Tests
// ============================================================================

func TestNewStore(t *testing.T) {
	store := NewStore("prefs.json")
	assert.NotNil(t, store)
	assert.Equal(t, "prefs.json", store.Path())
}

// TestLoadMissingFile tests that a missing file yields defaults
func TestLoadMissingFile(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "nope.json"))

	p, err := store.Load()
	require.NoError(t, err)
	assert.False(t, p.RequireCamera)
	assert.Equal(t, export.FormatCSV, p.Format)
	assert.False(t, p.Settings().RequireCamera)
}

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "prefs.json")
	store := NewStore(path)
	store.now = func() time.Time { return time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC) }

	saved, err := store.Save(Preferences{RequireCamera: true, Format: "JSON"})
	require.NoError(t, err)
	assert.Equal(t, export.FormatJSON, saved.Format)
	assert.Equal(t, 1, saved.SchemaVer)

	loaded, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, saved, loaded)
	assert.True(t, loaded.Settings().RequireCamera)

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file must not remain")
}

func TestUpdate(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "prefs.json"))

	p, err := store.Update(func(p *Preferences) { p.RequireCamera = true })
	require.NoError(t, err)
	assert.True(t, p.RequireCamera)
	assert.Equal(t, export.FormatCSV, p.Format)

	p, err = store.Update(func(p *Preferences) { p.Format = export.FormatJSON })
	require.NoError(t, err)
	assert.True(t, p.RequireCamera, "unrelated fields survive an update")
	assert.Equal(t, export.FormatJSON, p.Format)
}

// ============================================================================
// Error Handling Tests
// ============================================================================

func TestSaveRejectsUnknownFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prefs.json")
	store := NewStore(path)

	_, err := store.Save(Preferences{Format: "xlsx"})
	assert.ErrorIs(t, err, export.ErrUnknownFormat)
	assert.NoFileExists(t, path)
}

func TestLoadCorrupted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prefs.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := NewStore(path).Load()
	assert.ErrorIs(t, err, ErrCorrupted)
}

func TestLoadIncompatibleVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prefs.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"requireCamera":true,"format":"csv","schemaVer":2}`), 0o644))

	_, err := NewStore(path).Load()
	assert.ErrorIs(t, err, ErrIncompatibleVersion)
}

func TestLoadUnknownStoredFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prefs.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"format":"pdf","schemaVer":1}`), 0o644))

	_, err := NewStore(path).Load()
	assert.ErrorIs(t, err, ErrCorrupted)
}

// ============================================================================
// Concurrency Tests
// ============================================================================

func TestConcurrentSave(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "prefs.json"))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := store.Save(Preferences{RequireCamera: i%2 == 0})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	_, err := store.Load()
	assert.NoError(t, err)
}
