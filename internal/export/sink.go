package export

// ============================================================================
// Export sinks
// 1. Sink is the hand-off point for finished documents
// 2. FileSink writes into a downloads directory with atomic temp + rename
// 3. Existing files are never overwritten: "name (1).csv", "name (2).csv", ...
// ============================================================================

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Sink persists a finished document. It returns where the document ended up.
// Failures wrap ErrDeliveryFailure and are not retried.
type Sink interface {
	Deliver(ctx context.Context, filename string, payload []byte) (string, error)
}

// FileSink saves documents into a directory.
type FileSink struct {
	dir string
	mu  sync.Mutex
}

// NewFileSink creates a sink writing into dir. The directory is created on
// first delivery.
func NewFileSink(dir string) *FileSink {
	return &FileSink{dir: dir}
}

// Dir returns the target directory.
func (s *FileSink) Dir() string {
	return s.dir
}

// Deliver writes payload under filename. Only the base name is used.
func (s *FileSink) Deliver(ctx context.Context, filename string, payload []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrDeliveryFailure, err)
	}

	name := filepath.Base(filepath.Clean(filename))
	if name == "." || name == string(filepath.Separator) || name == "" {
		return "", fmt.Errorf("%w: invalid filename %q", ErrDeliveryFailure, filename)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("%w: %v", ErrDeliveryFailure, err)
	}

	path := s.uniquePath(name)
	tmpPath := path + ".tmp"

	if err := os.WriteFile(tmpPath, payload, 0o644); err != nil {
		return "", fmt.Errorf("%w: %v", ErrDeliveryFailure, err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("%w: %v", ErrDeliveryFailure, err)
	}

	return path, nil
}

// uniquePath returns dir/name, or dir/"name (n).ext" for the first free n.
func (s *FileSink) uniquePath(name string) string {
	path := filepath.Join(s.dir, name)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return path
	}

	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for n := 1; ; n++ {
		path = filepath.Join(s.dir, fmt.Sprintf("%s (%d)%s", stem, n, ext))
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return path
		}
	}
}
