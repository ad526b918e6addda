package rostertest

import (
	"context"
	"fmt"
	"sync"

	"github.com/ChuLiYu/attendance-tracker/internal/roster"
	"github.com/ChuLiYu/attendance-tracker/pkg/types"
)

// Source resolves targets to in-memory panels.
type Source struct {
	mu       sync.Mutex
	panels   map[types.Target]roster.Panel
	released int
}

// NewSource returns an empty Source.
func NewSource() *Source {
	return &Source{panels: make(map[types.Target]roster.Panel)}
}

// Set registers (or replaces) the panel behind target. A nil panel makes
// the target unreachable.
func (s *Source) Set(target types.Target, panel roster.Panel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if panel == nil {
		delete(s.panels, target)
		return
	}
	s.panels[target] = panel
}

func (s *Source) Panel(ctx context.Context, target types.Target) (roster.Panel, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	panel, ok := s.panels[target]
	if !ok {
		return nil, nil, fmt.Errorf("no tab %q", target)
	}
	release := func() {
		s.mu.Lock()
		s.released++
		s.mu.Unlock()
	}
	return panel, release, nil
}

// Released returns how many panels were released.
func (s *Source) Released() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}
