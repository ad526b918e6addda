// Package rostertest provides in-memory roster.Panel implementations for tests.
package rostertest

import (
	"context"
	"errors"
	"sync"

	"github.com/ChuLiYu/attendance-tracker/internal/roster"
)

// RowHeight is the pixel height of one fake row.
const RowHeight = 40

// Panel is a lazily loading participant list. It mounts PageSize rows at a
// time and its scroll height grows as the user scrolls, like the web client.
type Panel struct {
	mu sync.Mutex

	All      []roster.Row
	PageSize int

	// Closed makes IsOpen report false until Open is called.
	Closed bool
	// Unopenable makes Open a no-op, so the panel never appears.
	Unopenable bool
	// Endless makes the scroll height grow on every scroll.
	Endless bool
	// Err, when set, is returned by Rows.
	Err error
	// Count is the participant count shown in the header.
	Count int

	offset    int
	grown     int
	openCalls int
	reads     int
}

// NewPanel returns an open panel over rows with the given page size.
func NewPanel(pageSize int, rows ...roster.Row) *Panel {
	return &Panel{All: rows, PageSize: pageSize, Count: len(rows)}
}

// Names builds rows that only carry a display name and a unique id.
func Names(names ...string) []roster.Row {
	rows := make([]roster.Row, len(names))
	for i, n := range names {
		rows[i] = roster.Row{ID: "row-" + n, Text: n, DisplayName: n}
	}
	return rows
}

func (p *Panel) IsOpen(ctx context.Context) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.Closed, nil
}

func (p *Panel) Open(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.openCalls++
	if p.Unopenable {
		return errors.New("participants control not found")
	}
	p.Closed = false
	return nil
}

func (p *Panel) ScrollToTop(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.offset = 0
	p.grown = 0
	return nil
}

func (p *Panel) ScrollBy(ctx context.Context, dy int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.grown++
	p.offset += p.PageSize
	if last := len(p.All) - p.PageSize; p.offset > last {
		if last < 0 {
			last = 0
		}
		p.offset = last
	}
	return nil
}

func (p *Panel) ScrollHeight(ctx context.Context) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Endless {
		return (p.grown + 1) * p.PageSize * RowHeight, nil
	}
	loaded := (p.grown + 1) * p.PageSize
	if loaded > len(p.All) {
		loaded = len(p.All)
	}
	return loaded * RowHeight, nil
}

func (p *Panel) Rows(ctx context.Context) ([]roster.Row, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return nil, p.Err
	}
	p.reads++
	end := p.offset + p.PageSize
	if end > len(p.All) {
		end = len(p.All)
	}
	out := make([]roster.Row, end-p.offset)
	copy(out, p.All[p.offset:end])
	return out, nil
}

func (p *Panel) ParticipantCount(ctx context.Context) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Count, nil
}

// OpenCalls returns how many times Open was triggered.
func (p *Panel) OpenCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.openCalls
}

// Reads returns how many times the rendered rows were read.
func (p *Panel) Reads() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reads
}
