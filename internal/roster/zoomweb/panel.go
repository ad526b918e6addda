// Package zoomweb adapts the Zoom web client's participant list, reached over
// the Chrome DevTools protocol, to roster.Panel.
package zoomweb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"sync"

	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"

	"github.com/ChuLiYu/attendance-tracker/internal/roster"
	"github.com/ChuLiYu/attendance-tracker/pkg/types"
)

// Every script resolves the meeting document first: the web client renders
// inside an iframe, older builds render at the top level.
const docPrelude = `const f = document.querySelector('.pwa-webclient__iframe');
const d = (f && f.contentWindow) ? f.contentWindow.document : document;
const list = d.getElementById('participants-ul');
`

const (
	scriptIsOpen = `(() => {` + docPrelude + `
return !!d.querySelector('.participants-section-container');
})()`

	scriptOpen = `(() => {` + docPrelude + `
const b = d.querySelector('#participant button');
if (!b) return false;
b.click();
return true;
})()`

	scriptScrollTop = `(() => {` + docPrelude + `
if (!list) return false;
list.scrollTop = 0;
return true;
})()`

	scriptScrollBy = `(() => {` + docPrelude + `
if (!list) return false;
list.scrollBy(0, %d);
return true;
})()`

	scriptScrollHeight = `(() => {` + docPrelude + `
return list ? list.scrollHeight : -1;
})()`

	scriptRows = `(() => {` + docPrelude + `
return Array.from(d.querySelectorAll('.participants-item-position')).map(item => {
  const name = item.querySelector('.participants-item__display-name');
  return {
    id: item.getAttribute('data-participant-id') || '',
    text: item.innerText || item.textContent || '',
    name: name ? (name.textContent || '') : '',
    icons: Array.from(item.querySelectorAll('.participants-icon__icon-box svg'))
      .map(svg => svg.getAttribute('class') || ''),
  };
});
})()`

	scriptHeader = `(() => {` + docPrelude + `
const h = d.querySelector('.participants-header__header');
return h ? (h.textContent || '') : '';
})()`
)

var log = slog.Default()

type rowJSON struct {
	ID    string   `json:"id"`
	Text  string   `json:"text"`
	Name  string   `json:"name"`
	Icons []string `json:"icons"`
}

// ErrSourceClosed is returned by Panel after Close.
var ErrSourceClosed = errors.New("zoomweb: source closed")

// Source opens panels on tabs of a Chrome instance exposing DevTools.
//
// A tab is attached on first use and stays attached until Close, so every
// capture of a session reuses the same DevTools session.
type Source struct {
	allocCtx context.Context
	cancel   context.CancelFunc

	mu     sync.Mutex
	tabs   map[types.Target]*Panel
	closed bool
}

// NewSource connects to the DevTools websocket at devtoolsURL
// (e.g. ws://127.0.0.1:9222/devtools/browser/<id>). Nothing is dialed until
// the first Panel call.
func NewSource(ctx context.Context, devtoolsURL string) *Source {
	allocCtx, cancel := chromedp.NewRemoteAllocator(ctx, devtoolsURL)
	return &Source{
		allocCtx: allocCtx,
		cancel:   cancel,
		tabs:     make(map[types.Target]*Panel),
	}
}

// Panel returns the panel of the tab identified by t, attaching to it when
// needed. A tab whose connection dropped is attached again. The returned
// release func is a no-op: tabs are detached by Close.
func (s *Source) Panel(ctx context.Context, t types.Target) (roster.Panel, func(), error) {
	if t == "" {
		return nil, nil, fmt.Errorf("zoomweb: empty target")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, nil, ErrSourceClosed
	}

	if p, ok := s.tabs[t]; ok {
		if p.tabCtx.Err() == nil {
			return p, func() {}, nil
		}
		log.Warn("DevTools tab connection lost, attaching again", "target", t)
		delete(s.tabs, t)
	}

	p, err := s.attach(ctx, t)
	if err != nil {
		return nil, nil, err
	}
	s.tabs[t] = p
	return p, func() {}, nil
}

// attach makes the first chromedp.Run of a tab context. That run dials the
// browser and starts the tab's session, both bound to tabCtx, so it must not
// run on a context that ends with this call. ctx only bounds the wait.
func (s *Source) attach(ctx context.Context, t types.Target) (*Panel, error) {
	tabCtx, cancel := chromedp.NewContext(s.allocCtx, chromedp.WithTargetID(target.ID(t)))
	p := &Panel{tabCtx: tabCtx, cancel: cancel}

	done := make(chan error, 1)
	go func() { done <- chromedp.Run(tabCtx) }()

	select {
	case err := <-done:
		if err != nil {
			p.detach()
			return nil, fmt.Errorf("zoomweb: attach to %s: %w", t, err)
		}
		log.Debug("Attached to DevTools tab", "target", t)
		return p, nil
	case <-ctx.Done():
		go func() {
			<-done
			p.detach()
		}()
		return nil, ctx.Err()
	}
}

// Close detaches every tab, leaving it open in the browser, and drops the
// DevTools connection.
func (s *Source) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true

	for t, p := range s.tabs {
		p.detach()
		delete(s.tabs, t)
	}
	s.cancel()
}

// Panel is the participant list of one attached tab.
type Panel struct {
	tabCtx context.Context
	cancel context.CancelFunc
}

// detach ends the tab's DevTools session. Cancelling a chromedp context that
// attached to an existing target closes that target; clearing the target id
// first keeps the meeting tab open and only detaches.
func (p *Panel) detach() {
	if c := chromedp.FromContext(p.tabCtx); c != nil && c.Target != nil {
		c.Target.TargetID = ""
	}
	p.cancel()
}

// run executes actions on the attached tab. ctx bounds this call only; the
// tab session outlives it.
func (p *Panel) run(ctx context.Context, actions ...chromedp.Action) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.tabCtx.Err() != nil {
		return fmt.Errorf("zoomweb: tab detached: %w", roster.ErrPanelUnavailable)
	}

	runCtx, cancel := context.WithCancel(p.tabCtx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if err := chromedp.Run(runCtx, actions...); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

func (p *Panel) eval(ctx context.Context, script string, res interface{}) error {
	return p.run(ctx, chromedp.Evaluate(script, res))
}

// IsOpen reports whether the participants panel is rendered.
func (p *Panel) IsOpen(ctx context.Context) (bool, error) {
	var open bool
	err := p.eval(ctx, scriptIsOpen, &open)
	return open, err
}

// Open clicks the toolbar's participants button.
func (p *Panel) Open(ctx context.Context) error {
	var clicked bool
	if err := p.eval(ctx, scriptOpen, &clicked); err != nil {
		return err
	}
	if !clicked {
		return fmt.Errorf("zoomweb: participants button not found")
	}
	return nil
}

// ScrollToTop scrolls the participant list back to its first row.
func (p *Panel) ScrollToTop(ctx context.Context) error {
	var ok bool
	if err := p.eval(ctx, scriptScrollTop, &ok); err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("zoomweb: scroll area not found: %w", roster.ErrPanelUnavailable)
	}
	return nil
}

// ScrollBy scrolls the participant list down by dy pixels.
func (p *Panel) ScrollBy(ctx context.Context, dy int) error {
	var ok bool
	if err := p.eval(ctx, fmt.Sprintf(scriptScrollBy, dy), &ok); err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("zoomweb: scroll area not found: %w", roster.ErrPanelUnavailable)
	}
	return nil
}

// ScrollHeight returns the scrollHeight of the participant list.
func (p *Panel) ScrollHeight(ctx context.Context) (int, error) {
	var h int
	if err := p.eval(ctx, scriptScrollHeight, &h); err != nil {
		return 0, err
	}
	if h < 0 {
		return 0, fmt.Errorf("zoomweb: scroll area not found: %w", roster.ErrPanelUnavailable)
	}
	return h, nil
}

// Rows returns the rows currently rendered in the virtualized list.
func (p *Panel) Rows(ctx context.Context) ([]roster.Row, error) {
	var raw []rowJSON
	if err := p.eval(ctx, scriptRows, &raw); err != nil {
		return nil, err
	}
	rows := make([]roster.Row, len(raw))
	for i, r := range raw {
		rows[i] = roster.Row{
			ID:          r.ID,
			Text:        r.Text,
			DisplayName: r.Name,
			IconMarkers: r.Icons,
		}
	}
	return rows, nil
}

// ParticipantCount reads "Participants (N)" from the panel header.
func (p *Panel) ParticipantCount(ctx context.Context) (int, error) {
	var header string
	if err := p.eval(ctx, scriptHeader, &header); err != nil {
		return 0, err
	}
	return parseHeaderCount(header)
}

var headerCountRe = regexp.MustCompile(`\(\s*(\d+)\s*\)`)

func parseHeaderCount(header string) (int, error) {
	m := headerCountRe.FindStringSubmatch(header)
	if m == nil {
		return 0, fmt.Errorf("zoomweb: no count in header %q", header)
	}
	return strconv.Atoi(m[1])
}
