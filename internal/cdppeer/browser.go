package cdppeer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"

	"github.com/miyaichi/adfit-checker/internal/protocol"
)

const defaultActionTimeout = 5 * time.Second

// Page is the browser surface the peers drive.
type Page interface {
	ScrollTo(ctx context.Context, x, y int) error
	Measure(ctx context.Context) (protocol.PageGeometry, string, error)
	CaptureViewport(ctx context.Context) ([]byte, error)
}

// Pages resolves tab ids to pages.
type Pages interface {
	Page(tabID int) (Page, bool)
	First() (int, Page, bool)
}

// URLFilter decides whether a page target may be bound.
type URLFilter func(url string) bool

// ScriptInjectable reports whether a URL can host a per-tab endpoint.
func ScriptInjectable(url string) bool {
	return strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://")
}

// Browser attaches to page targets of a remote Chromium over CDP.
type Browser struct {
	cdpURL   string
	filter   URLFilter
	registry *TabRegistry

	allocCtx    context.Context
	allocCancel context.CancelFunc
	rootCtx     context.Context
	rootCancel  context.CancelFunc

	tabsMu sync.RWMutex
	tabs   map[int]*Tab
}

// NewBrowser creates a Browser for the CDP HTTP endpoint at cdpURL. Only
// script-injectable URLs accepted by filter are attached; a nil filter
// accepts every injectable URL.
func NewBrowser(cdpURL string, filter URLFilter, registry *TabRegistry) *Browser {
	if registry == nil {
		registry = NewTabRegistry()
	}
	return &Browser{
		cdpURL:   cdpURL,
		filter:   filter,
		registry: registry,
		tabs:     make(map[int]*Tab),
	}
}

// Connect opens the remote allocator and a browser-level context.
func (b *Browser) Connect(ctx context.Context) error {
	_ = ctx
	slog.Info("connecting to chromium", "url", b.cdpURL)
	b.allocCtx, b.allocCancel = chromedp.NewRemoteAllocator(context.Background(), b.cdpURL)
	b.rootCtx, b.rootCancel = chromedp.NewContext(b.allocCtx)
	if err := chromedp.Run(b.rootCtx); err != nil {
		b.allocCancel()
		return fmt.Errorf("failed to connect to browser: %w", err)
	}
	return nil
}

// SyncTabs attaches new eligible page targets and detaches those that are
// gone or no longer eligible. It returns the attached tabs.
func (b *Browser) SyncTabs(ctx context.Context) ([]TabInfo, error) {
	_ = ctx
	if b.rootCtx == nil {
		return nil, fmt.Errorf("browser not connected")
	}
	targets, err := chromedp.Targets(b.rootCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate targets: %w", err)
	}

	seen := make(map[target.ID]bool)
	for _, t := range targets {
		if t.Type != "page" || !b.eligible(t.URL) {
			continue
		}
		seen[t.TargetID] = true

		if info, ok := b.registry.GetByTarget(t.TargetID); ok {
			b.registry.Register(t.TargetID, t.URL)
			b.tabsMu.RLock()
			_, attached := b.tabs[info.ID]
			b.tabsMu.RUnlock()
			if attached {
				continue
			}
		}
		if err := b.attach(t.TargetID, t.URL); err != nil {
			slog.Warn("failed to attach to tab", "target_id", t.TargetID, "url", truncateURL(t.URL), "error", err)
		}
	}

	for _, info := range b.registry.List() {
		if !seen[info.TargetID] {
			b.detach(info)
		}
	}
	return b.registry.List(), nil
}

func (b *Browser) eligible(url string) bool {
	if !ScriptInjectable(url) {
		return false
	}
	return b.filter == nil || b.filter(url)
}

func (b *Browser) attach(targetID target.ID, url string) error {
	info, ok := b.registry.Register(targetID, url)
	if !ok {
		return fmt.Errorf("tab id %d already held by %s", info.ID, info.TargetID)
	}

	tabCtx, tabCancel := chromedp.NewContext(b.allocCtx, chromedp.WithTargetID(targetID))
	if err := chromedp.Run(tabCtx); err != nil {
		tabCancel()
		b.registry.Remove(targetID)
		return fmt.Errorf("failed to attach: %w", err)
	}

	b.tabsMu.Lock()
	b.tabs[info.ID] = &Tab{ID: info.ID, TargetID: targetID, ctx: tabCtx, cancel: tabCancel}
	b.tabsMu.Unlock()

	chromedp.ListenTarget(tabCtx, func(ev any) {
		if e, ok := ev.(*page.EventFrameNavigated); ok && e.Frame.ParentID == "" {
			b.registry.Register(targetID, e.Frame.URL)
			slog.Debug("tab navigated", "tab_id", info.ID, "url", truncateURL(e.Frame.URL))
		}
	})

	slog.Info("attached to tab", "tab_id", info.ID, "target_id", targetID, "url", truncateURL(url))
	return nil
}

func (b *Browser) detach(info TabInfo) {
	b.tabsMu.Lock()
	tab, ok := b.tabs[info.ID]
	delete(b.tabs, info.ID)
	b.tabsMu.Unlock()
	b.registry.Remove(info.TargetID)
	if ok {
		tab.cancel()
	}
	slog.Info("detached from tab", "tab_id", info.ID, "target_id", info.TargetID)
}

// Page returns the attached tab with the given id.
func (b *Browser) Page(tabID int) (Page, bool) {
	b.tabsMu.RLock()
	defer b.tabsMu.RUnlock()
	tab, ok := b.tabs[tabID]
	if !ok {
		return nil, false
	}
	return tab, true
}

// First returns the attached tab with the lowest id.
func (b *Browser) First() (int, Page, bool) {
	tabs := b.registry.List()
	for _, info := range tabs {
		if p, ok := b.Page(info.ID); ok {
			return info.ID, p, true
		}
	}
	return 0, nil, false
}

// Tabs lists attached tabs.
func (b *Browser) Tabs() []TabInfo {
	return b.registry.List()
}

func (b *Browser) Close() error {
	b.tabsMu.Lock()
	for id, tab := range b.tabs {
		tab.cancel()
		delete(b.tabs, id)
	}
	b.tabsMu.Unlock()

	if b.rootCancel != nil {
		b.rootCancel()
	}
	if b.allocCancel != nil {
		b.allocCancel()
	}
	slog.Info("CDP browser closed")
	return nil
}

// Tab is one attached page target.
type Tab struct {
	ID       int
	TargetID target.ID

	ctx    context.Context
	cancel context.CancelFunc
}

func (t *Tab) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithTimeout(t.ctx, defaultActionTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return chromedp.Run(runCtx, actions...)
}

func (t *Tab) ScrollTo(ctx context.Context, x, y int) error {
	var ok bool
	expr := fmt.Sprintf("window.scrollTo(%d, %d), true", x, y)
	if err := t.run(ctx, chromedp.Evaluate(expr, &ok)); err != nil {
		return fmt.Errorf("scroll tab %d: %w", t.ID, err)
	}
	return nil
}

const measureJS = `(() => {
  const el = document.documentElement;
  return {
    full_width: Math.max(el.scrollWidth, el.clientWidth),
    full_height: Math.max(el.scrollHeight, el.clientHeight),
    viewport_height: window.innerHeight,
    scroll_x: Math.round(window.scrollX),
    scroll_y: Math.round(window.scrollY),
    url: location.href
  };
})()`

func (t *Tab) Measure(ctx context.Context) (protocol.PageGeometry, string, error) {
	var out struct {
		protocol.PageGeometry
		URL string `json:"url"`
	}
	if err := t.run(ctx, chromedp.Evaluate(measureJS, &out)); err != nil {
		return protocol.PageGeometry{}, "", fmt.Errorf("measure tab %d: %w", t.ID, err)
	}
	return out.PageGeometry, out.URL, nil
}

func (t *Tab) CaptureViewport(ctx context.Context) ([]byte, error) {
	var buf []byte
	err := t.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		buf, err = page.CaptureScreenshot().WithFormat(page.CaptureScreenshotFormatPng).Do(ctx)
		return err
	}))
	if err != nil {
		return nil, fmt.Errorf("capture tab %d: %w", t.ID, err)
	}
	return buf, nil
}

func truncateURL(url string) string {
	if len(url) > 120 {
		return url[:120] + "..."
	}
	return url
}
