package tabagent

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/miyaichi/adfit-checker/internal/cdppeer"
	"github.com/miyaichi/adfit-checker/internal/channel"
	"github.com/miyaichi/adfit-checker/internal/dispatch"
	"github.com/miyaichi/adfit-checker/internal/protocol"
)

// TabSource enumerates eligible tabs and resolves them to pages.
type TabSource interface {
	SyncTabs(ctx context.Context) ([]cdppeer.TabInfo, error)
	Page(tabID int) (cdppeer.Page, bool)
}

// Config tunes an Agent.
type Config struct {
	Dialer        channel.Dialer
	ProbeInterval time.Duration
}

// Binding describes one bound tab endpoint.
type Binding struct {
	TabID    int               `json:"tab_id"`
	Endpoint protocol.Endpoint `json:"endpoint"`
	URL      string            `json:"url"`
	State    channel.State     `json:"state"`
}

type binding struct {
	info cdppeer.TabInfo
	ch   *channel.Channel
	lost atomic.Bool
}

// Agent keeps one channel per eligible tab. Lost channels are replaced on the
// next Sync while their tab is still present.
type Agent struct {
	cfg    Config
	source TabSource

	mu       sync.Mutex
	bindings map[int]*binding
}

// New creates an Agent.
func New(cfg Config, source TabSource) *Agent {
	return &Agent{
		cfg:      cfg,
		source:   source,
		bindings: make(map[int]*binding),
	}
}

// Sync reconciles bindings with the tabs currently offered by the source.
func (a *Agent) Sync(ctx context.Context) error {
	tabs, err := a.source.SyncTabs(ctx)
	if err != nil {
		return err
	}

	present := make(map[int]cdppeer.TabInfo, len(tabs))
	for _, info := range tabs {
		present[info.ID] = info
	}

	a.mu.Lock()
	var stale []*binding
	for id, b := range a.bindings {
		if _, ok := present[id]; !ok {
			stale = append(stale, b)
			delete(a.bindings, id)
		}
	}
	a.mu.Unlock()

	for _, b := range stale {
		slog.Info("tab unbound", "tab_id", b.info.ID)
		b.ch.Close()
	}

	for _, info := range tabs {
		a.ensure(ctx, info)
	}
	return nil
}

// ensure connects a binding for info, creating a new channel when none
// exists or the previous one was lost.
func (a *Agent) ensure(ctx context.Context, info cdppeer.TabInfo) {
	a.mu.Lock()
	b, ok := a.bindings[info.ID]
	if ok && b.lost.Load() {
		slog.Info("rebinding lost tab", "tab_id", info.ID)
		ok = false
	}
	if !ok {
		page, found := a.source.Page(info.ID)
		if !found {
			a.mu.Unlock()
			slog.Debug("tab has no page yet", "tab_id", info.ID)
			return
		}
		b = a.bind(info, page)
		a.bindings[info.ID] = b
	}
	b.info = info
	a.mu.Unlock()

	if b.ch.Status() != channel.StateConnecting {
		return
	}
	if err := b.ch.Connect(ctx); err != nil {
		slog.Warn("tab channel connect failed", "tab_id", info.ID, "error", err)
	}
}

func (a *Agent) bind(info cdppeer.TabInfo, page cdppeer.Page) *binding {
	self := protocol.TabEndpoint(info.ID)
	b := &binding{info: info}
	d := dispatch.New()
	b.ch = channel.New(channel.Options{
		Self:          self,
		Dialer:        a.cfg.Dialer,
		Inbound:       d,
		ProbeInterval: a.cfg.ProbeInterval,
		OnCleanup: func(err error) {
			b.lost.Store(true)
			slog.Debug("tab channel cleanup", "tab_id", info.ID, "error", err)
		},
	})
	d.SetHandler(cdppeer.NewContentPeer(self, page, b.ch).Handle)
	return b
}

// Bindings lists bound tabs ordered by id.
func (a *Agent) Bindings() []Binding {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Binding, 0, len(a.bindings))
	for id, b := range a.bindings {
		out = append(out, Binding{
			TabID:    id,
			Endpoint: b.ch.Self(),
			URL:      b.info.URL,
			State:    b.ch.Status(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TabID < out[j].TabID })
	return out
}

// Run calls Sync every interval until ctx ends, then closes every channel.
func (a *Agent) Run(ctx context.Context, interval time.Duration) {
	if err := a.Sync(ctx); err != nil {
		slog.Warn("tab sync failed", "error", err)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			a.Close()
			return
		case <-ticker.C:
			if err := a.Sync(ctx); err != nil {
				slog.Warn("tab sync failed", "error", err)
			}
		}
	}
}

// Close tears down every binding.
func (a *Agent) Close() {
	a.mu.Lock()
	all := a.bindings
	a.bindings = make(map[int]*binding)
	a.mu.Unlock()
	for _, b := range all {
		b.ch.Close()
	}
}
