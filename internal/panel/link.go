package panel

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/miyaichi/adfit-checker/internal/channel"
	"github.com/miyaichi/adfit-checker/internal/dispatch"
	"github.com/miyaichi/adfit-checker/internal/protocol"
)

// LinkConfig configures the panel's hub connection.
type LinkConfig struct {
	Dialer        channel.Dialer
	ProbeInterval time.Duration
	// OnStateChange is called after a successful connect and when a channel
	// is lost. err is nil on connect.
	OnStateChange func(state channel.State, err error)
}

// Link owns the panel endpoint's Channel. The Dispatcher outlives channel
// replacement so pending requests and the handler survive a reconnect.
type Link struct {
	cfg  LinkConfig
	disp *dispatch.Dispatcher

	mu sync.Mutex
	ch *channel.Channel
}

// NewLink creates a Link with a fresh, not yet connected channel.
func NewLink(cfg LinkConfig) *Link {
	l := &Link{cfg: cfg, disp: dispatch.New()}
	l.ch = l.newChannel()
	return l
}

func (l *Link) newChannel() *channel.Channel {
	return channel.New(channel.Options{
		Self:          protocol.Panel,
		Dialer:        l.cfg.Dialer,
		Inbound:       l.disp,
		ProbeInterval: l.cfg.ProbeInterval,
		OnCleanup: func(err error) {
			l.notify(channel.StateDisconnected, err)
		},
	})
}

func (l *Link) current() *channel.Channel {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ch
}

func (l *Link) notify(state channel.State, err error) {
	if l.cfg.OnStateChange != nil {
		l.cfg.OnStateChange(state, err)
	}
}

// Dispatcher returns the panel's inbound dispatcher.
func (l *Link) Dispatcher() *dispatch.Dispatcher { return l.disp }

// Connect registers the current channel with the hub.
func (l *Link) Connect(ctx context.Context) error {
	ch := l.current()
	wasConnected := ch.Status() == channel.StateConnected
	if err := ch.Connect(ctx); err != nil {
		return err
	}
	if !wasConnected {
		l.notify(channel.StateConnected, nil)
	}
	return nil
}

// Reconnect replaces a disconnected channel with a new one and connects it.
// A live or connecting channel is kept.
func (l *Link) Reconnect(ctx context.Context) error {
	l.mu.Lock()
	if l.ch.Status() == channel.StateDisconnected {
		slog.Info("panel link replacing lost channel")
		l.ch = l.newChannel()
	}
	l.mu.Unlock()
	return l.Connect(ctx)
}

// Send forwards env to target over the current channel.
func (l *Link) Send(target protocol.Endpoint, env protocol.Envelope) error {
	return l.current().Send(target, env)
}

// Expect registers a reply waiter on the persistent dispatcher.
func (l *Link) Expect(requestID string) (<-chan protocol.Envelope, func()) {
	return l.disp.Expect(requestID)
}

// Status reports the current channel state.
func (l *Link) Status() channel.State {
	return l.current().Status()
}

// Close tears down the current channel.
func (l *Link) Close() {
	l.current().Close()
}
