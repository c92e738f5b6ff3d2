package dispatch

import (
	"log/slog"
	"sync"

	"github.com/miyaichi/adfit-checker/internal/protocol"
)

// Handler receives envelopes that are not claimed by a pending request.
type Handler func(env protocol.Envelope)

// Dispatcher is the single inbound entry point of an endpoint. Replies are
// routed by request id to registered waiters; everything else goes to the
// one installed handler.
type Dispatcher struct {
	mu      sync.Mutex
	handler Handler
	pending map[string]chan protocol.Envelope
}

// New creates a Dispatcher with no handler installed.
func New() *Dispatcher {
	return &Dispatcher{pending: make(map[string]chan protocol.Envelope)}
}

// SetHandler replaces the handler slot and returns the previous handler.
func (d *Dispatcher) SetHandler(fn Handler) Handler {
	d.mu.Lock()
	defer d.mu.Unlock()
	prev := d.handler
	d.handler = fn
	return prev
}

// Expect registers a waiter for the reply carrying requestID. The returned
// channel receives at most one envelope. cancel removes the entry so later
// arrivals are treated as stale. Registering the same id twice panics.
func (d *Dispatcher) Expect(requestID string) (<-chan protocol.Envelope, func()) {
	ch := make(chan protocol.Envelope, 1)

	d.mu.Lock()
	if _, dup := d.pending[requestID]; dup {
		d.mu.Unlock()
		panic("dispatch: duplicate pending request id " + requestID)
	}
	d.pending[requestID] = ch
	d.mu.Unlock()

	cancel := func() {
		d.mu.Lock()
		if cur, ok := d.pending[requestID]; ok && cur == ch {
			delete(d.pending, requestID)
		}
		d.mu.Unlock()
	}
	return ch, cancel
}

// Dispatch delivers env to its waiter, or to the handler.
func (d *Dispatcher) Dispatch(env protocol.Envelope) {
	d.mu.Lock()
	if env.RequestID != "" {
		if ch, ok := d.pending[env.RequestID]; ok {
			delete(d.pending, env.RequestID)
			d.mu.Unlock()
			ch <- env
			return
		}
	}
	handler := d.handler
	d.mu.Unlock()

	if env.Type.IsReply() {
		slog.Debug("dispatch dropped stale reply", "type", env.Type, "request_id", env.RequestID, "source", env.Source)
		return
	}
	if handler == nil {
		slog.Debug("dispatch dropped envelope without handler", "type", env.Type, "source", env.Source)
		return
	}
	handler(env)
}

// Pending returns the number of outstanding waiters.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}
