package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/miyaichi/adfit-checker/internal/protocol"
	"github.com/miyaichi/adfit-checker/internal/wire"
)

// State is the connection state of a Channel.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

const (
	defaultProbeInterval   = 5 * time.Second
	defaultProbeTimeout    = 2 * time.Second
	inboundQueueSize       = 256
	defaultMaxMissedProbes = 2
	defaultRegisterTimeout = 5 * time.Second
)

var errClosedByOwner = errors.New("closed by owner")

// Dialer opens a transport to the hub.
type Dialer func(ctx context.Context) (wire.Transport, error)

// Inbound receives non-control envelopes addressed to this endpoint.
type Inbound interface {
	Dispatch(env protocol.Envelope)
}

// Options configures a Channel.
type Options struct {
	Self            protocol.Endpoint
	Dialer          Dialer
	Inbound         Inbound
	ProbeInterval   time.Duration
	ProbeTimeout    time.Duration
	MaxMissedProbes int
	RegisterTimeout time.Duration
	// OnCleanup runs once when the channel reaches disconnected. The error
	// carries CONNECTION_LOST.
	OnCleanup func(err error)
}

// conn is one dialed transport and its lifetime signals.
type conn struct {
	t        wire.Transport
	readDone chan struct{}
	done     chan struct{}
	inbound  chan protocol.Envelope
}

// Channel is a supervised, addressed connection from one endpoint to the hub.
// A Channel never reconnects; owners construct a new one after loss.
type Channel struct {
	opts Options

	mu          sync.Mutex
	state       State
	registering bool
	current     *conn

	waitMu  sync.Mutex
	waiters map[string]chan protocol.Envelope

	cleanupOnce sync.Once
}

// New creates a Channel in the connecting state.
func New(opts Options) *Channel {
	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = defaultProbeInterval
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = defaultProbeTimeout
	}
	if opts.MaxMissedProbes <= 0 {
		opts.MaxMissedProbes = defaultMaxMissedProbes
	}
	if opts.RegisterTimeout <= 0 {
		opts.RegisterTimeout = defaultRegisterTimeout
	}
	return &Channel{
		opts:    opts,
		state:   StateConnecting,
		waiters: make(map[string]chan protocol.Envelope),
	}
}

// Self returns the endpoint this channel registers as.
func (c *Channel) Self() protocol.Endpoint { return c.opts.Self }

// Status returns a snapshot of the connection state.
func (c *Channel) Status() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect registers with the hub. It is a no-op while connected or while a
// registration is in flight. A disconnected channel cannot be reconnected.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch {
	case c.state == StateDisconnected:
		c.mu.Unlock()
		return protocol.NewError(protocol.CodeConnectionLost, "channel is disconnected", nil)
	case c.state == StateConnected || c.registering:
		c.mu.Unlock()
		return nil
	}
	c.registering = true
	c.mu.Unlock()

	err := c.register(ctx)

	c.mu.Lock()
	c.registering = false
	c.mu.Unlock()
	return err
}

func (c *Channel) register(ctx context.Context) error {
	if !c.opts.Self.Concrete() || c.opts.Self == protocol.Hub {
		return protocol.NewError(protocol.CodeValidation, fmt.Sprintf("cannot register as %q", c.opts.Self), nil)
	}
	if c.opts.Dialer == nil {
		return protocol.NewError(protocol.CodeValidation, "channel has no dialer", nil)
	}

	t, err := c.opts.Dialer(ctx)
	if err != nil {
		return protocol.NewError(protocol.CodeNotConnected, "dial hub", err)
	}
	cn := &conn{
		t:        t,
		readDone: make(chan struct{}),
		done:     make(chan struct{}),
		inbound:  make(chan protocol.Envelope, inboundQueueSize),
	}

	c.mu.Lock()
	if c.state != StateConnecting {
		c.mu.Unlock()
		_ = t.Close()
		return protocol.NewError(protocol.CodeConnectionLost, "channel closed during connect", nil)
	}
	c.current = cn
	c.mu.Unlock()

	go c.dispatchLoop(cn)
	go c.readLoop(cn)

	id := uuid.NewString()
	ack, release := c.expect(id)
	defer release()

	env := protocol.Envelope{Type: protocol.TypeRegister, RequestID: id}
	if err := c.write(cn, protocol.Hub, env); err != nil {
		c.abandon(cn)
		return protocol.NewError(protocol.CodeNotConnected, "send register", err)
	}

	timer := time.NewTimer(c.opts.RegisterTimeout)
	defer timer.Stop()

	select {
	case <-ack:
	case <-timer.C:
		c.abandon(cn)
		return protocol.NewError(protocol.CodeNotConnected, "register acknowledgement timed out", nil)
	case <-cn.readDone:
		c.abandon(cn)
		return protocol.NewError(protocol.CodeNotConnected, "hub closed connection during register", nil)
	case <-ctx.Done():
		c.abandon(cn)
		return protocol.NewError(protocol.CodeNotConnected, "register cancelled", ctx.Err())
	}

	c.mu.Lock()
	if c.state != StateConnecting || c.current != cn {
		c.mu.Unlock()
		return protocol.NewError(protocol.CodeConnectionLost, "channel closed during connect", nil)
	}
	c.state = StateConnected
	c.mu.Unlock()

	slog.Info("channel connected", "endpoint", c.opts.Self)
	go c.probeLoop(cn)
	return nil
}

// abandon drops a transport whose registration failed. The channel stays
// connecting so the owner may retry Connect.
func (c *Channel) abandon(cn *conn) {
	c.mu.Lock()
	if c.current == cn {
		c.current = nil
	}
	c.mu.Unlock()
	if err := cn.t.Close(); err != nil {
		slog.Debug("channel transport close failed", "endpoint", c.opts.Self, "error", err)
	}
}

// Send stamps env with this endpoint and the current time and writes it to
// the hub for routing to target.
func (c *Channel) Send(target protocol.Endpoint, env protocol.Envelope) error {
	c.mu.Lock()
	if c.state != StateConnected || c.current == nil {
		state := c.state
		c.mu.Unlock()
		return protocol.NewError(protocol.CodeNotConnected, fmt.Sprintf("channel %s is %s", c.opts.Self, state), nil)
	}
	cn := c.current
	c.mu.Unlock()

	if err := c.write(cn, target, env); err != nil {
		c.teardown(cn, err)
		return protocol.NewError(protocol.CodeConnectionLost, "write to hub", err)
	}
	return nil
}

func (c *Channel) write(cn *conn, target protocol.Endpoint, env protocol.Envelope) error {
	env.Source = c.opts.Self
	env.Target = target
	env.Timestamp = time.Now().UTC()
	return cn.t.WriteEnvelope(env)
}

// Close tears the channel down. It is safe to call more than once.
func (c *Channel) Close() {
	c.teardown(nil, errClosedByOwner)
}

// teardown moves the channel to disconnected and runs cleanup once. A
// non-nil cn only applies while it is the live, registered transport.
func (c *Channel) teardown(cn *conn, cause error) {
	c.mu.Lock()
	if c.state == StateDisconnected {
		c.mu.Unlock()
		return
	}
	if cn != nil && (c.current != cn || c.state != StateConnected) {
		c.mu.Unlock()
		return
	}
	live := c.current
	c.state = StateDisconnected
	c.current = nil
	c.mu.Unlock()

	if live != nil {
		close(live.done)
		if err := live.t.Close(); err != nil {
			slog.Debug("channel transport close failed", "endpoint", c.opts.Self, "error", err)
		}
	}

	lost := protocol.NewError(protocol.CodeConnectionLost, fmt.Sprintf("channel %s disconnected", c.opts.Self), cause)
	if errors.Is(cause, errClosedByOwner) {
		slog.Info("channel closed", "endpoint", c.opts.Self)
	} else {
		slog.Warn("channel lost", "endpoint", c.opts.Self, "error", cause)
	}
	c.cleanupOnce.Do(func() {
		if c.opts.OnCleanup != nil {
			c.opts.OnCleanup(lost)
		}
	})
}

// readLoop handles control frames inline and queues everything else for
// dispatchLoop, so a slow handler never delays PONG or TEARDOWN processing.
func (c *Channel) readLoop(cn *conn) {
	defer close(cn.readDone)
	defer close(cn.inbound)
	for {
		env, err := cn.t.ReadEnvelope()
		if err != nil {
			slog.Debug("channel read loop exit", "endpoint", c.opts.Self, "error", err)
			c.teardown(cn, fmt.Errorf("read from hub: %w", err))
			return
		}
		c.handle(cn, env)
	}
}

func (c *Channel) handle(cn *conn, env protocol.Envelope) {
	if env.Target != c.opts.Self {
		slog.Debug("channel dropped misaddressed envelope", "endpoint", c.opts.Self, "type", env.Type, "target", env.Target)
		return
	}

	switch env.Type {
	case protocol.TypePing:
		pong, err := env.Reply(protocol.TypePong, protocol.Liveness{Alive: true})
		if err != nil {
			return
		}
		if err := c.write(cn, env.Source, pong); err != nil {
			slog.Debug("channel pong failed", "endpoint", c.opts.Self, "error", err)
		}
	case protocol.TypePong, protocol.TypeRegisterAck:
		c.resolve(env)
	case protocol.TypeTeardown:
		var td protocol.Teardown
		_ = env.Decode(&td)
		c.teardown(cn, fmt.Errorf("teardown from %s: %s", env.Source, td.Reason))
	case protocol.TypeRegister:
		slog.Debug("channel dropped register", "endpoint", c.opts.Self, "source", env.Source)
	default:
		if c.opts.Inbound == nil {
			slog.Debug("channel dropped envelope without inbound", "endpoint", c.opts.Self, "type", env.Type)
			return
		}
		cn.inbound <- env
	}
}

// dispatchLoop delivers queued envelopes in arrival order until the read
// loop exits.
func (c *Channel) dispatchLoop(cn *conn) {
	for env := range cn.inbound {
		c.opts.Inbound.Dispatch(env)
	}
}

func (c *Channel) probeLoop(cn *conn) {
	ticker := time.NewTicker(c.opts.ProbeInterval)
	defer ticker.Stop()

	missed := 0
	for {
		select {
		case <-cn.done:
			return
		case <-ticker.C:
		}

		if c.probe(cn) {
			missed = 0
			continue
		}
		missed++
		slog.Debug("channel missed liveness probe", "endpoint", c.opts.Self, "missed", missed)
		if missed >= c.opts.MaxMissedProbes {
			c.teardown(cn, fmt.Errorf("%d consecutive liveness probes missed", missed))
			return
		}
	}
}

// probe sends one PING and reports whether the PONG arrived in time.
func (c *Channel) probe(cn *conn) bool {
	id := uuid.NewString()
	pong, release := c.expect(id)
	defer release()

	if err := c.write(cn, protocol.Hub, protocol.Envelope{Type: protocol.TypePing, RequestID: id}); err != nil {
		slog.Debug("channel ping failed", "endpoint", c.opts.Self, "error", err)
		return false
	}

	timer := time.NewTimer(c.opts.ProbeTimeout)
	defer timer.Stop()
	select {
	case <-pong:
		return true
	case <-timer.C:
		return false
	case <-cn.done:
		return false
	}
}

func (c *Channel) expect(id string) (<-chan protocol.Envelope, func()) {
	ch := make(chan protocol.Envelope, 1)
	c.waitMu.Lock()
	c.waiters[id] = ch
	c.waitMu.Unlock()
	return ch, func() {
		c.waitMu.Lock()
		delete(c.waiters, id)
		c.waitMu.Unlock()
	}
}

func (c *Channel) resolve(env protocol.Envelope) {
	c.waitMu.Lock()
	ch, ok := c.waiters[env.RequestID]
	if ok {
		delete(c.waiters, env.RequestID)
	}
	c.waitMu.Unlock()
	if !ok {
		slog.Debug("channel dropped unmatched reply", "endpoint", c.opts.Self, "type", env.Type, "request_id", env.RequestID)
		return
	}
	ch <- env
}
