package hub

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"

	"github.com/miyaichi/adfit-checker/internal/protocol"
	"github.com/miyaichi/adfit-checker/internal/wire"
)

const defaultOutboundBuffer = 64

const (
	reasonReplaced    = "replaced"
	reasonPanelClosed = "panel closed"
)

// Config tunes the routing hub.
type Config struct {
	OutboundBuffer           int
	TeardownTabsOnPanelClose bool
}

// LocalHandler receives envelopes addressed to the hub itself.
type LocalHandler func(env protocol.Envelope)

// EndpointInfo describes a registered endpoint.
type EndpointInfo struct {
	Endpoint    protocol.Endpoint `json:"endpoint"`
	ConnectedAt time.Time         `json:"connected_at"`
	Delivered   int64             `json:"delivered"`
	Dropped     int64             `json:"dropped"`
}

// Server routes envelopes between registered endpoints by exact target match.
type Server struct {
	cfg Config

	mu    sync.RWMutex
	peers map[protocol.Endpoint]*peer

	localMu sync.RWMutex
	local   LocalHandler
}

// NewServer creates a hub with no registered endpoints.
func NewServer(cfg Config) *Server {
	if cfg.OutboundBuffer <= 0 {
		cfg.OutboundBuffer = defaultOutboundBuffer
	}
	return &Server{cfg: cfg, peers: make(map[protocol.Endpoint]*peer)}
}

// SetLocalHandler installs the handler for hub-addressed envelopes.
func (s *Server) SetLocalHandler(fn LocalHandler) {
	s.localMu.Lock()
	s.local = fn
	s.localMu.Unlock()
}

// Handler upgrades the request to a WebSocket and serves it.
func (s *Server) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			slog.Warn("hub websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
			return
		}
		if err := s.Serve(r.Context(), wire.ServerTransport(conn)); err != nil {
			slog.Debug("hub connection ended", "remote_addr", r.RemoteAddr, "error", err)
		}
	}
}

// Serve registers the endpoint announced by the first envelope on t and
// routes its traffic until the transport fails or ctx ends.
func (s *Server) Serve(ctx context.Context, t wire.Transport) error {
	first, err := t.ReadEnvelope()
	if err != nil {
		_ = t.Close()
		return fmt.Errorf("hub: read register: %w", err)
	}
	if first.Type != protocol.TypeRegister || !first.Source.Concrete() || first.Source == protocol.Hub {
		_ = t.Close()
		return protocol.NewError(protocol.CodeValidation,
			fmt.Sprintf("first envelope must register a client endpoint, got %s from %q", first.Type, first.Source), nil)
	}

	p := newPeer(first.Source, t, s.cfg.OutboundBuffer)
	go p.writeLoop()

	ack, err := first.Reply(protocol.TypeRegisterAck, protocol.RegisterAck{Endpoint: p.endpoint})
	if err != nil {
		p.close()
		return err
	}
	ack.Source = protocol.Hub
	ack.Timestamp = time.Now().UTC()

	s.register(p, ack)
	defer s.unregister(p)

	stop := context.AfterFunc(ctx, p.close)
	defer stop()

	for {
		env, err := t.ReadEnvelope()
		if err != nil {
			return fmt.Errorf("hub: read from %s: %w", p.endpoint, err)
		}
		s.handle(p, env)
	}
}

func (s *Server) handle(p *peer, env protocol.Envelope) {
	if env.Source != p.endpoint {
		slog.Warn("hub dropped envelope with spoofed source", "endpoint", p.endpoint, "source", env.Source, "type", env.Type)
		return
	}

	if env.Target == protocol.Hub {
		switch env.Type {
		case protocol.TypePing:
			pong, err := env.Reply(protocol.TypePong, protocol.Liveness{Alive: true})
			if err != nil {
				return
			}
			pong.Source = protocol.Hub
			pong.Timestamp = time.Now().UTC()
			p.enqueue(pong)
			return
		case protocol.TypePong, protocol.TypeRegister:
			slog.Debug("hub ignored control envelope", "endpoint", p.endpoint, "type", env.Type)
			return
		}
	}

	if err := s.Route(env); err != nil {
		slog.Warn("hub route failed", "source", env.Source, "target", env.Target, "type", env.Type, "error", err)
	}
}

// Route delivers env to its exact target. Hub-addressed envelopes go to the
// local handler. Nothing is persisted or retried.
func (s *Server) Route(env protocol.Envelope) error {
	if !env.Target.Concrete() {
		return protocol.NewError(protocol.CodeValidation, fmt.Sprintf("target %q is not routable", env.Target), nil)
	}

	if env.Target == protocol.Hub {
		s.localMu.RLock()
		fn := s.local
		s.localMu.RUnlock()
		if fn == nil {
			slog.Debug("hub dropped local envelope without handler", "type", env.Type, "source", env.Source)
			return nil
		}
		fn(env)
		return nil
	}

	s.mu.RLock()
	p, ok := s.peers[env.Target]
	s.mu.RUnlock()
	if !ok {
		return protocol.NewError(protocol.CodeNotFound, fmt.Sprintf("endpoint %s is not registered", env.Target), nil)
	}
	if !p.enqueue(env) {
		slog.Warn("hub outbound queue full, envelope dropped", "target", env.Target, "type", env.Type)
	}
	return nil
}

// Send routes env from the hub itself to target.
func (s *Server) Send(target protocol.Endpoint, env protocol.Envelope) error {
	env.Source = protocol.Hub
	env.Target = target
	env.Timestamp = time.Now().UTC()
	return s.Route(env)
}

// Teardown tells endpoint to disconnect and closes its connection.
func (s *Server) Teardown(endpoint protocol.Endpoint, reason string) error {
	s.mu.RLock()
	p, ok := s.peers[endpoint]
	s.mu.RUnlock()
	if !ok {
		return protocol.NewError(protocol.CodeNotFound, fmt.Sprintf("endpoint %s is not registered", endpoint), nil)
	}
	p.teardown(reason)
	return nil
}

// Endpoints lists registered endpoints sorted by name.
func (s *Server) Endpoints() []EndpointInfo {
	s.mu.RLock()
	out := make([]EndpointInfo, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, p.info())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Endpoint < out[j].Endpoint })
	return out
}

// Close disconnects every endpoint.
func (s *Server) Close() {
	s.mu.RLock()
	peers := make([]*peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.RUnlock()
	for _, p := range peers {
		p.close()
	}
}

// register makes p routable, tears down any connection it replaces and only
// then queues ack, so a client never sees its ACK before it can be reached.
func (s *Server) register(p *peer, ack protocol.Envelope) {
	s.mu.Lock()
	old := s.peers[p.endpoint]
	s.peers[p.endpoint] = p
	if old != nil {
		old.teardown(reasonReplaced)
	}
	p.enqueue(ack)
	s.mu.Unlock()

	if old != nil {
		slog.Info("hub endpoint replaced", "endpoint", p.endpoint)
		return
	}
	slog.Info("hub endpoint registered", "endpoint", p.endpoint)
}

func (s *Server) unregister(p *peer) {
	p.close()

	s.mu.Lock()
	current := s.peers[p.endpoint] == p
	if current {
		delete(s.peers, p.endpoint)
	}
	s.mu.Unlock()
	if !current {
		return
	}
	slog.Info("hub endpoint disconnected", "endpoint", p.endpoint)

	if p.endpoint == protocol.Panel && s.cfg.TeardownTabsOnPanelClose {
		s.teardownTabs(reasonPanelClosed)
	}
}

func (s *Server) teardownTabs(reason string) {
	s.mu.RLock()
	var tabs []*peer
	for ep, p := range s.peers {
		if ep.IsTab() {
			tabs = append(tabs, p)
		}
	}
	s.mu.RUnlock()
	for _, p := range tabs {
		p.teardown(reason)
	}
}

// peer is one registered connection with its outbound queue.
type peer struct {
	endpoint    protocol.Endpoint
	t           wire.Transport
	out         chan protocol.Envelope
	done        chan struct{}
	closeOnce   sync.Once
	connectedAt time.Time

	delivered atomic.Int64
	dropped   atomic.Int64
}

func newPeer(ep protocol.Endpoint, t wire.Transport, buf int) *peer {
	return &peer{
		endpoint:    ep,
		t:           t,
		out:         make(chan protocol.Envelope, buf),
		done:        make(chan struct{}),
		connectedAt: time.Now().UTC(),
	}
}

func (p *peer) enqueue(env protocol.Envelope) bool {
	select {
	case <-p.done:
		p.dropped.Add(1)
		return false
	default:
	}
	select {
	case p.out <- env:
		return true
	default:
		p.dropped.Add(1)
		return false
	}
}

// writeLoop drains the queue in order. A TEARDOWN is the last frame written.
func (p *peer) writeLoop() {
	for {
		select {
		case <-p.done:
			return
		case env := <-p.out:
			if err := p.t.WriteEnvelope(env); err != nil {
				slog.Debug("hub write failed", "endpoint", p.endpoint, "type", env.Type, "error", err)
				p.close()
				return
			}
			p.delivered.Add(1)
			if env.Type == protocol.TypeTeardown {
				p.close()
				return
			}
		}
	}
}

func (p *peer) teardown(reason string) {
	env, err := protocol.NewEnvelope(protocol.TypeTeardown, protocol.Teardown{Reason: reason})
	if err != nil || !p.enqueueTeardown(env) {
		p.close()
	}
}

func (p *peer) enqueueTeardown(env protocol.Envelope) bool {
	env.Source = protocol.Hub
	env.Target = p.endpoint
	env.Timestamp = time.Now().UTC()
	return p.enqueue(env)
}

func (p *peer) close() {
	p.closeOnce.Do(func() {
		close(p.done)
		if err := p.t.Close(); err != nil {
			slog.Debug("hub transport close failed", "endpoint", p.endpoint, "error", err)
		}
	})
}

func (p *peer) info() EndpointInfo {
	return EndpointInfo{
		Endpoint:    p.endpoint,
		ConnectedAt: p.connectedAt,
		Delivered:   p.delivered.Load(),
		Dropped:     p.dropped.Load(),
	}
}
