package cdppeer

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/miyaichi/adfit-checker/internal/protocol"
)

// Sender forwards envelopes toward the hub.
type Sender interface {
	Send(target protocol.Endpoint, env protocol.Envelope) error
}

// ContentPeer answers scroll and geometry requests for one bound tab.
type ContentPeer struct {
	self    protocol.Endpoint
	page    Page
	sender  Sender
	timeout time.Duration
}

func NewContentPeer(self protocol.Endpoint, page Page, sender Sender) *ContentPeer {
	return &ContentPeer{self: self, page: page, sender: sender, timeout: defaultActionTimeout}
}

// Handle is installed as the tab dispatcher handler. Envelopes are handled in
// arrival order so a scroll lands before the capture that follows it.
func (p *ContentPeer) Handle(env protocol.Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	switch env.Type {
	case protocol.TypeScrollTo:
		var pos protocol.ScrollTo
		if err := env.Decode(&pos); err != nil {
			slog.Warn("content peer bad scroll payload", "endpoint", p.self, "error", err)
			return
		}
		if err := p.page.ScrollTo(ctx, pos.X, pos.Y); err != nil {
			slog.Warn("content peer scroll failed", "endpoint", p.self, "x", pos.X, "y", pos.Y, "error", err)
		}
	case protocol.TypeGeometryRequest:
		result := protocol.GeometryResult{Success: true}
		geo, url, err := p.page.Measure(ctx)
		if err != nil {
			result = protocol.GeometryResult{Error: err.Error()}
		} else {
			result.Geometry = &geo
			result.URL = url
		}
		p.reply(env, protocol.TypeGeometryResult, result)
	default:
		slog.Debug("content peer ignored envelope", "endpoint", p.self, "type", env.Type, "source", env.Source)
	}
}

func (p *ContentPeer) reply(req protocol.Envelope, t protocol.MessageType, payload any) {
	reply, err := req.Reply(t, payload)
	if err != nil {
		slog.Warn("content peer reply encode failed", "endpoint", p.self, "error", err)
		return
	}
	if err := p.sender.Send(reply.Target, reply); err != nil {
		slog.Warn("content peer reply failed", "endpoint", p.self, "type", t, "target", reply.Target, "error", err)
	}
}

// CapturePeer takes viewport screenshots on behalf of remote endpoints.
type CapturePeer struct {
	pages   Pages
	sender  Sender
	timeout time.Duration

	// Screenshots of one browser are taken one at a time.
	mu sync.Mutex
}

func NewCapturePeer(pages Pages, sender Sender) *CapturePeer {
	return &CapturePeer{pages: pages, sender: sender, timeout: defaultActionTimeout}
}

// Handle is installed as the hub local handler. Each capture runs on its own
// goroutine so the caller's read loop is not blocked.
func (p *CapturePeer) Handle(env protocol.Envelope) {
	if env.Type != protocol.TypeCaptureRequest {
		slog.Debug("capture peer ignored envelope", "type", env.Type, "source", env.Source)
		return
	}
	go p.capture(env)
}

func (p *CapturePeer) capture(req protocol.Envelope) {
	var hint protocol.CaptureRequest
	if len(req.Payload) > 0 {
		if err := req.Decode(&hint); err != nil {
			p.reply(req, protocol.CaptureResult{Error: err.Error()})
			return
		}
	}

	tabID, page, err := p.resolve(hint.TabID)
	if err != nil {
		p.reply(req, protocol.CaptureResult{Error: err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	p.mu.Lock()
	data, err := page.CaptureViewport(ctx)
	p.mu.Unlock()
	if err != nil {
		slog.Warn("capture peer screenshot failed", "tab_id", tabID, "error", err)
		p.reply(req, protocol.CaptureResult{Error: err.Error()})
		return
	}

	slog.Debug("capture peer screenshot taken", "tab_id", tabID, "bytes", len(data), "request_id", req.RequestID)
	p.reply(req, protocol.CaptureResult{
		Success:   true,
		ImageData: "data:image/png;base64," + base64.StdEncoding.EncodeToString(data),
	})
}

func (p *CapturePeer) resolve(tabID int) (int, Page, error) {
	if tabID > 0 {
		page, ok := p.pages.Page(tabID)
		if !ok {
			return 0, nil, fmt.Errorf("tab %d is not attached", tabID)
		}
		return tabID, page, nil
	}
	id, page, ok := p.pages.First()
	if !ok {
		return 0, nil, fmt.Errorf("no attached tab to capture")
	}
	return id, page, nil
}

func (p *CapturePeer) reply(req protocol.Envelope, result protocol.CaptureResult) {
	reply, err := req.Reply(protocol.TypeCaptureResult, result)
	if err != nil {
		slog.Warn("capture peer reply encode failed", "error", err)
		return
	}
	if err := p.sender.Send(reply.Target, reply); err != nil {
		slog.Warn("capture peer reply failed", "target", reply.Target, "request_id", req.RequestID, "error", err)
	}
}
