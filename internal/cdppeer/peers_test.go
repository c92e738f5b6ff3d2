package cdppeer

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chromedp/cdproto/target"

	"github.com/miyaichi/adfit-checker/internal/protocol"
)

type fakePage struct {
	mu       sync.Mutex
	scrolls  [][2]int
	geometry protocol.PageGeometry
	url      string
	shot     []byte
	err      error
}

func (p *fakePage) ScrollTo(_ context.Context, x, y int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scrolls = append(p.scrolls, [2]int{x, y})
	return p.err
}

func (p *fakePage) Measure(context.Context) (protocol.PageGeometry, string, error) {
	return p.geometry, p.url, p.err
}

func (p *fakePage) CaptureViewport(context.Context) ([]byte, error) {
	return p.shot, p.err
}

type fakePages map[int]*fakePage

func (f fakePages) Page(id int) (Page, bool) {
	p, ok := f[id]
	if !ok {
		return nil, false
	}
	return p, true
}

func (f fakePages) First() (int, Page, bool) {
	best := 0
	for id := range f {
		if best == 0 || id < best {
			best = id
		}
	}
	if best == 0 {
		return 0, nil, false
	}
	return best, f[best], true
}

type recordingSender struct {
	ch chan protocol.Envelope
}

func newRecordingSender() *recordingSender {
	return &recordingSender{ch: make(chan protocol.Envelope, 8)}
}

func (s *recordingSender) Send(target protocol.Endpoint, env protocol.Envelope) error {
	env.Target = target
	s.ch <- env
	return nil
}

func (s *recordingSender) next(t *testing.T) protocol.Envelope {
	t.Helper()
	select {
	case env := <-s.ch:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("no envelope sent")
	}
	return protocol.Envelope{}
}

func TestContentPeerScrollsAndMeasures(t *testing.T) {
	page := &fakePage{
		geometry: protocol.PageGeometry{FullWidth: 1280, FullHeight: 4000, ViewportHeight: 720, ScrollY: 90},
		url:      "https://publisher.example/",
	}
	sender := newRecordingSender()
	peer := NewContentPeer(protocol.TabEndpoint(3), page, sender)

	scroll, _ := protocol.NewEnvelope(protocol.TypeScrollTo, protocol.ScrollTo{X: 0, Y: 1440})
	peer.Handle(scroll)
	if len(page.scrolls) != 1 || page.scrolls[0] != [2]int{0, 1440} {
		t.Fatalf("scrolls = %v; want [[0 1440]]", page.scrolls)
	}

	req := protocol.Envelope{Type: protocol.TypeGeometryRequest, Source: protocol.Panel, Target: protocol.TabEndpoint(3), RequestID: "g1"}
	peer.Handle(req)
	reply := sender.next(t)
	if reply.Type != protocol.TypeGeometryResult || reply.Target != protocol.Panel || reply.RequestID != "g1" {
		t.Fatalf("reply = %+v; want GEOMETRY_RESULT g1 to panel", reply)
	}
	var res protocol.GeometryResult
	if err := reply.Decode(&res); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if !res.Success || res.Geometry == nil || res.Geometry.FullHeight != 4000 || res.URL != "https://publisher.example/" {
		t.Fatalf("geometry result = %+v", res)
	}
}

func TestContentPeerReportsMeasureFailure(t *testing.T) {
	page := &fakePage{err: errors.New("execution context was destroyed")}
	sender := newRecordingSender()
	peer := NewContentPeer(protocol.TabEndpoint(3), page, sender)

	peer.Handle(protocol.Envelope{Type: protocol.TypeGeometryRequest, Source: protocol.Panel, RequestID: "g2"})
	var res protocol.GeometryResult
	if err := sender.next(t).Decode(&res); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if res.Success || !strings.Contains(res.Error, "destroyed") {
		t.Fatalf("geometry result = %+v; want failure", res)
	}
}

func TestCapturePeerRepliesWithDataURL(t *testing.T) {
	pages := fakePages{5: {shot: []byte("png-bytes")}, 9: {shot: []byte("other")}}
	sender := newRecordingSender()
	peer := NewCapturePeer(pages, sender)

	req, _ := protocol.NewEnvelope(protocol.TypeCaptureRequest, protocol.CaptureRequest{TabID: 9})
	req.Source = protocol.Panel
	req.Target = protocol.Hub
	req.RequestID = "c1"
	peer.Handle(req)

	reply := sender.next(t)
	if reply.Type != protocol.TypeCaptureResult || reply.RequestID != "c1" || reply.Target != protocol.Panel {
		t.Fatalf("reply = %+v; want CAPTURE_RESULT c1 to panel", reply)
	}
	var res protocol.CaptureResult
	if err := reply.Decode(&res); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if !res.Success || res.ImageData != "data:image/png;base64,b3RoZXI=" {
		t.Fatalf("capture result = %+v", res)
	}
}

func TestCapturePeerFallsBackToFirstTabAndReportsMissing(t *testing.T) {
	sender := newRecordingSender()
	peer := NewCapturePeer(fakePages{5: {shot: []byte("a")}}, sender)

	peer.Handle(protocol.Envelope{Type: protocol.TypeCaptureRequest, Source: protocol.Panel, RequestID: "c2"})
	var res protocol.CaptureResult
	_ = sender.next(t).Decode(&res)
	if !res.Success {
		t.Fatalf("capture without hint = %+v; want success", res)
	}

	req, _ := protocol.NewEnvelope(protocol.TypeCaptureRequest, protocol.CaptureRequest{TabID: 77})
	req.Source = protocol.Panel
	peer.Handle(req)
	_ = sender.next(t).Decode(&res)
	if res.Success || !strings.Contains(res.Error, "77") {
		t.Fatalf("capture of unknown tab = %+v; want failure naming tab 77", res)
	}
}

func TestTabRegistryIDsAreStable(t *testing.T) {
	r := NewTabRegistry()
	a, ok := r.Register(target.ID("ABCDEF0123"), "https://a.example/")
	if !ok {
		t.Fatal("Register() rejected fresh target")
	}
	if a.ID <= 0 || a.ID != TabIDFor("ABCDEF0123") {
		t.Fatalf("tab id = %d; want positive derived id", a.ID)
	}
	again, _ := r.Register(target.ID("ABCDEF0123"), "https://a.example/next")
	if again.ID != a.ID || again.URL != "https://a.example/next" {
		t.Fatalf("re-register = %+v; want same id with new url", again)
	}

	r.Remove("ABCDEF0123")
	if _, ok := r.Get(a.ID); ok {
		t.Fatal("Get() after Remove() found tab")
	}
	if r.Count() != 0 {
		t.Fatalf("Count() = %d; want 0", r.Count())
	}
}

func TestScriptInjectable(t *testing.T) {
	for url, want := range map[string]bool{
		"https://example.com/":     true,
		"http://localhost:8080/":   true,
		"chrome://extensions/":     false,
		"about:blank":              false,
		"devtools://devtools/main": false,
	} {
		if got := ScriptInjectable(url); got != want {
			t.Fatalf("ScriptInjectable(%q) = %v; want %v", url, got, want)
		}
	}
}
