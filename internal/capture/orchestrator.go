package capture

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/miyaichi/adfit-checker/internal/protocol"
)

const (
	defaultSettleDelay     = time.Second
	defaultSliceTimeout    = 5 * time.Second
	defaultGeometryTimeout = 5 * time.Second
)

// Phase is the orchestrator state machine position.
type Phase string

const (
	PhaseIdle             Phase = "idle"
	PhaseAwaitingGeometry Phase = "awaiting_geometry"
	PhaseCapturingSlice   Phase = "capturing_slice"
	PhaseStitching        Phase = "stitching"
)

// State is a snapshot of the orchestrator. Slice is meaningful only while
// capturing.
type State struct {
	Phase       Phase             `json:"phase"`
	Slice       int               `json:"slice"`
	TotalSlices int               `json:"total_slices"`
	Target      protocol.Endpoint `json:"target,omitempty"`
}

// Progress is reported to the observer on every state transition. Err is set
// on the final transition back to idle when the session aborted.
type Progress struct {
	State
	Err error `json:"-"`
}

// Sender forwards envelopes to the hub.
type Sender interface {
	Send(target protocol.Endpoint, env protocol.Envelope) error
}

// Correlator hands out reply waiters keyed by request id.
type Correlator interface {
	Expect(requestID string) (<-chan protocol.Envelope, func())
}

// hardCanvasPixels caps the canvas when no limit is configured so the RGBA
// buffer size always fits in an int.
const hardCanvasPixels = 1 << 28

// Config tunes an Orchestrator. Zero durations take defaults.
type Config struct {
	CapturePeer     protocol.Endpoint
	SettleDelay     time.Duration
	SliceTimeout    time.Duration
	GeometryTimeout time.Duration
	// MaxCanvasPixels bounds FullWidth*FullHeight. Zero falls back to
	// hardCanvasPixels.
	MaxCanvasPixels int
	Observer        func(Progress)
}

// Result is a completed full-page capture.
type Result struct {
	Canvas   *image.RGBA
	PNG      []byte
	Geometry protocol.PageGeometry
	URL      string
	Slices   int
	Duration time.Duration
}

// Orchestrator drives a content endpoint and a capture peer through the
// scroll, capture, stitch sequence. One session runs at a time.
type Orchestrator struct {
	cfg    Config
	sender Sender
	corr   Correlator

	busy atomic.Bool
	slot slot

	mu    sync.Mutex
	state State

	sleep func(ctx context.Context, d time.Duration) error
}

// New creates an Orchestrator.
func New(cfg Config, sender Sender, corr Correlator) *Orchestrator {
	if cfg.CapturePeer == "" {
		cfg.CapturePeer = protocol.Hub
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = defaultSettleDelay
	}
	if cfg.SliceTimeout <= 0 {
		cfg.SliceTimeout = defaultSliceTimeout
	}
	if cfg.GeometryTimeout <= 0 {
		cfg.GeometryTimeout = defaultGeometryTimeout
	}
	return &Orchestrator{
		cfg:    cfg,
		sender: sender,
		corr:   corr,
		state:  State{Phase: PhaseIdle},
		sleep:  sleepContext,
	}
}

// State returns the current state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Capture stitches a full-page image of contentCtx using geometry g.
func (o *Orchestrator) Capture(ctx context.Context, contentCtx protocol.Endpoint, g protocol.PageGeometry) (*Result, error) {
	if !o.busy.CompareAndSwap(false, true) {
		return nil, protocol.NewError(protocol.CodeSessionBusy, "a capture session is already active", nil)
	}
	defer o.busy.Store(false)

	res, err := o.run(ctx, contentCtx, g)
	o.finish(err)
	return res, err
}

// CaptureTab asks contentCtx for its geometry and then captures it.
func (o *Orchestrator) CaptureTab(ctx context.Context, contentCtx protocol.Endpoint) (*Result, error) {
	if !o.busy.CompareAndSwap(false, true) {
		return nil, protocol.NewError(protocol.CodeSessionBusy, "a capture session is already active", nil)
	}
	defer o.busy.Store(false)

	o.transition(State{Phase: PhaseAwaitingGeometry, Target: contentCtx})
	geo, err := o.requestGeometry(ctx, contentCtx)
	if err != nil {
		o.finish(err)
		return nil, err
	}

	res, err := o.run(ctx, contentCtx, *geo.Geometry)
	if res != nil {
		res.URL = geo.URL
	}
	o.finish(err)
	return res, err
}

func (o *Orchestrator) requestGeometry(ctx context.Context, contentCtx protocol.Endpoint) (protocol.GeometryResult, error) {
	var geo protocol.GeometryResult
	reply, err := o.request(ctx, contentCtx, protocol.TypeGeometryRequest, nil, o.cfg.GeometryTimeout)
	if err != nil {
		return geo, err
	}
	if err := reply.Decode(&geo); err != nil {
		return geo, protocol.NewError(protocol.CodeGeometryUnavailable, "malformed geometry reply", err)
	}
	if !geo.Success || geo.Geometry == nil {
		return geo, protocol.NewError(protocol.CodeGeometryUnavailable, fmt.Sprintf("%s could not measure the page: %s", contentCtx, geo.Error), nil)
	}
	return geo, nil
}

func (o *Orchestrator) run(ctx context.Context, contentCtx protocol.Endpoint, g protocol.PageGeometry) (*Result, error) {
	start := time.Now()
	defer o.restore(contentCtx, g)

	total := g.SliceCount()
	if total == 0 {
		if g.FullHeight > 0 {
			return nil, protocol.NewError(protocol.CodeValidation, fmt.Sprintf("viewport height %d is not positive", g.ViewportHeight), nil)
		}
		return nil, protocol.NewError(protocol.CodeEmptyPage, "page has no height to capture", nil)
	}
	if g.FullWidth <= 0 {
		return nil, protocol.NewError(protocol.CodeValidation, fmt.Sprintf("page width %d is not positive", g.FullWidth), nil)
	}
	limit := o.cfg.MaxCanvasPixels
	if limit <= 0 {
		limit = hardCanvasPixels
	}
	// Divide rather than multiply: peer-reported sizes can overflow int.
	if g.FullWidth > limit/g.FullHeight {
		return nil, protocol.NewError(protocol.CodeValidation,
			fmt.Sprintf("canvas %dx%d exceeds %d pixels", g.FullWidth, g.FullHeight, limit), nil)
	}
	canvas := image.NewRGBA(image.Rect(0, 0, g.FullWidth, g.FullHeight))

	for i := 0; i < total; i++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("capture aborted before slice %d: %w", i, err)
		}
		o.transition(State{Phase: PhaseCapturingSlice, Slice: i, TotalSlices: total, Target: contentCtx})

		if err := o.scrollTo(contentCtx, 0, i*g.ViewportHeight); err != nil {
			return nil, err
		}
		if err := o.sleep(ctx, o.cfg.SettleDelay); err != nil {
			return nil, fmt.Errorf("capture aborted while settling slice %d: %w", i, err)
		}

		img, err := o.captureSlice(ctx, contentCtx, i)
		if err != nil {
			return nil, err
		}
		drawSlice(canvas, img, g, i)
	}

	o.transition(State{Phase: PhaseStitching, Slice: total - 1, TotalSlices: total, Target: contentCtx})
	data, err := encodePNG(canvas)
	if err != nil {
		return nil, protocol.NewError(protocol.CodeCaptureFailed, "encode stitched image", err)
	}

	return &Result{
		Canvas:   canvas,
		PNG:      data,
		Geometry: g,
		Slices:   total,
		Duration: time.Since(start),
	}, nil
}

func (o *Orchestrator) captureSlice(ctx context.Context, contentCtx protocol.Endpoint, i int) (image.Image, error) {
	var hint protocol.CaptureRequest
	if id, ok := contentCtx.TabID(); ok {
		hint.TabID = id
	}

	reply, err := o.request(ctx, o.cfg.CapturePeer, protocol.TypeCaptureRequest, hint, o.cfg.SliceTimeout)
	if err != nil {
		return nil, fmt.Errorf("slice %d: %w", i, err)
	}

	var result protocol.CaptureResult
	if err := reply.Decode(&result); err != nil {
		return nil, protocol.NewError(protocol.CodeInvalidImageData, fmt.Sprintf("slice %d: malformed capture result", i), err)
	}
	if !result.Success {
		return nil, protocol.NewError(protocol.CodeCaptureFailed, fmt.Sprintf("slice %d: %s", i, result.Error), nil)
	}
	img, err := decodeDataURL(result.ImageData)
	if err != nil {
		return nil, protocol.NewError(protocol.CodeInvalidImageData, fmt.Sprintf("slice %d", i), err)
	}
	return img, nil
}

// request sends one correlated request through the pending slot and waits
// for its reply, the timeout, or ctx.
func (o *Orchestrator) request(ctx context.Context, target protocol.Endpoint, t protocol.MessageType, payload any, timeout time.Duration) (protocol.Envelope, error) {
	env, err := protocol.NewEnvelope(t, payload)
	if err != nil {
		return protocol.Envelope{}, err
	}
	env.RequestID = uuid.NewString()

	o.slot.arm(env.RequestID)
	defer o.slot.release()

	replies, cancel := o.corr.Expect(env.RequestID)
	defer cancel()

	if err := o.sender.Send(target, env); err != nil {
		return protocol.Envelope{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case reply := <-replies:
		return reply, nil
	case <-timer.C:
		return protocol.Envelope{}, protocol.NewError(protocol.CodeCaptureTimeout,
			fmt.Sprintf("%s to %s timed out after %s", t, target, timeout), nil)
	case <-ctx.Done():
		return protocol.Envelope{}, fmt.Errorf("%s to %s: %w", t, target, ctx.Err())
	}
}

func (o *Orchestrator) scrollTo(target protocol.Endpoint, x, y int) error {
	env, err := protocol.NewEnvelope(protocol.TypeScrollTo, protocol.ScrollTo{X: x, Y: y})
	if err != nil {
		return err
	}
	return o.sender.Send(target, env)
}

// restore returns the page to the scroll position recorded in g.
func (o *Orchestrator) restore(contentCtx protocol.Endpoint, g protocol.PageGeometry) {
	if err := o.scrollTo(contentCtx, g.ScrollX, g.ScrollY); err != nil {
		slog.Warn("capture scroll restore failed", "target", contentCtx, "x", g.ScrollX, "y", g.ScrollY, "error", err)
	}
}

func (o *Orchestrator) transition(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
	if o.cfg.Observer != nil {
		o.cfg.Observer(Progress{State: s})
	}
}

func (o *Orchestrator) finish(err error) {
	o.mu.Lock()
	last := o.state
	o.state = State{Phase: PhaseIdle}
	o.mu.Unlock()

	if err != nil {
		slog.Warn("capture session aborted", "target", last.Target, "phase", last.Phase, "slice", last.Slice, "error", err)
	}
	if o.cfg.Observer != nil {
		o.cfg.Observer(Progress{State: State{Phase: PhaseIdle, TotalSlices: last.TotalSlices, Target: last.Target}, Err: err})
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// errSlotBusy is the panic value raised when a second request is armed.
var errSlotBusy = errors.New("capture: pending request slot already armed")

// slot holds the single outstanding request id of a session.
type slot struct {
	mu sync.Mutex
	id string
}

func (s *slot) arm(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.id != "" {
		panic(fmt.Errorf("%w (held by %s)", errSlotBusy, s.id))
	}
	s.id = id
}

func (s *slot) release() {
	s.mu.Lock()
	s.id = ""
	s.mu.Unlock()
}

func (s *slot) armed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id != ""
}
