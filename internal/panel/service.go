package panel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/miyaichi/adfit-checker/internal/capture"
	"github.com/miyaichi/adfit-checker/internal/channel"
	"github.com/miyaichi/adfit-checker/internal/events"
	"github.com/miyaichi/adfit-checker/internal/protocol"
	"github.com/miyaichi/adfit-checker/internal/snapshot"
)

// ConnectionStatus is the panel's view of its hub connection.
type ConnectionStatus struct {
	Endpoint    protocol.Endpoint `json:"endpoint"`
	State       channel.State     `json:"state"`
	CapturePeer protocol.Endpoint `json:"capture_peer"`
}

// CaptureEvent is published under events.KindCapture.
type CaptureEvent struct {
	Phase       string            `json:"phase"`
	Slice       int               `json:"slice"`
	TotalSlices int               `json:"total_slices"`
	Target      protocol.Endpoint `json:"target,omitempty"`
	Error       string            `json:"error,omitempty"`
	Code        string            `json:"code,omitempty"`
	SnapshotID  string            `json:"snapshot_id,omitempty"`
}

// ConnectionEvent is published under events.KindConnection.
type ConnectionEvent struct {
	State channel.State `json:"state"`
	Error string        `json:"error,omitempty"`
}

const phaseSaved = "saved"

// ConnectionEvents returns a LinkConfig.OnStateChange that publishes to b.
func ConnectionEvents(b *events.Broker) func(channel.State, error) {
	return func(state channel.State, err error) {
		evt := ConnectionEvent{State: state}
		if err != nil {
			evt.Error = err.Error()
		}
		b.PublishJSON(events.KindConnection, evt)
	}
}

// Service is the control panel: it drives captures over the link and keeps
// the results in the snapshot store.
type Service struct {
	link        *Link
	orch        *capture.Orchestrator
	store       *snapshot.Store
	broker      *events.Broker
	capturePeer protocol.Endpoint
}

// NewService builds a Service. cfg.Observer is replaced by one that
// publishes capture progress to broker.
func NewService(cfg capture.Config, link *Link, store *snapshot.Store, broker *events.Broker) *Service {
	s := &Service{link: link, store: store, broker: broker}
	cfg.Observer = s.publishProgress
	s.orch = capture.New(cfg, link, link)
	s.capturePeer = cfg.CapturePeer
	if s.capturePeer == "" {
		s.capturePeer = protocol.Hub
	}
	return s
}

func (s *Service) publishProgress(p capture.Progress) {
	evt := CaptureEvent{
		Phase:       string(p.Phase),
		Slice:       p.Slice,
		TotalSlices: p.TotalSlices,
		Target:      p.Target,
	}
	if p.Err != nil {
		evt.Error = p.Err.Error()
		evt.Code = errorCode(p.Err)
	}
	s.broker.PublishJSON(events.KindCapture, evt)
}

// ConnectionStatus reports the link state.
func (s *Service) ConnectionStatus() ConnectionStatus {
	return ConnectionStatus{
		Endpoint:    protocol.Panel,
		State:       s.link.Status(),
		CapturePeer: s.capturePeer,
	}
}

// Reconnect restores the hub connection if it was lost.
func (s *Service) Reconnect(ctx context.Context) (ConnectionStatus, error) {
	err := s.link.Reconnect(ctx)
	return s.ConnectionStatus(), err
}

// CaptureTab captures the full page of tabID and stores it as a snapshot.
func (s *Service) CaptureTab(ctx context.Context, tabID int, notes string) (snapshot.Meta, error) {
	if tabID <= 0 {
		return snapshot.Meta{}, protocol.NewError(protocol.CodeValidation, fmt.Sprintf("tab id must be positive, got %d", tabID), nil)
	}
	if state := s.link.Status(); state != channel.StateConnected {
		return snapshot.Meta{}, protocol.NewError(protocol.CodeNotConnected, fmt.Sprintf("panel link is %s", state), nil)
	}

	target := protocol.TabEndpoint(tabID)
	res, err := s.orch.CaptureTab(ctx, target)
	if err != nil {
		return snapshot.Meta{}, err
	}

	meta := snapshot.Meta{
		ID:         snapshot.NewID(),
		Endpoint:   target,
		TabID:      tabID,
		URL:        res.URL,
		Format:     "png",
		Width:      res.Geometry.FullWidth,
		Height:     res.Geometry.FullHeight,
		Slices:     res.Slices,
		SizeBytes:  len(res.PNG),
		DurationMS: res.Duration.Milliseconds(),
		CreatedAt:  time.Now().UTC(),
		Notes:      notes,
	}
	if err := s.store.Save(meta, res.PNG); err != nil {
		return snapshot.Meta{}, err
	}

	slog.Info("capture saved", "snapshot_id", meta.ID, "tab_id", tabID, "width", meta.Width, "height", meta.Height, "slices", meta.Slices, "duration_ms", meta.DurationMS)
	s.broker.PublishJSON(events.KindCapture, CaptureEvent{
		Phase:       phaseSaved,
		Slice:       res.Slices - 1,
		TotalSlices: res.Slices,
		Target:      target,
		SnapshotID:  meta.ID,
	})
	return meta, nil
}

// CaptureState reports the orchestrator's current state.
func (s *Service) CaptureState() capture.State {
	return s.orch.State()
}

func (s *Service) ListSnapshots() ([]snapshot.Meta, error) {
	return s.store.List()
}

func (s *Service) GetSnapshot(id string) (snapshot.Meta, error) {
	return s.store.Get(id)
}

func (s *Service) ReadSnapshotImage(id string) ([]byte, string, error) {
	return s.store.ReadImage(id)
}

func (s *Service) DeleteSnapshot(id string) error {
	return s.store.Delete(id)
}

func errorCode(err error) string {
	var ce *protocol.CodedError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}
