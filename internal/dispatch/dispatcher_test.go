package dispatch

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/miyaichi/adfit-checker/internal/protocol"
)

func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	oldLogger := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() {
		slog.SetDefault(oldLogger)
	})
	return &buf
}

func TestSetHandlerReturnsPrevious(t *testing.T) {
	d := New()
	var calls []string
	first := Handler(func(protocol.Envelope) { calls = append(calls, "first") })
	second := Handler(func(protocol.Envelope) { calls = append(calls, "second") })

	if prev := d.SetHandler(first); prev != nil {
		t.Fatal("SetHandler() on empty slot returned non-nil handler")
	}
	if prev := d.SetHandler(second); prev == nil {
		t.Fatal("SetHandler() did not return the replaced handler")
	}

	d.Dispatch(protocol.Envelope{Type: protocol.TypeScrollTo})
	if len(calls) != 1 || calls[0] != "second" {
		t.Fatalf("handler calls = %v; want [second]", calls)
	}
}

func TestDispatchWithoutHandlerLogsDebug(t *testing.T) {
	buf := captureLogs(t)
	d := New()
	d.Dispatch(protocol.Envelope{Type: protocol.TypeGeometryRequest, Source: protocol.Panel})

	if !strings.Contains(buf.String(), "dispatch dropped envelope without handler") {
		t.Fatalf("expected drop debug log, got %q", buf.String())
	}
}

func TestExpectDeliversOnceAndBypassesHandler(t *testing.T) {
	d := New()
	handled := 0
	d.SetHandler(func(protocol.Envelope) { handled++ })

	ch, cancel := d.Expect("req-1")
	defer cancel()

	reply := protocol.Envelope{Type: protocol.TypeCaptureResult, RequestID: "req-1"}
	d.Dispatch(reply)
	d.Dispatch(reply)

	got := <-ch
	if got.RequestID != "req-1" {
		t.Fatalf("delivered request id = %q; want req-1", got.RequestID)
	}
	select {
	case extra := <-ch:
		t.Fatalf("second delivery = %+v; want none", extra)
	default:
	}
	if handled != 0 {
		t.Fatalf("handler saw %d replies; want 0", handled)
	}
	if d.Pending() != 0 {
		t.Fatalf("Pending() = %d; want 0", d.Pending())
	}
}

func TestCancelledExpectationMakesReplyStale(t *testing.T) {
	buf := captureLogs(t)
	d := New()
	handled := 0
	d.SetHandler(func(protocol.Envelope) { handled++ })

	ch, cancel := d.Expect("req-2")
	cancel()
	d.Dispatch(protocol.Envelope{Type: protocol.TypeCaptureResult, RequestID: "req-2"})

	select {
	case env := <-ch:
		t.Fatalf("cancelled waiter received %+v", env)
	default:
	}
	if handled != 0 {
		t.Fatalf("stale reply reached handler %d times", handled)
	}
	if !strings.Contains(buf.String(), "dispatch dropped stale reply") {
		t.Fatalf("expected stale reply debug log, got %q", buf.String())
	}
}

func TestExpectDuplicateIDPanics(t *testing.T) {
	d := New()
	_, cancel := d.Expect("dup")
	defer cancel()

	defer func() {
		if recover() == nil {
			t.Fatal("Expect() with duplicate id did not panic")
		}
	}()
	d.Expect("dup")
}
