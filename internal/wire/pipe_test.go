package wire

import (
	"errors"
	"io"
	"testing"

	"github.com/miyaichi/adfit-checker/internal/protocol"
)

func TestPipePreservesWriteOrder(t *testing.T) {
	a, b := Pipe()
	t.Cleanup(func() { _ = a.Close() })

	for y := 0; y < 5; y++ {
		env, err := protocol.NewEnvelope(protocol.TypeScrollTo, protocol.ScrollTo{Y: y * 100})
		if err != nil {
			t.Fatalf("NewEnvelope() error = %v", err)
		}
		if err := a.WriteEnvelope(env); err != nil {
			t.Fatalf("WriteEnvelope() error = %v", err)
		}
	}

	for y := 0; y < 5; y++ {
		env, err := b.ReadEnvelope()
		if err != nil {
			t.Fatalf("ReadEnvelope() error = %v", err)
		}
		var got protocol.ScrollTo
		if err := env.Decode(&got); err != nil {
			t.Fatalf("Decode() error = %v", err)
		}
		if got.Y != y*100 {
			t.Fatalf("read y = %d; want %d", got.Y, y*100)
		}
	}
}

func TestPipeCloseEndsBothSides(t *testing.T) {
	a, b := Pipe()
	if err := b.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if _, err := a.ReadEnvelope(); !errors.Is(err, io.EOF) {
		t.Fatalf("ReadEnvelope() after close = %v; want io.EOF", err)
	}
	if err := a.WriteEnvelope(protocol.Envelope{Type: protocol.TypePing}); !errors.Is(err, ErrClosed) {
		t.Fatalf("WriteEnvelope() after close = %v; want ErrClosed", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
}
