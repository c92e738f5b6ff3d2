package wire

import (
	"io"
	"sync"

	"github.com/miyaichi/adfit-checker/internal/protocol"
)

const pipeBufSize = 64

type pipeState struct {
	done chan struct{}
	once sync.Once
}

func (s *pipeState) close() {
	s.once.Do(func() { close(s.done) })
}

type pipeEnd struct {
	state *pipeState
	in    <-chan protocol.Envelope
	out   chan<- protocol.Envelope

	writeMu sync.Mutex
}

// Pipe returns an in-memory connected pair. Closing either end closes both.
func Pipe() (Transport, Transport) {
	state := &pipeState{done: make(chan struct{})}
	ab := make(chan protocol.Envelope, pipeBufSize)
	ba := make(chan protocol.Envelope, pipeBufSize)
	return &pipeEnd{state: state, in: ba, out: ab},
		&pipeEnd{state: state, in: ab, out: ba}
}

func (p *pipeEnd) WriteEnvelope(env protocol.Envelope) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	select {
	case <-p.state.done:
		return ErrClosed
	default:
	}
	select {
	case p.out <- env:
		return nil
	case <-p.state.done:
		return ErrClosed
	}
}

// ReadEnvelope drains envelopes written before Close ahead of reporting EOF.
func (p *pipeEnd) ReadEnvelope() (protocol.Envelope, error) {
	select {
	case env := <-p.in:
		return env, nil
	default:
	}
	select {
	case env := <-p.in:
		return env, nil
	case <-p.state.done:
		select {
		case env := <-p.in:
			return env, nil
		default:
			return protocol.Envelope{}, io.EOF
		}
	}
}

func (p *pipeEnd) Close() error {
	p.state.close()
	return nil
}
