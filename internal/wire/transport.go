package wire

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/miyaichi/adfit-checker/internal/protocol"
)

// ErrClosed is returned by writes on a closed transport.
var ErrClosed = errors.New("wire: transport closed")

// Transport carries envelopes between one endpoint and the hub.
// Writes are serialized; ReadEnvelope must be called from a single goroutine.
type Transport interface {
	WriteEnvelope(env protocol.Envelope) error
	ReadEnvelope() (protocol.Envelope, error)
	Close() error
}

// wsTransport frames envelopes as WebSocket text messages.
type wsTransport struct {
	conn   net.Conn
	client bool

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// DialWebSocket connects to the hub WebSocket endpoint at url.
func DialWebSocket(ctx context.Context, url string) (Transport, error) {
	slog.Debug("wire dialing hub", "url", url)
	conn, _, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("wire: dial %s: %w", url, err)
	}
	return &wsTransport{conn: conn, client: true}, nil
}

// ServerTransport wraps an upgraded server-side connection.
func ServerTransport(conn net.Conn) Transport {
	return &wsTransport{conn: conn}
}

func (t *wsTransport) WriteEnvelope(env protocol.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("wire: marshal %s: %w", env.Type, err)
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if t.client {
		err = wsutil.WriteClientText(t.conn, data)
	} else {
		err = wsutil.WriteServerText(t.conn, data)
	}
	if err != nil {
		return fmt.Errorf("wire: write %s: %w", env.Type, err)
	}
	return nil
}

// ReadEnvelope returns the next well-formed envelope. Frames that do not
// decode are skipped.
func (t *wsTransport) ReadEnvelope() (protocol.Envelope, error) {
	for {
		var (
			data []byte
			err  error
		)
		if t.client {
			data, err = wsutil.ReadServerText(t.conn)
		} else {
			data, err = wsutil.ReadClientText(t.conn)
		}
		if err != nil {
			return protocol.Envelope{}, err
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			slog.Debug("wire dropped malformed frame", "error", err, "bytes", len(data))
			continue
		}
		return env, nil
	}
}

func (t *wsTransport) Close() error {
	t.closeOnce.Do(func() {
		t.closeErr = t.conn.Close()
	})
	return t.closeErr
}
