package link

import (
	"context"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
)

// wsMTU bounds one WebSocket binary message. The session layer's
// 16-bit batch bound applies; WebSocket itself preserves boundaries.
const wsMTU = 65535

// wsLink adapts a WebSocket connection: reliable, message-delimited,
// unicast. Because the frame boundary survives, the transport treats
// it as a datagram flow and skips the stream length prefix.
type wsLink struct {
	ep   Endpoint
	conn *websocket.Conn

	// gorilla/websocket permits one concurrent reader and one writer;
	// writeMu serializes Send against concurrent control frames.
	writeMu sync.Mutex

	mu     sync.Mutex
	closed bool
}

func newWSLink(ep Endpoint) *wsLink {
	return &wsLink{ep: ep}
}

func (l *wsLink) url() string {
	return "ws://" + l.ep.Address
}

func (l *wsLink) Open(ctx context.Context) error {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, l.url(), nil)
	if err != nil {
		return fmt.Errorf("dial ws %s: %w", l.url(), err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	l.conn = conn
	return nil
}

func (l *wsLink) Listen(context.Context) error {
	return fmt.Errorf("ws %s: passive open not supported: %w",
		l.ep.Address, ErrLinkClosed)
}

func (l *wsLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if l.conn == nil {
		return nil
	}
	l.writeMu.Lock()
	_ = l.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	l.writeMu.Unlock()
	if err := l.conn.Close(); err != nil {
		return fmt.Errorf("close ws link: %w", err)
	}
	return nil
}

func (l *wsLink) Send(b []byte) (int, error) {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if err := l.conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return 0, fmt.Errorf("ws send: %w", err)
	}
	return len(b), nil
}

func (l *wsLink) SendAll(b []byte) error {
	_, err := l.Send(b)
	return err
}

func (l *wsLink) Recv(b []byte) (int, error) {
	_, msg, err := l.conn.ReadMessage()
	if err != nil {
		return 0, fmt.Errorf("ws recv: %w", err)
	}
	if len(msg) > len(b) {
		return 0, fmt.Errorf("ws recv: message %d exceeds buffer %d: %w",
			len(msg), len(b), ErrShortWrite)
	}
	return copy(b, msg), nil
}

func (l *wsLink) RecvExact(b []byte, n int) error {
	got, err := l.Recv(b[:n])
	if err != nil {
		return err
	}
	if got != n {
		return fmt.Errorf("ws recv exact: got %d of %d: %w", got, n, ErrShortWrite)
	}
	return nil
}

func (l *wsLink) MTU() uint16 { return wsMTU }

func (l *wsLink) IsReliable() bool { return true }

func (l *wsLink) IsStreamed() bool { return false }

func (l *wsLink) Caps() Capabilities {
	return Capabilities{Transport: TransportUnicast, Flow: FlowDatagram}
}
