package link

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
)

// tcpMTU is the largest session message a TCP batch may carry: the
// 16-bit length prefix bounds it.
const tcpMTU = 65535

// tcpLink adapts a TCP connection: reliable, streamed, unicast.
type tcpLink struct {
	ep   Endpoint
	conn *net.TCPConn

	mu     sync.Mutex
	closed bool
}

func newTCPLink(ep Endpoint) *tcpLink {
	return &tcpLink{ep: ep}
}

// Open dials the remote endpoint and disables Nagle so small frames
// (keepalives, acks) are not delayed behind batches.
func (l *tcpLink) Open(ctx context.Context) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", l.ep.Address)
	if err != nil {
		return fmt.Errorf("dial tcp %s: %w", l.ep.Address, err)
	}
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		conn.Close()
		return fmt.Errorf("dial tcp %s: unexpected conn type %T", l.ep.Address, conn)
	}
	if err := tc.SetNoDelay(true); err != nil {
		tc.Close()
		return fmt.Errorf("set TCP_NODELAY: %w", err)
	}
	l.conn = tc
	return nil
}

// Listen is not supported: the client dials.
func (l *tcpLink) Listen(context.Context) error {
	return fmt.Errorf("tcp %s: passive open not supported: %w",
		l.ep.Address, ErrLinkClosed)
}

func (l *tcpLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if l.conn == nil {
		return nil
	}
	if err := l.conn.Close(); err != nil {
		return fmt.Errorf("close tcp link: %w", err)
	}
	return nil
}

func (l *tcpLink) Send(b []byte) (int, error) {
	n, err := l.conn.Write(b)
	if err != nil {
		return n, fmt.Errorf("tcp send: %w", err)
	}
	return n, nil
}

func (l *tcpLink) SendAll(b []byte) error {
	// net.TCPConn.Write already loops until all bytes are written.
	n, err := l.Send(b)
	if err != nil {
		return err
	}
	if n != len(b) {
		return fmt.Errorf("tcp send: wrote %d of %d: %w", n, len(b), ErrShortWrite)
	}
	return nil
}

func (l *tcpLink) Recv(b []byte) (int, error) {
	n, err := l.conn.Read(b)
	if err != nil {
		return n, fmt.Errorf("tcp recv: %w", err)
	}
	return n, nil
}

func (l *tcpLink) RecvExact(b []byte, n int) error {
	if _, err := io.ReadFull(l.conn, b[:n]); err != nil {
		return fmt.Errorf("tcp recv exact %d: %w", n, err)
	}
	return nil
}

func (l *tcpLink) MTU() uint16 { return tcpMTU }

func (l *tcpLink) IsReliable() bool { return true }

func (l *tcpLink) IsStreamed() bool { return true }

func (l *tcpLink) Caps() Capabilities {
	return Capabilities{Transport: TransportUnicast, Flow: FlowStream}
}
