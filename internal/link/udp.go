package link

import (
	"context"
	"fmt"
	"net"
	"sync"
)

// udpMTU keeps datagrams under the common 1500-byte path MTU after
// IP + UDP headers.
const udpMTU = 1450

// udpLink adapts a connected UDP socket: unreliable, datagram, unicast.
type udpLink struct {
	ep   Endpoint
	conn *net.UDPConn

	mu     sync.Mutex
	closed bool
}

func newUDPLink(ep Endpoint) *udpLink {
	return &udpLink{ep: ep}
}

func (l *udpLink) Open(ctx context.Context) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", l.ep.Address)
	if err != nil {
		return fmt.Errorf("dial udp %s: %w", l.ep.Address, err)
	}
	uc, ok := conn.(*net.UDPConn)
	if !ok {
		conn.Close()
		return fmt.Errorf("dial udp %s: unexpected conn type %T", l.ep.Address, conn)
	}
	l.conn = uc
	return nil
}

// Listen is not supported on the unicast adapter; multicast groups use
// the multicast link.
func (l *udpLink) Listen(context.Context) error {
	return fmt.Errorf("udp %s: passive open not supported: %w",
		l.ep.Address, ErrLinkClosed)
}

func (l *udpLink) Close() error {
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
		return fmt.Errorf("close udp link: %w", err)
	}
	return nil
}

func (l *udpLink) Send(b []byte) (int, error) {
	n, err := l.conn.Write(b)
	if err != nil {
		return n, fmt.Errorf("udp send: %w", err)
	}
	return n, nil
}

func (l *udpLink) SendAll(b []byte) error {
	n, err := l.Send(b)
	if err != nil {
		return err
	}
	if n != len(b) {
		return fmt.Errorf("udp send: wrote %d of %d: %w", n, len(b), ErrShortWrite)
	}
	return nil
}

func (l *udpLink) Recv(b []byte) (int, error) {
	n, err := l.conn.Read(b)
	if err != nil {
		return n, fmt.Errorf("udp recv: %w", err)
	}
	return n, nil
}

// RecvExact reads one datagram and requires it to be exactly n bytes.
func (l *udpLink) RecvExact(b []byte, n int) error {
	got, err := l.Recv(b[:n])
	if err != nil {
		return err
	}
	if got != n {
		return fmt.Errorf("udp recv exact: got %d of %d: %w", got, n, ErrShortWrite)
	}
	return nil
}

func (l *udpLink) MTU() uint16 { return udpMTU }

func (l *udpLink) IsReliable() bool { return false }

func (l *udpLink) IsStreamed() bool { return false }

func (l *udpLink) Caps() Capabilities {
	return Capabilities{Transport: TransportUnicast, Flow: FlowDatagram}
}
