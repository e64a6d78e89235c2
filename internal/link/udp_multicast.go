package link

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"syscall"

	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"
)

// udpMulticastLink adapts a UDP multicast group: unreliable, datagram,
// multicast. Open joins the group for the initiator role; Listen does
// the same for a scouting responder. The socket binds the group port
// with SO_REUSEADDR so several sessions on one host can share it.
type udpMulticastLink struct {
	ep    Endpoint
	group *net.UDPAddr
	conn  *net.UDPConn
	pc    *ipv4.PacketConn

	mu     sync.Mutex
	closed bool
}

func newUDPMulticastLink(ep Endpoint) *udpMulticastLink {
	return &udpMulticastLink{ep: ep}
}

// iface resolves the optional iface=<name> locator parameter.
func (l *udpMulticastLink) iface() (*net.Interface, error) {
	name, ok := l.ep.Params["iface"]
	if !ok || name == "" {
		return nil, nil
	}
	ifi, err := net.InterfaceByName(name)
	if err != nil {
		return nil, fmt.Errorf("resolve iface %q: %w", name, err)
	}
	return ifi, nil
}

// ttl resolves the optional ttl=<hops> locator parameter (default 1).
func (l *udpMulticastLink) ttl() int {
	if v, ok := l.ep.Params["ttl"]; ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 255 {
			return n
		}
	}
	return 1
}

func (l *udpMulticastLink) Open(ctx context.Context) error {
	return l.join(ctx)
}

func (l *udpMulticastLink) Listen(ctx context.Context) error {
	return l.join(ctx)
}

// join binds the group port, joins the group, and configures the
// multicast TTL and loopback.
func (l *udpMulticastLink) join(ctx context.Context) error {
	group, err := net.ResolveUDPAddr("udp4", l.ep.Address)
	if err != nil {
		return fmt.Errorf("resolve multicast group %s: %w", l.ep.Address, err)
	}
	l.group = group

	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var sockErr error
			if err := c.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			}); err != nil {
				return fmt.Errorf("raw conn control: %w", err)
			}
			return sockErr
		},
	}
	pc, err := lc.ListenPacket(ctx, "udp4", fmt.Sprintf("0.0.0.0:%d", group.Port))
	if err != nil {
		return fmt.Errorf("bind multicast port %d: %w", group.Port, err)
	}
	conn, ok := pc.(*net.UDPConn)
	if !ok {
		pc.Close()
		return fmt.Errorf("bind multicast: unexpected conn type %T", pc)
	}

	p := ipv4.NewPacketConn(conn)
	ifi, err := l.iface()
	if err != nil {
		conn.Close()
		return err
	}
	if err := p.JoinGroup(ifi, &net.UDPAddr{IP: group.IP}); err != nil {
		conn.Close()
		return fmt.Errorf("join group %s: %w", group.IP, err)
	}
	if err := p.SetMulticastTTL(l.ttl()); err != nil {
		conn.Close()
		return fmt.Errorf("set multicast TTL: %w", err)
	}
	// Local processes on the same group must see our joins/keepalives.
	if err := p.SetMulticastLoopback(true); err != nil {
		conn.Close()
		return fmt.Errorf("set multicast loopback: %w", err)
	}
	if ifi != nil {
		if err := p.SetMulticastInterface(ifi); err != nil {
			conn.Close()
			return fmt.Errorf("set multicast interface: %w", err)
		}
	}

	l.conn = conn
	l.pc = p
	return nil
}

func (l *udpMulticastLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if l.conn == nil {
		return nil
	}
	if l.group != nil {
		// Best effort: the close below releases the membership anyway.
		_ = l.pc.LeaveGroup(nil, &net.UDPAddr{IP: l.group.IP})
	}
	if err := l.conn.Close(); err != nil {
		return fmt.Errorf("close multicast link: %w", err)
	}
	return nil
}

func (l *udpMulticastLink) Send(b []byte) (int, error) {
	n, err := l.conn.WriteToUDP(b, l.group)
	if err != nil {
		return n, fmt.Errorf("multicast send: %w", err)
	}
	return n, nil
}

func (l *udpMulticastLink) SendAll(b []byte) error {
	n, err := l.Send(b)
	if err != nil {
		return err
	}
	if n != len(b) {
		return fmt.Errorf("multicast send: wrote %d of %d: %w", n, len(b), ErrShortWrite)
	}
	return nil
}

func (l *udpMulticastLink) Recv(b []byte) (int, error) {
	n, _, err := l.conn.ReadFromUDP(b)
	if err != nil {
		return n, fmt.Errorf("multicast recv: %w", err)
	}
	return n, nil
}

// RecvFrom reads one datagram and reports its source address. The
// transport uses the source to demultiplex frames onto peer entries,
// since frames carry no ZID.
func (l *udpMulticastLink) RecvFrom(b []byte) (int, string, error) {
	n, src, err := l.conn.ReadFromUDP(b)
	if err != nil {
		return n, "", fmt.Errorf("multicast recv: %w", err)
	}
	return n, src.String(), nil
}

func (l *udpMulticastLink) RecvExact(b []byte, n int) error {
	got, err := l.Recv(b[:n])
	if err != nil {
		return err
	}
	if got != n {
		return fmt.Errorf("multicast recv exact: got %d of %d: %w", got, n, ErrShortWrite)
	}
	return nil
}

func (l *udpMulticastLink) MTU() uint16 { return udpMTU }

func (l *udpMulticastLink) IsReliable() bool { return false }

func (l *udpMulticastLink) IsStreamed() bool { return false }

func (l *udpMulticastLink) Caps() Capabilities {
	return Capabilities{Transport: TransportMulticast, Flow: FlowDatagram}
}
