package transport

import (
	"context"
	"log/slog"
	"time"

	"github.com/eclipse-zenoh/zenoh-pico-go/internal/zerr"
)

// leaseTask ticks every lease/4. Each tick it ages silent peers,
// expires the dead ones, and emits a keepalive when the transport was
// idle on the TX side. Cancellation is observable within one tick.
func (t *Transport) leaseTask(ctx context.Context) error {
	tick := time.Duration(t.leaseMS) * time.Millisecond / leaseTicksPerLease
	if tick <= 0 {
		tick = time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if t.closed.Load() {
				return nil
			}
			if expired := t.leaseTick(tick); expired {
				return nil
			}
			if !t.sentThisTick.Swap(false) {
				if err := t.sendKeepAlive(); err != nil {
					t.log.Debug("keepalive not sent",
						slog.String("error", err.Error()))
				}
			}
		}
	}
}

// leaseTick ages every peer by one tick. Returns true when a unicast
// lease expiry closed the transport.
func (t *Transport) leaseTick(tick time.Duration) bool {
	tickMS := int64(tick / time.Millisecond)

	t.rxMu.Lock()
	var dead []*Peer
	for _, p := range t.peersLocked() {
		if p.received {
			p.received = false
			p.nextLeaseMS = int64(p.LeaseMS)
			continue
		}
		p.nextLeaseMS -= tickMS
		if p.nextLeaseMS <= 0 {
			dead = append(dead, p)
		}
	}
	for _, p := range dead {
		if t.multicast {
			delete(t.peers, string(p.ZID))
			if p.Addr != "" {
				delete(t.byAddr, p.Addr)
			}
		}
	}
	remaining := len(t.peers)
	t.rxMu.Unlock()

	if len(dead) == 0 {
		return false
	}
	t.metrics.IncLeaseExpirations()

	if !t.multicast {
		t.log.Warn("lease expired, closing session")
		t.shutdown(zerr.Errorf(zerr.ETimedout, "peer lease expired"))
		return true
	}
	t.metrics.SetPeers(remaining)
	for _, p := range dead {
		t.log.Info("peer evicted: lease expired", slog.String("addr", p.Addr))
		t.handler.HandlePeerLeft(p, zerr.New(zerr.ETimedout))
	}
	return false
}

// peersLocked returns the live peer set. Caller holds rxMu.
func (t *Transport) peersLocked() []*Peer {
	if !t.multicast {
		if t.peer == nil {
			return nil
		}
		return []*Peer{t.peer}
	}
	out := make([]*Peer, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, p)
	}
	return out
}
