package transport

import (
	"testing"

	"github.com/eclipse-zenoh/zenoh-pico-go/internal/protocol"
)

func TestSNPrecedesHalfModulus(t *testing.T) {
	t.Parallel()

	for _, res := range []protocol.Resolution{
		protocol.Res8, protocol.Res14, protocol.Res28,
	} {
		size := res.Size()
		half := size / 2
		for _, a := range []uint64{0, 1, half - 1, half, size - 1} {
			// Every distance in (0, SN_RES/2] is ahead.
			for _, d := range []uint64{1, 2, half} {
				b := (a + d) & res.Mask()
				if !snPrecedes(res, a, b) {
					t.Errorf("res %s: %d should precede %d (d=%d)", res, a, b, d)
				}
				// Precedence within the window is antisymmetric.
				if d != half && snPrecedes(res, b, a) {
					t.Errorf("res %s: %d precedes %d both ways", res, a, b)
				}
			}
			// Equal never precedes.
			if snPrecedes(res, a, a) {
				t.Errorf("res %s: %d precedes itself", res, a)
			}
			// One past the half window is behind.
			b := (a + half + 1) & res.Mask()
			if snPrecedes(res, a, b) {
				t.Errorf("res %s: %d should not precede %d", res, a, b)
			}
		}
	}
}

func TestSNNextPrevWrap(t *testing.T) {
	t.Parallel()

	res := protocol.Res8
	if got := snNext(res, 255); got != 0 {
		t.Errorf("snNext(255) = %d, want 0", got)
	}
	if got := snPrev(res, 0); got != 255 {
		t.Errorf("snPrev(0) = %d, want 255", got)
	}
}

func TestSNCounter(t *testing.T) {
	t.Parallel()

	var c snCounter
	c.init(protocol.Res8, 254)
	if got := c.next(ChannelReliable); got != 254 {
		t.Errorf("first reliable sn = %d, want 254", got)
	}
	if got := c.next(ChannelReliable); got != 255 {
		t.Errorf("second reliable sn = %d, want 255", got)
	}
	if got := c.next(ChannelReliable); got != 0 {
		t.Errorf("wrapped reliable sn = %d, want 0", got)
	}
	// Channels advance independently.
	if got := c.next(ChannelBestEffort); got != 254 {
		t.Errorf("best effort sn = %d, want 254", got)
	}
	if got := c.peek(ChannelReliable); got != 1 {
		t.Errorf("peek = %d, want 1", got)
	}
}

func TestPeerCheckSN(t *testing.T) {
	t.Parallel()

	p := newPeer([]byte{1}, "", protocol.WhatamiPeer, protocol.Res14,
		10000, NextSNPair{Reliable: 10, BestEffort: 10})

	// First expected frame.
	if got := p.checkSN(ChannelReliable, 10); got != snAccept {
		t.Errorf("reliable sn 10 = %v, want accept", got)
	}
	p.setLastRx(ChannelReliable, 10)

	// Duplicate and stale are dropped.
	if got := p.checkSN(ChannelReliable, 10); got != snDrop {
		t.Errorf("duplicate = %v, want drop", got)
	}
	if got := p.checkSN(ChannelReliable, 5); got != snDrop {
		t.Errorf("stale = %v, want drop", got)
	}
	// A gap on the reliable channel kills the connection.
	if got := p.checkSN(ChannelReliable, 12); got != snGap {
		t.Errorf("gap = %v, want gap", got)
	}

	// Best effort tolerates gaps within the half window.
	if got := p.checkSN(ChannelBestEffort, 100); got != snAccept {
		t.Errorf("best effort jump = %v, want accept", got)
	}
	p.setLastRx(ChannelBestEffort, 100)
	if got := p.checkSN(ChannelBestEffort, 50); got != snDrop {
		t.Errorf("best effort stale = %v, want drop", got)
	}
}
