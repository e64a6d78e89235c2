// Package transport turns a link into a session transport: framing,
// sequence numbers, batching, fragmentation, per-peer liveness, and
// the unicast/multicast establishment handshakes.
package transport

import (
	"sync"

	"github.com/eclipse-zenoh/zenoh-pico-go/internal/protocol"
)

// Channel selects a reliability channel.
type Channel uint8

const (
	// ChannelReliable is the ordered, gap-closing channel.
	ChannelReliable Channel = iota

	// ChannelBestEffort tolerates loss and reordering within the
	// half-modulus window.
	ChannelBestEffort
)

// String returns the channel name.
func (c Channel) String() string {
	if c == ChannelReliable {
		return "reliable"
	}
	return "best_effort"
}

// snPrecedes reports whether a precedes b under the half-modulus rule:
// (b - a) mod SN_RES in (0, SN_RES/2].
func snPrecedes(res protocol.Resolution, a, b uint64) bool {
	d := (b - a) & res.Mask()
	return d != 0 && d <= res.Size()/2
}

// snNext returns sn + 1 mod SN_RES.
func snNext(res protocol.Resolution, sn uint64) uint64 {
	return (sn + 1) & res.Mask()
}

// snPrev returns sn - 1 mod SN_RES.
func snPrev(res protocol.Resolution, sn uint64) uint64 {
	return (sn - 1) & res.Mask()
}

// snCounter hands out TX sequence numbers for both channels.
type snCounter struct {
	mu         sync.Mutex
	res        protocol.Resolution
	reliable   uint64
	bestEffort uint64
}

// init seeds both channels with the initial SN.
func (c *snCounter) init(res protocol.Resolution, initial uint64) {
	c.initPair(res, initial, initial)
}

// initPair seeds each channel with its own initial SN.
func (c *snCounter) initPair(res protocol.Resolution, reliable, bestEffort uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.res = res
	c.reliable = reliable & res.Mask()
	c.bestEffort = bestEffort & res.Mask()
}

// next returns the SN to stamp on the next frame of ch and advances.
func (c *snCounter) next(ch Channel) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var sn uint64
	if ch == ChannelReliable {
		sn = c.reliable
		c.reliable = snNext(c.res, c.reliable)
	} else {
		sn = c.bestEffort
		c.bestEffort = snNext(c.res, c.bestEffort)
	}
	return sn
}

// peek returns the SN the next frame of ch would carry.
func (c *snCounter) peek(ch Channel) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ch == ChannelReliable {
		return c.reliable
	}
	return c.bestEffort
}
