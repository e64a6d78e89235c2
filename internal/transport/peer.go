package transport

import (
	"github.com/eclipse-zenoh/zenoh-pico-go/internal/protocol"
)

// defragState accumulates the fragments of one logical message on one
// reliability channel of one peer.
type defragState struct {
	active bool
	// nextSN is the SN the next fragment must carry.
	nextSN uint64
	buf    []byte
}

// reset discards a partial reassembly.
func (d *defragState) reset() {
	d.active = false
	d.buf = d.buf[:0]
}

// Peer is the per-remote-ZID state of a transport. Unicast transports
// hold exactly one; multicast transports a map keyed by ZID.
//
// All mutable fields are guarded by the transport rx mutex.
type Peer struct {
	// ZID identifies the remote. Two peers are the same iff their
	// ZIDs compare bytewise equal.
	ZID []byte

	// Addr is the remote locator, for logs and Info.
	Addr string

	// Whatami is the remote's advertised role.
	Whatami protocol.Whatami

	// Resolution is the SN modulus agreed with this peer.
	Resolution protocol.Resolution

	// LeaseMS is the peer's advertised lease.
	LeaseMS uint64

	// PatchLevel is the negotiated fragmentation framing level.
	PatchLevel uint8

	// rxReliable and rxBestEffort hold the last accepted SN per channel.
	rxReliable   uint64
	rxBestEffort uint64

	// received is set by the read task on any activity and cleared by
	// each lease tick.
	received bool

	// nextLeaseMS counts down across silent ticks.
	nextLeaseMS int64

	// defrag holds the per-channel reassembly state.
	defrag [2]defragState
}

// newPeer builds a peer whose rx state accepts firstSN as the first
// frame on both channels.
func newPeer(zid []byte, addr string, whatami protocol.Whatami,
	res protocol.Resolution, leaseMS uint64, next NextSNPair,
) *Peer {
	return &Peer{
		ZID:          append([]byte(nil), zid...),
		Addr:         addr,
		Whatami:      whatami,
		Resolution:   res,
		LeaseMS:      leaseMS,
		rxReliable:   snPrev(res, next.Reliable),
		rxBestEffort: snPrev(res, next.BestEffort),
		received:     true,
		nextLeaseMS:  int64(leaseMS),
	}
}

// NextSNPair carries the first expected SN per channel.
type NextSNPair struct {
	Reliable   uint64
	BestEffort uint64
}

// lastRx returns the last accepted SN for ch.
func (p *Peer) lastRx(ch Channel) uint64 {
	if ch == ChannelReliable {
		return p.rxReliable
	}
	return p.rxBestEffort
}

// setLastRx records the last accepted SN for ch.
func (p *Peer) setLastRx(ch Channel, sn uint64) {
	if ch == ChannelReliable {
		p.rxReliable = sn
	} else {
		p.rxBestEffort = sn
	}
}

// snCheck classifies an inbound SN on ch.
type snVerdict uint8

const (
	// snAccept means the frame is next (reliable) or ahead (best effort).
	snAccept snVerdict = iota

	// snDrop means the frame is stale or a duplicate: drop it silently.
	snDrop

	// snGap means a reliable-channel gap: the connection must close,
	// a client leaf has no retransmit.
	snGap
)

// checkSN applies the half-modulus window and, on the reliable
// channel, exact continuity.
func (p *Peer) checkSN(ch Channel, sn uint64) snVerdict {
	last := p.lastRx(ch)
	if !snPrecedes(p.Resolution, last, sn) {
		return snDrop
	}
	if ch == ChannelReliable && sn != snNext(p.Resolution, last) {
		return snGap
	}
	return snAccept
}
