package transport

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net"

	"github.com/eclipse-zenoh/zenoh-pico-go/internal/iobuf"
	"github.com/eclipse-zenoh/zenoh-pico-go/internal/protocol"
	"github.com/eclipse-zenoh/zenoh-pico-go/internal/zerr"
)

// addrRecver is implemented by datagram links that can report the
// source address. Multicast demux needs it: frames carry no ZID.
type addrRecver interface {
	RecvFrom(b []byte) (int, string, error)
}

// recvBatch reads one batch from the link: a length-prefixed chunk on
// stream links, one datagram otherwise. Returns the batch view and the
// source address when available.
func (t *Transport) recvBatch(buf []byte) (*iobuf.ZBuf, string, error) {
	if t.lnk.IsStreamed() {
		var hdr [streamPrefixLen]byte
		if err := t.lnk.RecvExact(hdr[:], streamPrefixLen); err != nil {
			return nil, "", err
		}
		n := int(hdr[0]) | int(hdr[1])<<8
		if n == 0 {
			return nil, "", zerr.Errorf(zerr.DidNotRead, "zero-length batch")
		}
		if n > len(buf) {
			return nil, "", zerr.Errorf(zerr.MessageDeserializationFailed,
				"batch length %d exceeds buffer %d", n, len(buf))
		}
		if err := t.lnk.RecvExact(buf, n); err != nil {
			return nil, "", err
		}
		return iobuf.NewZBufWrap(buf[:n]), "", nil
	}
	if ar, ok := t.lnk.(addrRecver); ok {
		n, src, err := ar.RecvFrom(buf)
		if err != nil {
			return nil, "", err
		}
		return iobuf.NewZBufWrap(buf[:n]), src, nil
	}
	n, err := t.lnk.Recv(buf)
	if err != nil {
		return nil, "", err
	}
	if n == 0 {
		return nil, "", zerr.Errorf(zerr.DidNotRead, "empty datagram")
	}
	return iobuf.NewZBufWrap(buf[:n]), "", nil
}

// recvOne reads a single transport message during the handshake,
// before the read task exists.
func (t *Transport) recvOne() (protocol.TransportMessage, error) {
	buf := make([]byte, t.batchLimit()+streamPrefixLen)
	zb, _, err := t.recvBatch(buf)
	if err != nil {
		return nil, err
	}
	return protocol.ReadTransportMessage(zb)
}

// readTask blocks on the link, parses transport messages, updates
// per-peer liveness, and dispatches payloads. It exits on link error,
// CLOSE, or shutdown.
func (t *Transport) readTask(ctx context.Context) error {
	buf := make([]byte, t.batchLimit()+streamPrefixLen)
	for {
		zb, src, err := t.recvBatch(buf)
		if err != nil {
			if t.closed.Load() || ctx.Err() != nil ||
				errors.Is(err, net.ErrClosed) {
				return nil
			}
			t.log.Warn("read task: link error", slog.String("error", err.Error()))
			t.shutdown(zerr.Wrap(zerr.SystemTaskFailed, err))
			return nil
		}
		for zb.Readable() > 0 {
			msg, err := protocol.ReadTransportMessage(zb)
			if err != nil {
				// A malformed peer closes the transport.
				t.log.Warn("read task: malformed message",
					slog.String("error", err.Error()))
				t.shutdown(err)
				return nil
			}
			if done := t.dispatch(msg, src); done {
				return nil
			}
		}
	}
}

// dispatch routes one inbound transport message. Returns true when the
// read task must exit.
func (t *Transport) dispatch(msg protocol.TransportMessage, src string) bool {
	switch m := msg.(type) {
	case *protocol.MsgFrame:
		t.handleFrame(m, src)
	case *protocol.MsgKeepAlive:
		t.metrics.IncKeepAlives("rx")
		t.markReceived(m.ZID, src)
	case *protocol.MsgJoin:
		t.handleJoin(m, src)
	case *protocol.MsgClose:
		t.log.Info("close received",
			slog.Int("reason", int(m.Reason)),
			slog.Bool("link_only", m.LinkOnly),
		)
		t.shutdown(nil)
		return true
	case *protocol.MsgScout, *protocol.MsgHello:
		// Scouting traffic on a data transport is ignorable noise on
		// shared multicast groups.
	default:
		// Init/Open after establishment violate the state machine.
		t.log.Warn("unexpected transport message", slog.String("mid", typeName(msg)))
		t.shutdown(zerr.Errorf(zerr.MessageUnexpected, "post-open %T", msg))
		return true
	}
	return false
}

// typeName trims the package path for logs.
func typeName(msg protocol.TransportMessage) string {
	switch msg.(type) {
	case *protocol.MsgInit:
		return "Init"
	case *protocol.MsgOpen:
		return "Open"
	default:
		return "?"
	}
}

// peerFor resolves the peer entry for an inbound message.
func (t *Transport) peerFor(zid []byte, src string) *Peer {
	if !t.multicast {
		return t.peer
	}
	if len(zid) > 0 {
		if p, ok := t.peers[string(zid)]; ok {
			return p
		}
	}
	if src != "" {
		if p, ok := t.byAddr[src]; ok {
			return p
		}
	}
	return nil
}

// markReceived flags peer activity for the lease task.
func (t *Transport) markReceived(zid []byte, src string) {
	t.rxMu.Lock()
	defer t.rxMu.Unlock()
	if p := t.peerFor(zid, src); p != nil {
		p.received = true
		p.nextLeaseMS = int64(p.LeaseMS)
	}
}

// handleJoin creates or refreshes a multicast peer entry. Peers whose
// advertised parameters differ from the local ones are rejected.
func (t *Transport) handleJoin(m *protocol.MsgJoin, src string) {
	if !t.multicast {
		t.shutdown(zerr.Errorf(zerr.MessageUnexpected, "join on unicast transport"))
		return
	}
	if bytes.Equal(m.ZID, t.cfg.ZID) {
		// Loopback of our own announcement.
		return
	}
	if m.SNResolution != t.resolution || m.BatchSize != t.batchSize {
		t.log.Warn("rejecting join: parameter mismatch",
			slog.String("peer_sn_resolution", m.SNResolution.String()),
			slog.Int("peer_batch_size", int(m.BatchSize)),
			slog.String("error", zerr.New(zerr.TransportOpenSNResolution).Error()),
		)
		return
	}

	t.rxMu.Lock()
	p, known := t.peers[string(m.ZID)]
	if known {
		p.received = true
		p.nextLeaseMS = int64(p.LeaseMS)
		if src != "" {
			t.byAddr[src] = p
		}
		t.rxMu.Unlock()
		return
	}
	p = newPeer(m.ZID, src, m.Whatami, m.SNResolution, m.LeaseMS,
		NextSNPair{Reliable: m.NextSN.Reliable, BestEffort: m.NextSN.BestEffort})
	t.peers[string(m.ZID)] = p
	if src != "" {
		t.byAddr[src] = p
	}
	n := len(t.peers)
	t.rxMu.Unlock()

	t.metrics.SetPeers(n)
	t.log.Info("peer joined",
		slog.String("whatami", m.Whatami.String()),
		slog.String("addr", src),
	)
	t.handler.HandlePeerJoined(p)
}

// handleFrame validates the SN, defragments when needed, and delivers
// the contained zenoh messages.
func (t *Transport) handleFrame(f *protocol.MsgFrame, src string) {
	ch := ChannelBestEffort
	if f.Reliable {
		ch = ChannelReliable
	}

	t.rxMu.Lock()
	p := t.peerFor(nil, src)
	if p == nil {
		t.rxMu.Unlock()
		t.log.Debug("frame from unknown peer", slog.String("addr", src))
		return
	}
	p.received = true

	switch p.checkSN(ch, f.SN) {
	case snDrop:
		t.rxMu.Unlock()
		t.metrics.IncFramesDropped(ch.String())
		t.log.Debug("frame dropped: stale sn",
			slog.Uint64("sn", f.SN),
			slog.String("channel", ch.String()),
		)
		return
	case snGap:
		last := p.lastRx(ch)
		t.rxMu.Unlock()
		t.metrics.IncFramesDropped(ch.String())
		t.log.Warn("reliable channel gap",
			slog.Uint64("sn", f.SN),
			slog.Uint64("last", last),
		)
		t.shutdown(zerr.Errorf(zerr.MessageUnexpected,
			"reliable sn gap at %d", f.SN))
		return
	case snAccept:
	}
	p.setLastRx(ch, f.SN)

	if f.Fragment {
		msgs, ok := t.defragment(p, ch, f)
		t.rxMu.Unlock()
		if ok {
			t.metrics.IncFramesReceived(ch.String())
			t.deliver(p, msgs)
		}
		return
	}
	t.rxMu.Unlock()

	t.metrics.IncFramesReceived(ch.String())
	t.deliver(p, f.Messages)
}

// defragment appends a fragment into the per-peer, per-channel buffer
// and decodes the assembled message once the E flag arrives. Caller
// holds rxMu.
func (t *Transport) defragment(p *Peer, ch Channel, f *protocol.MsgFrame) ([]protocol.ZenohMessage, bool) {
	t.metrics.IncFragments("rx")
	d := &p.defrag[ch]
	if d.active && f.SN != d.nextSN {
		// A different-SN fragment starts a new message; the partial is lost.
		t.log.Debug("defragmentation buffer reset",
			slog.Uint64("sn", f.SN),
			slog.Uint64("expected", d.nextSN),
		)
		d.reset()
	}
	d.active = true
	d.buf = append(d.buf, f.FragmentPayload...)
	d.nextSN = snNext(p.Resolution, f.SN)
	if !f.End {
		return nil, false
	}

	zb := iobuf.NewZBufWrap(d.buf)
	var msgs []protocol.ZenohMessage
	for zb.Readable() > 0 {
		m, err := protocol.ReadZenohMessage(zb)
		if err != nil {
			d.reset()
			if ch == ChannelReliable {
				// Nothing was lost on the reliable channel: the peer is
				// malformed.
				t.log.Warn("defragmented payload malformed",
					slog.String("error", err.Error()))
				go t.shutdown(err)
				return nil, false
			}
			// Best effort: a lost fragment corrupts the reassembly.
			t.log.Debug("defragmented payload dropped",
				slog.String("error", err.Error()))
			return nil, false
		}
		msgs = append(msgs, m)
	}
	d.buf = nil
	d.reset()
	return msgs, true
}

// deliver hands each zenoh message to the session dispatcher.
func (t *Transport) deliver(p *Peer, msgs []protocol.ZenohMessage) {
	for _, m := range msgs {
		t.handler.HandleZenohMessage(p, m)
	}
}
