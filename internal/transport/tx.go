package transport

import (
	"log/slog"

	"github.com/eclipse-zenoh/zenoh-pico-go/internal/iobuf"
	"github.com/eclipse-zenoh/zenoh-pico-go/internal/protocol"
	"github.com/eclipse-zenoh/zenoh-pico-go/internal/refc"
	"github.com/eclipse-zenoh/zenoh-pico-go/internal/zerr"
)

// streamPrefixLen is the little-endian 16-bit length a stream link
// prepends to each session message so boundaries survive coalescing.
const streamPrefixLen = 2

// frameOverhead bounds the frame header: 1 header byte plus a worst
// case zint SN (2^56 needs 8 varint bytes).
const frameOverhead = 1 + 8

// send serializes msg into the TX batch. urgent flushes immediately
// (Close, KeepAlive, handshake); otherwise the batch drains when the
// next message would not fit or on an explicit Flush.
func (t *Transport) send(msg protocol.TransportMessage, urgent bool) error {
	t.txMu.Lock()
	defer t.txMu.Unlock()
	if err := t.encodeLocked(msg); err != nil {
		return err
	}
	if urgent {
		return t.flushLocked()
	}
	return nil
}

// encodeLocked appends one encoded session message to the batch,
// flushing first when it would not fit.
func (t *Transport) encodeLocked(msg protocol.TransportMessage) error {
	limit := t.batchLimit()
	scratch := iobuf.NewWBuf(limit, false)
	if err := protocol.WriteTransportMessage(scratch, msg); err != nil {
		return err
	}
	need := scratch.Len()
	if t.lnk.IsStreamed() {
		need += streamPrefixLen
	}
	if need > limit {
		return zerr.Errorf(zerr.TransportNoSpace,
			"message of %d bytes exceeds batch limit %d", need, limit)
	}
	if t.batch.Len()+need > limit {
		if err := t.flushLocked(); err != nil {
			return err
		}
	}
	if t.lnk.IsStreamed() {
		n := scratch.Len()
		if err := t.batch.WriteByte(byte(n)); err != nil {
			return err
		}
		if err := t.batch.WriteByte(byte(n >> 8)); err != nil {
			return err
		}
	}
	for _, seg := range scratch.Slices() {
		if err := t.batch.WriteBytes(seg, 0, len(seg)); err != nil {
			return err
		}
	}
	t.batchCount++
	return nil
}

// Flush drains the pending batch to the link.
func (t *Transport) Flush() error {
	t.txMu.Lock()
	defer t.txMu.Unlock()
	return t.flushLocked()
}

func (t *Transport) flushLocked() error {
	if t.batchCount == 0 {
		return nil
	}
	zb := t.batch.ToZBuf()
	out, err := zb.Read(zb.Readable())
	if err != nil {
		return err
	}
	if err := t.lnk.SendAll(out); err != nil {
		return zerr.Wrap(zerr.TransportNotAvailable, err)
	}
	t.sentThisTick.Store(true)
	n := t.batchCount
	t.batch.Clear()
	t.batchCount = 0
	t.log.Debug("batch flushed",
		slog.Int("messages", n),
		slog.Int("bytes", len(out)),
	)
	return nil
}

// SendZenoh frames msgs on ch, fragmenting when the serialized payload
// exceeds the batch limit. Fragments of one logical message carry
// consecutive fresh SNs; no concurrent message on the same channel can
// interleave because the TX mutex is held across the whole split.
func (t *Transport) SendZenoh(ch Channel, msgs ...protocol.ZenohMessage) error {
	if t.closed.Load() {
		return errClosed()
	}
	t.txMu.Lock()
	defer t.txMu.Unlock()

	payload := iobuf.NewWBuf(iobuf.DefaultSegmentSize, true)
	for _, m := range msgs {
		if err := protocol.WriteZenohMessage(payload, m); err != nil {
			return zerr.Wrap(zerr.MessageSerializationFailed, err)
		}
	}

	maxPayload := t.batchLimit() - frameOverhead
	if t.lnk.IsStreamed() {
		maxPayload -= streamPrefixLen
	}

	if payload.Len() <= maxPayload {
		frame := &protocol.MsgFrame{
			Reliable: ch == ChannelReliable,
			SN:       t.snTx.next(ch),
			Messages: msgs,
		}
		if err := t.encodeLocked(frame); err != nil {
			return err
		}
		t.metrics.IncFramesSent(ch.String())
		return t.flushLocked()
	}
	return t.sendFragmentedLocked(ch, payload, maxPayload)
}

// sendFragmentedLocked splits the serialized payload into fragment
// frames: one shared buffer, one arc-sliced view per fragment. Every
// fragment is flushed on its own: a fragment's payload extends to the
// end of its batch.
func (t *Transport) sendFragmentedLocked(ch Channel, payload *iobuf.WBuf, maxPayload int) error {
	zb := payload.ToZBuf()
	raw, err := zb.Read(zb.Readable())
	if err != nil {
		return err
	}
	buf := refc.NewSimple(raw)
	defer buf.Drop()
	for off := 0; off < len(raw); off += maxPayload {
		end := min(off+maxPayload, len(raw))
		view, err := refc.NewArcSlice(buf, off, end-off)
		if err != nil {
			return err
		}
		frame := &protocol.MsgFrame{
			Reliable:        ch == ChannelReliable,
			SN:              t.snTx.next(ch),
			Fragment:        true,
			End:             end == len(raw),
			FragmentPayload: view.Bytes(),
		}
		if err := t.encodeLocked(frame); err != nil {
			view.Drop()
			return err
		}
		if err := t.flushLocked(); err != nil {
			view.Drop()
			return err
		}
		view.Drop()
		t.metrics.IncFramesSent(ch.String())
		t.metrics.IncFragments("tx")
	}
	return nil
}

// sendKeepAlive emits the liveness tick.
func (t *Transport) sendKeepAlive() error {
	t.metrics.IncKeepAlives("tx")
	return t.send(&protocol.MsgKeepAlive{ZID: t.cfg.ZID}, true)
}
