package transport_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/eclipse-zenoh/zenoh-pico-go/internal/iobuf"
	"github.com/eclipse-zenoh/zenoh-pico-go/internal/link"
	"github.com/eclipse-zenoh/zenoh-pico-go/internal/protocol"
	"github.com/eclipse-zenoh/zenoh-pico-go/internal/transport"
	"github.com/eclipse-zenoh/zenoh-pico-go/internal/zerr"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// -------------------------------------------------------------------------
// Mock link
// -------------------------------------------------------------------------

// mockLink is an in-memory datagram link. Batches pushed into incoming
// surface through Recv; sent batches are recorded and handed to onSend
// so a test can script the responder.
type mockLink struct {
	caps     link.Capabilities
	mtu      uint16
	incoming chan []byte
	closed   chan struct{}
	once     sync.Once

	mu     sync.Mutex
	sent   [][]byte
	onSend func(batch []byte)
}

func newMockLink() *mockLink {
	return &mockLink{
		caps:     link.Capabilities{Transport: link.TransportUnicast, Flow: link.FlowDatagram},
		mtu:      1450,
		incoming: make(chan []byte, 64),
		closed:   make(chan struct{}),
	}
}

func (m *mockLink) Open(context.Context) error   { return nil }
func (m *mockLink) Listen(context.Context) error { return nil }

func (m *mockLink) Close() error {
	m.once.Do(func() { close(m.closed) })
	return nil
}

func (m *mockLink) Send(b []byte) (int, error) {
	select {
	case <-m.closed:
		return 0, net.ErrClosed
	default:
	}
	cp := append([]byte(nil), b...)
	m.mu.Lock()
	m.sent = append(m.sent, cp)
	cb := m.onSend
	m.mu.Unlock()
	if cb != nil {
		cb(cp)
	}
	return len(b), nil
}

func (m *mockLink) SendAll(b []byte) error {
	_, err := m.Send(b)
	return err
}

func (m *mockLink) Recv(b []byte) (int, error) {
	select {
	case batch := <-m.incoming:
		return copy(b, batch), nil
	case <-m.closed:
		return 0, net.ErrClosed
	}
}

func (m *mockLink) RecvExact(b []byte, n int) error {
	got, err := m.Recv(b[:n])
	if err != nil {
		return err
	}
	if got != n {
		return link.ErrShortWrite
	}
	return nil
}

func (m *mockLink) MTU() uint16 { return m.mtu }

func (m *mockLink) IsReliable() bool { return true }

func (m *mockLink) IsStreamed() bool { return false }

func (m *mockLink) Caps() link.Capabilities { return m.caps }

// takeSent snapshots and clears the recorded batches.
func (m *mockLink) takeSent() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.sent
	m.sent = nil
	return out
}

// encodeMsg serializes one transport message to raw batch bytes.
func encodeMsg(t *testing.T, msg protocol.TransportMessage) []byte {
	t.Helper()
	w := iobuf.NewWBuf(4096, true)
	if err := protocol.WriteTransportMessage(w, msg); err != nil {
		t.Fatalf("encode %T: %v", msg, err)
	}
	z := w.ToZBuf()
	b, err := z.Read(z.Readable())
	if err != nil {
		t.Fatal(err)
	}
	return append([]byte(nil), b...)
}

// decodeMsg parses the first transport message of a batch.
func decodeMsg(t *testing.T, batch []byte) protocol.TransportMessage {
	t.Helper()
	msg, err := protocol.ReadTransportMessage(iobuf.NewZBufWrap(batch))
	if err != nil {
		t.Fatalf("decode batch: %v", err)
	}
	return msg
}

// -------------------------------------------------------------------------
// Mock handler
// -------------------------------------------------------------------------

type mockHandler struct {
	mu     sync.Mutex
	msgs   []protocol.ZenohMessage
	joined []*transport.Peer

	msgCh    chan struct{}
	closedCh chan error
}

func newMockHandler() *mockHandler {
	return &mockHandler{
		msgCh:    make(chan struct{}, 64),
		closedCh: make(chan error, 1),
	}
}

func (h *mockHandler) HandleZenohMessage(_ *transport.Peer, msg protocol.ZenohMessage) {
	h.mu.Lock()
	h.msgs = append(h.msgs, msg)
	h.mu.Unlock()
	h.msgCh <- struct{}{}
}

func (h *mockHandler) HandlePeerJoined(p *transport.Peer) {
	h.mu.Lock()
	h.joined = append(h.joined, p)
	h.mu.Unlock()
	h.msgCh <- struct{}{}
}

func (h *mockHandler) HandlePeerLeft(*transport.Peer, error) {}

func (h *mockHandler) HandleClosed(err error) {
	select {
	case h.closedCh <- err:
	default:
	}
}

func (h *mockHandler) waitMsg(t *testing.T) {
	t.Helper()
	select {
	case <-h.msgCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for dispatch")
	}
}

// -------------------------------------------------------------------------
// Responder script
// -------------------------------------------------------------------------

// responderZID identifies the scripted remote side.
var responderZID = []byte{0xb0, 0xb1}

// scriptResponder answers Init(Syn) and Open(Syn) like a router would:
// shrink the proposal to Res14/4096, hand out a cookie, and announce
// initial SN 7 with a 10 s lease.
func scriptResponder(t *testing.T, m *mockLink) {
	t.Helper()
	cookie := []byte{0xab, 0xcd}
	m.onSend = func(batch []byte) {
		switch msg := decodeMsg(t, batch).(type) {
		case *protocol.MsgInit:
			if msg.Ack {
				t.Error("initiator sent Init(Ack)")
				return
			}
			m.incoming <- encodeMsg(t, &protocol.MsgInit{
				Ack:          true,
				Version:      protocol.ProtocolVersion,
				Whatami:      protocol.WhatamiRouter,
				ZID:          responderZID,
				SNResolution: protocol.Res14,
				BatchSize:    4096,
				Cookie:       cookie,
			})
		case *protocol.MsgOpen:
			if msg.Ack {
				t.Error("initiator sent Open(Ack)")
				return
			}
			if !bytes.Equal(msg.Cookie, cookie) {
				t.Errorf("cookie not echoed verbatim: %x", msg.Cookie)
			}
			m.incoming <- encodeMsg(t, &protocol.MsgOpen{
				Ack:       true,
				LeaseMS:   10000,
				InitialSN: 7,
			})
		}
	}
}

func testConfig() transport.Config {
	return transport.Config{
		ZID:          []byte{0xa0, 0xa1},
		Whatami:      protocol.WhatamiClient,
		SNResolution: protocol.Res28,
		BatchSize:    65535,
		Logger:       slog.New(slog.NewTextHandler(testWriter{}, &slog.HandlerOptions{Level: slog.LevelError})),
	}
}

// testWriter discards log output.
type testWriter struct{}

func (testWriter) Write(p []byte) (int, error) { return len(p), nil }

func openTestTransport(t *testing.T) (*transport.Transport, *mockLink, *mockHandler) {
	t.Helper()
	m := newMockLink()
	scriptResponder(t, m)
	h := newMockHandler()
	tr, err := transport.OpenUnicast(context.Background(), m, testConfig(), h)
	if err != nil {
		t.Fatalf("OpenUnicast: %v", err)
	}
	t.Cleanup(func() { _ = tr.Close(protocol.CloseGeneric, false) })
	m.takeSent()
	return tr, m, h
}

// -------------------------------------------------------------------------
// Handshake
// -------------------------------------------------------------------------

func TestHandshakeRoundTrip(t *testing.T) {
	tr, m, h := openTestTransport(t)

	if got := tr.Resolution(); got != protocol.Res14 {
		t.Errorf("negotiated resolution = %s, want 2^14", got)
	}
	if got := tr.LeaseMS(); got != 10000 {
		t.Errorf("lease = %d, want 10000", got)
	}
	peer := tr.UnicastPeer()
	if peer == nil {
		t.Fatal("no peer entry after handshake")
	}
	if !bytes.Equal(peer.ZID, responderZID) {
		t.Errorf("peer zid = %x", peer.ZID)
	}

	// rx state is initial_sn-1: the first frame with SN=7 is accepted.
	frame := &protocol.MsgFrame{
		Reliable: true,
		SN:       7,
		Messages: []protocol.ZenohMessage{&protocol.MsgData{
			Key:     protocol.ResKey{Suffix: "demo"},
			Payload: []byte("hello"),
		}},
	}
	m.incoming <- encodeMsg(t, frame)
	h.waitMsg(t)

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.msgs) != 1 {
		t.Fatalf("delivered %d messages", len(h.msgs))
	}
	data, ok := h.msgs[0].(*protocol.MsgData)
	if !ok || string(data.Payload) != "hello" {
		t.Errorf("delivered %#v", h.msgs[0])
	}
}

func TestHandshakeRejectsLargerResolution(t *testing.T) {
	m := newMockLink()
	m.onSend = func(batch []byte) {
		if _, ok := decodeMsg(t, batch).(*protocol.MsgInit); ok {
			// Responder asks for MORE than proposed.
			m.incoming <- encodeMsg(t, &protocol.MsgInit{
				Ack:          true,
				Version:      protocol.ProtocolVersion,
				Whatami:      protocol.WhatamiRouter,
				ZID:          responderZID,
				SNResolution: protocol.Res56,
				BatchSize:    4096,
				Cookie:       []byte{1},
			})
		}
	}
	cfg := testConfig()
	cfg.SNResolution = protocol.Res28
	_, err := transport.OpenUnicast(context.Background(), m, cfg, newMockHandler())
	if !errors.Is(err, zerr.New(zerr.TransportOpenSNResolution)) {
		t.Fatalf("open = %v, want TRANSPORT_OPEN_SN_RESOLUTION", err)
	}
}

func TestHandshakeUnexpectedMessage(t *testing.T) {
	m := newMockLink()
	m.onSend = func(batch []byte) {
		if _, ok := decodeMsg(t, batch).(*protocol.MsgInit); ok {
			m.incoming <- encodeMsg(t, &protocol.MsgKeepAlive{})
		}
	}
	_, err := transport.OpenUnicast(context.Background(), m, testConfig(), newMockHandler())
	if !errors.Is(err, zerr.New(zerr.MessageUnexpected)) {
		t.Fatalf("open = %v, want MESSAGE_UNEXPECTED", err)
	}
}

// -------------------------------------------------------------------------
// Frame processing
// -------------------------------------------------------------------------

func TestReliableGapClosesTransport(t *testing.T) {
	_, m, h := openTestTransport(t)

	// SN 9 after initial 7 skips 8: a reliable gap has no retransmit at
	// a leaf, the connection must die.
	m.incoming <- encodeMsg(t, &protocol.MsgFrame{
		Reliable: true,
		SN:       7,
		Messages: []protocol.ZenohMessage{&protocol.MsgUnit{}},
	})
	h.waitMsg(t)
	m.incoming <- encodeMsg(t, &protocol.MsgFrame{
		Reliable: true,
		SN:       9,
		Messages: []protocol.ZenohMessage{&protocol.MsgUnit{}},
	})

	select {
	case err := <-h.closedCh:
		if !errors.Is(err, zerr.New(zerr.MessageUnexpected)) {
			t.Errorf("closed with %v, want MESSAGE_UNEXPECTED", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("transport did not close on reliable gap")
	}
}

func TestStaleBestEffortFrameDropped(t *testing.T) {
	tr, m, h := openTestTransport(t)

	m.incoming <- encodeMsg(t, &protocol.MsgFrame{
		SN:       100,
		Messages: []protocol.ZenohMessage{&protocol.MsgUnit{}},
	})
	h.waitMsg(t)

	// 50 is behind 100 under the half-modulus rule: dropped silently.
	m.incoming <- encodeMsg(t, &protocol.MsgFrame{
		SN:       50,
		Messages: []protocol.ZenohMessage{&protocol.MsgUnit{}},
	})
	// A later valid frame still flows.
	m.incoming <- encodeMsg(t, &protocol.MsgFrame{
		SN:       101,
		Messages: []protocol.ZenohMessage{&protocol.MsgUnit{}},
	})
	h.waitMsg(t)

	h.mu.Lock()
	n := len(h.msgs)
	h.mu.Unlock()
	if n != 2 {
		t.Errorf("delivered %d messages, want 2 (stale frame dropped)", n)
	}
	if !tr.IsOpen() {
		t.Error("transport closed by a best-effort stale frame")
	}
}

func TestDefragmentation(t *testing.T) {
	_, m, h := openTestTransport(t)

	// One Data message split across two fragments on the reliable
	// channel, SNs 7 and 8, E set on the last.
	w := iobuf.NewWBuf(4096, true)
	payload := bytes.Repeat([]byte{0x5a}, 300)
	if err := protocol.WriteZenohMessage(w, &protocol.MsgData{
		Key:     protocol.ResKey{Suffix: "big"},
		Payload: payload,
	}); err != nil {
		t.Fatal(err)
	}
	z := w.ToZBuf()
	raw, err := z.Read(z.Readable())
	if err != nil {
		t.Fatal(err)
	}
	half := len(raw) / 2

	m.incoming <- encodeMsg(t, &protocol.MsgFrame{
		Reliable:        true,
		SN:              7,
		Fragment:        true,
		FragmentPayload: raw[:half],
	})
	m.incoming <- encodeMsg(t, &protocol.MsgFrame{
		Reliable:        true,
		SN:              8,
		Fragment:        true,
		End:             true,
		FragmentPayload: raw[half:],
	})
	h.waitMsg(t)

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.msgs) != 1 {
		t.Fatalf("delivered %d messages, want 1", len(h.msgs))
	}
	data, ok := h.msgs[0].(*protocol.MsgData)
	if !ok {
		t.Fatalf("delivered %T", h.msgs[0])
	}
	if !bytes.Equal(data.Payload, payload) {
		t.Error("defragmented payload mismatch")
	}
}

func TestSendFragmentsLargeMessage(t *testing.T) {
	m := newMockLink()
	m.mtu = 128
	scriptResponder(t, m)
	h := newMockHandler()
	tr, err := transport.OpenUnicast(context.Background(), m, testConfig(), h)
	if err != nil {
		t.Fatalf("OpenUnicast: %v", err)
	}
	t.Cleanup(func() { _ = tr.Close(protocol.CloseGeneric, false) })
	m.takeSent()

	payload := bytes.Repeat([]byte{0x42}, 500)
	if err := tr.SendZenoh(transport.ChannelReliable, &protocol.MsgData{
		Key:     protocol.ResKey{Suffix: "big"},
		Payload: payload,
	}); err != nil {
		t.Fatalf("SendZenoh: %v", err)
	}

	batches := m.takeSent()
	if len(batches) < 2 {
		t.Fatalf("large message sent as %d batches, want fragments", len(batches))
	}
	var assembled []byte
	var prevSN uint64
	for i, batch := range batches {
		msg := decodeMsg(t, batch)
		frame, ok := msg.(*protocol.MsgFrame)
		if !ok || !frame.Fragment {
			t.Fatalf("batch %d is %#v, want fragment frame", i, msg)
		}
		if i > 0 && frame.SN != prevSN+1 {
			t.Errorf("fragment SNs not consecutive: %d after %d", frame.SN, prevSN)
		}
		prevSN = frame.SN
		wantEnd := i == len(batches)-1
		if frame.End != wantEnd {
			t.Errorf("batch %d End = %t, want %t", i, frame.End, wantEnd)
		}
		assembled = append(assembled, frame.FragmentPayload...)
	}
	zm, err := protocol.ReadZenohMessage(iobuf.NewZBufWrap(assembled))
	if err != nil {
		t.Fatalf("reassembled payload does not decode: %v", err)
	}
	data, ok := zm.(*protocol.MsgData)
	if !ok || !bytes.Equal(data.Payload, payload) {
		t.Error("reassembled message mismatch")
	}
}

// -------------------------------------------------------------------------
// Lease task
// -------------------------------------------------------------------------

func TestLeaseExpiryClosesSession(t *testing.T) {
	m := newMockLink()
	cookie := []byte{0xab}
	m.onSend = func(batch []byte) {
		switch msg := decodeMsg(t, batch).(type) {
		case *protocol.MsgInit:
			if msg.Ack {
				return
			}
			m.incoming <- encodeMsg(t, &protocol.MsgInit{
				Ack: true, Version: protocol.ProtocolVersion,
				Whatami: protocol.WhatamiRouter, ZID: responderZID,
				SNResolution: protocol.Res28, BatchSize: 65535, Cookie: cookie,
			})
		case *protocol.MsgOpen:
			if msg.Ack {
				return
			}
			// A short lease so the test observes expiry quickly.
			m.incoming <- encodeMsg(t, &protocol.MsgOpen{Ack: true, LeaseMS: 80, InitialSN: 0})
		}
	}
	h := newMockHandler()
	cfg := testConfig()
	cfg.LeaseMS = 80
	tr, err := transport.OpenUnicast(context.Background(), m, cfg, h)
	if err != nil {
		t.Fatalf("OpenUnicast: %v", err)
	}
	t.Cleanup(func() { _ = tr.Close(protocol.CloseGeneric, false) })

	select {
	case err := <-h.closedCh:
		if !errors.Is(err, zerr.New(zerr.ETimedout)) {
			t.Errorf("closed with %v, want ETIMEDOUT", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("silent peer not expired")
	}

	// The idle ticks must have produced keepalives before expiry.
	var keepalives int
	for _, batch := range m.takeSent() {
		if _, ok := decodeMsg(t, batch).(*protocol.MsgKeepAlive); ok {
			keepalives++
		}
	}
	if keepalives == 0 {
		t.Error("no keepalive sent on idle session")
	}
}

func TestKeepAliveRefreshesLease(t *testing.T) {
	tr, m, h := openTestTransport(t)
	_ = h

	// The scripted lease is 10 s with 2.5 s ticks; feed keepalives for
	// a short while and confirm the transport stays open.
	for range 3 {
		m.incoming <- encodeMsg(t, &protocol.MsgKeepAlive{ZID: responderZID})
		time.Sleep(10 * time.Millisecond)
	}
	if !tr.IsOpen() {
		t.Error("transport closed despite keepalives")
	}
}

func TestCloseReceivedStopsTransport(t *testing.T) {
	tr, m, h := openTestTransport(t)

	m.incoming <- encodeMsg(t, &protocol.MsgClose{
		ZID:    responderZID,
		Reason: protocol.CloseGeneric,
	})
	select {
	case err := <-h.closedCh:
		if err != nil {
			t.Errorf("close handshake reported %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("CLOSE did not stop the transport")
	}
	if tr.IsOpen() {
		t.Error("transport still open after CLOSE")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	tr, _, _ := openTestTransport(t)
	if err := tr.Close(protocol.CloseGeneric, false); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := tr.Close(protocol.CloseGeneric, false); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

// -------------------------------------------------------------------------
// Multicast
// -------------------------------------------------------------------------

// mcastLink extends the mock with source addresses for demux.
type mcastLink struct {
	*mockLink
	srcs chan string
}

func newMcastLink() *mcastLink {
	m := &mcastLink{mockLink: newMockLink(), srcs: make(chan string, 64)}
	m.caps = link.Capabilities{Transport: link.TransportMulticast, Flow: link.FlowDatagram}
	return m
}

func (m *mcastLink) RecvFrom(b []byte) (int, string, error) {
	n, err := m.Recv(b)
	if err != nil {
		return 0, "", err
	}
	return n, <-m.srcs, nil
}

// push injects a batch from the given source address.
func (m *mcastLink) push(batch []byte, src string) {
	m.srcs <- src
	m.incoming <- batch
}

func TestMulticastJoinAndFrameDemux(t *testing.T) {
	m := newMcastLink()
	h := newMockHandler()
	cfg := testConfig()
	cfg.Whatami = protocol.WhatamiPeer
	tr, err := transport.OpenMulticast(context.Background(), m, cfg, h)
	if err != nil {
		t.Fatalf("OpenMulticast: %v", err)
	}
	t.Cleanup(func() { _ = tr.Close(protocol.CloseGeneric, false) })

	// The initial Join announcement went out.
	sent := m.takeSent()
	if len(sent) == 0 {
		t.Fatal("no join broadcast")
	}
	if _, ok := decodeMsg(t, sent[0]).(*protocol.MsgJoin); !ok {
		t.Fatalf("first broadcast is %#v", decodeMsg(t, sent[0]))
	}

	// A peer with matching parameters joins.
	peerZID := []byte{0xcc}
	m.push(encodeMsg(t, &protocol.MsgJoin{
		Version:      protocol.ProtocolVersion,
		Whatami:      protocol.WhatamiPeer,
		LeaseMS:      10000,
		ZID:          peerZID,
		SNResolution: cfg.SNResolution,
		BatchSize:    cfg.BatchSize,
		NextSN:       protocol.NextSN{Reliable: 5, BestEffort: 5},
	}), "10.0.0.9:7446")
	h.waitMsg(t)

	// Frames carry no ZID: the source address finds the peer entry.
	m.push(encodeMsg(t, &protocol.MsgFrame{
		Reliable: true,
		SN:       5,
		Messages: []protocol.ZenohMessage{&protocol.MsgData{
			Key:     protocol.ResKey{Suffix: "m"},
			Payload: []byte("x"),
		}},
	}), "10.0.0.9:7446")
	h.waitMsg(t)

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.joined) != 1 || !bytes.Equal(h.joined[0].ZID, peerZID) {
		t.Fatalf("joined peers = %v", h.joined)
	}
	if len(h.msgs) != 1 {
		t.Fatalf("delivered %d messages", len(h.msgs))
	}
}

func TestMulticastRejectsMismatchedJoin(t *testing.T) {
	m := newMcastLink()
	h := newMockHandler()
	cfg := testConfig()
	cfg.Whatami = protocol.WhatamiPeer
	tr, err := transport.OpenMulticast(context.Background(), m, cfg, h)
	if err != nil {
		t.Fatalf("OpenMulticast: %v", err)
	}
	t.Cleanup(func() { _ = tr.Close(protocol.CloseGeneric, false) })
	m.takeSent()

	// A different SN resolution is a parameter mismatch: no entry.
	m.push(encodeMsg(t, &protocol.MsgJoin{
		Version:      protocol.ProtocolVersion,
		Whatami:      protocol.WhatamiPeer,
		LeaseMS:      10000,
		ZID:          []byte{0xdd},
		SNResolution: protocol.Res8,
		BatchSize:    cfg.BatchSize,
		NextSN:       protocol.NextSN{},
	}), "10.0.0.8:7446")

	time.Sleep(50 * time.Millisecond)
	if got := len(tr.Peers()); got != 0 {
		t.Errorf("mismatched peer admitted: %d entries", got)
	}
}

func TestMulticastClientRejected(t *testing.T) {
	m := newMcastLink()
	cfg := testConfig() // client mode
	_, err := transport.OpenMulticast(context.Background(), m, cfg, newMockHandler())
	if !errors.Is(err, zerr.New(zerr.ConfigUnsupportedClientMulticast)) {
		t.Fatalf("open = %v, want CONFIG_UNSUPPORTED_CLIENT_MULTICAST", err)
	}
}
