package protocol_test

import (
	"bytes"
	"math/rand/v2"
	"reflect"
	"testing"

	"github.com/eclipse-zenoh/zenoh-pico-go/internal/iobuf"
	"github.com/eclipse-zenoh/zenoh-pico-go/internal/protocol"
)

// encodeT serializes one transport message into a fresh buffer.
func encodeT(t *testing.T, msg protocol.TransportMessage) *iobuf.ZBuf {
	t.Helper()
	w := iobuf.NewWBuf(iobuf.DefaultSegmentSize, true)
	if err := protocol.WriteTransportMessage(w, msg); err != nil {
		t.Fatalf("encode %T: %v", msg, err)
	}
	return w.ToZBuf()
}

func TestZintRoundTrip(t *testing.T) {
	t.Parallel()

	values := []uint64{
		0, 1, 0x7f, 0x80, 0x3fff, 0x4000, 0x1fffff,
		0xfffffff, 1 << 55, 1<<64 - 1,
	}
	for _, v := range values {
		w := iobuf.NewWBuf(16, false)
		if err := protocol.WriteZint(w, v); err != nil {
			t.Fatalf("WriteZint(%d): %v", v, err)
		}
		if got := w.Len(); got != protocol.ZintLen(v) {
			t.Errorf("ZintLen(%d) = %d, encoded %d bytes", v, protocol.ZintLen(v), got)
		}
		got, err := protocol.ReadZint(w.ToZBuf())
		if err != nil {
			t.Fatalf("ReadZint(%d): %v", v, err)
		}
		if got != v {
			t.Errorf("zint round trip: %d -> %d", v, got)
		}
	}
}

func TestZintRejectsOverlong(t *testing.T) {
	t.Parallel()

	// Eleven continuation bytes can never be a valid uint64.
	z := iobuf.NewZBufWrap(bytes.Repeat([]byte{0xff}, 11))
	if _, err := protocol.ReadZint(z); err == nil {
		t.Fatal("overlong zint accepted")
	}
}

func TestZintBoundedByResolution(t *testing.T) {
	t.Parallel()

	w := iobuf.NewWBuf(16, false)
	if err := protocol.WriteZint(w, 300); err != nil {
		t.Fatal(err)
	}
	if _, err := protocol.ReadZintBounded(w.ToZBuf(), protocol.Res8); err == nil {
		t.Error("zint 300 accepted under 2^8 resolution")
	}

	w = iobuf.NewWBuf(16, false)
	if err := protocol.WriteZint(w, 255); err != nil {
		t.Fatal(err)
	}
	got, err := protocol.ReadZintBounded(w.ToZBuf(), protocol.Res8)
	if err != nil || got != 255 {
		t.Errorf("ReadZintBounded = %d, %v", got, err)
	}
}

func TestResolution(t *testing.T) {
	t.Parallel()

	if got := protocol.Res14.Size(); got != 1<<14 {
		t.Errorf("Res14.Size = %d", got)
	}
	if got := protocol.Res56.Mask(); got != 1<<56-1 {
		t.Errorf("Res56.Mask = %d", got)
	}
	if protocol.Resolution(0).Valid() || protocol.Resolution(6).Valid() {
		t.Error("invalid resolution codes accepted")
	}
}

func TestTransportMessageRoundTrip(t *testing.T) {
	t.Parallel()

	zid := []byte{0xde, 0xad, 0xbe, 0xef}
	tests := []struct {
		name string
		msg  protocol.TransportMessage
	}{
		{"scout", &protocol.MsgScout{What: protocol.WhatamiRouter, RequestZID: true}},
		{"scout bare", &protocol.MsgScout{}},
		{"hello", &protocol.MsgHello{
			ZID:      zid,
			Whatami:  protocol.WhatamiPeer,
			Locators: []string{"tcp/10.0.0.1:7447", "udp/10.0.0.1:7447"},
		}},
		{"init syn", &protocol.MsgInit{
			Version:      protocol.ProtocolVersion,
			Whatami:      protocol.WhatamiClient,
			ZID:          zid,
			SNResolution: protocol.Res28,
			BatchSize:    65535,
			PatchLevel:   1,
		}},
		{"init ack", &protocol.MsgInit{
			Ack:          true,
			Version:      protocol.ProtocolVersion,
			Whatami:      protocol.WhatamiRouter,
			ZID:          zid,
			SNResolution: protocol.Res14,
			BatchSize:    4096,
			Cookie:       []byte{0xab, 0xcd},
		}},
		{"open syn", &protocol.MsgOpen{
			LeaseMS:   10000,
			InitialSN: 42,
			Cookie:    []byte{0xab, 0xcd},
		}},
		{"open ack", &protocol.MsgOpen{Ack: true, LeaseMS: 10000, InitialSN: 7}},
		{"join", &protocol.MsgJoin{
			Version:      protocol.ProtocolVersion,
			Whatami:      protocol.WhatamiPeer,
			LeaseMS:      10000,
			ZID:          zid,
			SNResolution: protocol.Res28,
			BatchSize:    8192,
			NextSN:       protocol.NextSN{Reliable: 11, BestEffort: 22},
		}},
		{"close", &protocol.MsgClose{ZID: zid, Reason: protocol.CloseExpired, LinkOnly: true}},
		{"keepalive", &protocol.MsgKeepAlive{ZID: zid}},
		{"keepalive bare", &protocol.MsgKeepAlive{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := protocol.ReadTransportMessage(encodeT(t, tt.msg))
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if !reflect.DeepEqual(got, tt.msg) {
				t.Errorf("round trip\n got %#v\nwant %#v", got, tt.msg)
			}
		})
	}
}

func TestFrameRoundTripRandomPayload(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewPCG(1, 2))
	for _, reliable := range []bool{true, false} {
		for _, size := range []int{0, 1, 100, 1024} {
			payload := make([]byte, size)
			for i := range payload {
				payload[i] = byte(rng.UintN(256))
			}
			frame := &protocol.MsgFrame{
				Reliable: reliable,
				SN:       rng.Uint64N(1 << 28),
				Messages: []protocol.ZenohMessage{
					&protocol.MsgData{
						Key:     protocol.ResKey{RID: 0, Suffix: "demo/example"},
						Payload: payload,
					},
				},
			}
			got, err := protocol.ReadTransportMessage(encodeT(t, frame))
			if err != nil {
				t.Fatalf("decode frame: %v", err)
			}
			gf, ok := got.(*protocol.MsgFrame)
			if !ok {
				t.Fatalf("decoded %T", got)
			}
			if gf.Reliable != reliable || gf.SN != frame.SN {
				t.Errorf("frame header mismatch: %+v", gf)
			}
			data, ok := gf.Messages[0].(*protocol.MsgData)
			if !ok {
				t.Fatalf("payload decoded as %T", gf.Messages[0])
			}
			if !bytes.Equal(data.Payload, payload) {
				t.Error("payload mismatch")
			}
		}
	}
}

func TestFragmentFrameRoundTrip(t *testing.T) {
	t.Parallel()

	frame := &protocol.MsgFrame{
		Reliable:        true,
		SN:              99,
		Fragment:        true,
		End:             true,
		FragmentPayload: []byte{1, 2, 3, 4, 5},
	}
	got, err := protocol.ReadTransportMessage(encodeT(t, frame))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !reflect.DeepEqual(got, frame) {
		t.Errorf("round trip\n got %#v\nwant %#v", got, frame)
	}
}

func TestFrameStopsAtTransportMid(t *testing.T) {
	t.Parallel()

	// A batch of [Frame(Data), KeepAlive]: the frame decoder must stop
	// at the keepalive header.
	w := iobuf.NewWBuf(iobuf.DefaultSegmentSize, true)
	frame := &protocol.MsgFrame{
		Reliable: true,
		SN:       5,
		Messages: []protocol.ZenohMessage{&protocol.MsgData{
			Key:     protocol.ResKey{Suffix: "k"},
			Payload: []byte("v"),
		}},
	}
	if err := protocol.WriteTransportMessage(w, frame); err != nil {
		t.Fatal(err)
	}
	if err := protocol.WriteTransportMessage(w, &protocol.MsgKeepAlive{}); err != nil {
		t.Fatal(err)
	}

	z := w.ToZBuf()
	first, err := protocol.ReadTransportMessage(z)
	if err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	if f, ok := first.(*protocol.MsgFrame); !ok || len(f.Messages) != 1 {
		t.Fatalf("first message = %#v", first)
	}
	second, err := protocol.ReadTransportMessage(z)
	if err != nil {
		t.Fatalf("decode keepalive: %v", err)
	}
	if _, ok := second.(*protocol.MsgKeepAlive); !ok {
		t.Fatalf("second message = %#v", second)
	}
	if z.Readable() != 0 {
		t.Errorf("%d bytes left over", z.Readable())
	}
}

func TestZenohMessageRoundTrip(t *testing.T) {
	t.Parallel()

	kind := uint64(1)
	maxSamples := uint64(10)
	sn := uint64(77)
	tests := []struct {
		name string
		msg  protocol.ZenohMessage
	}{
		{"declare", &protocol.MsgDeclare{Declarations: []protocol.Declaration{
			&protocol.DeclResource{RID: 7, Key: protocol.ResKey{Suffix: "demo/example/foo"}},
			&protocol.DeclPublisher{Key: protocol.ResKey{RID: 7}},
			&protocol.DeclSubscriber{
				Key:      protocol.ResKey{RID: 7, Suffix: "/bar"},
				Reliable: true,
				Mode:     protocol.SubModePull,
				Period:   &protocol.Period{Origin: 1, Period: 2, Duration: 3},
			},
			&protocol.DeclQueryable{
				Key:  protocol.ResKey{Suffix: "q/**"},
				Kind: protocol.QueryableStorage | protocol.QueryableEval,
			},
			&protocol.DeclForgetResource{RID: 7},
			&protocol.DeclForgetSubscriber{Key: protocol.ResKey{Suffix: "x"}},
		}}},
		{"data plain", &protocol.MsgData{
			Key:     protocol.ResKey{RID: 7},
			Payload: []byte("hello"),
		}},
		{"data with info", &protocol.MsgData{
			Key: protocol.ResKey{Suffix: "demo"},
			Info: &protocol.DataInfo{
				Encoding:  &protocol.Encoding{Prefix: 3, Suffix: "utf8"},
				Kind:      &kind,
				Timestamp: &protocol.Timestamp{Time: 123456, ID: []byte{9, 9}},
				SourceID:  []byte{1, 2, 3},
				SourceSN:  &sn,
			},
			Payload:   []byte("v"),
			Droppable: true,
		}},
		{"query", &protocol.MsgQuery{
			Key:       protocol.ResKey{Suffix: "x/**"},
			Predicate: "starttime=now()-1h",
			QID:       0xcafe,
			Target: &protocol.QueryTarget{
				Kind: protocol.QueryableStorage,
				Tag:  protocol.TargetComplete,
				N:    3,
			},
			Consolidation: protocol.ConsolidationLatest,
		}},
		{"pull", &protocol.MsgPull{
			Key:        protocol.ResKey{Suffix: "p"},
			PullID:     4,
			MaxSamples: &maxSamples,
			Final:      true,
		}},
		{"unit", &protocol.MsgUnit{Droppable: true}},
		{"reply context", &protocol.MsgReplyContext{
			QID:         9,
			ReplierKind: protocol.QueryableEval,
			ReplierID:   []byte{5, 6, 7},
		}},
		{"reply context final", &protocol.MsgReplyContext{QID: 9, Final: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			w := iobuf.NewWBuf(iobuf.DefaultSegmentSize, true)
			if err := protocol.WriteZenohMessage(w, tt.msg); err != nil {
				t.Fatalf("encode: %v", err)
			}
			got, err := protocol.ReadZenohMessage(w.ToZBuf())
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if !reflect.DeepEqual(got, tt.msg) {
				t.Errorf("round trip\n got %#v\nwant %#v", got, tt.msg)
			}
		})
	}
}

func TestDecodeRejectsUnknownMid(t *testing.T) {
	t.Parallel()

	// 0x1d is not an assigned transport mid.
	z := iobuf.NewZBufWrap([]byte{0x1d})
	if _, err := protocol.ReadTransportMessage(z); err == nil {
		t.Fatal("unknown mid accepted")
	}
}

func TestDecodeRejectsBadZID(t *testing.T) {
	t.Parallel()

	w := iobuf.NewWBuf(64, false)
	// Header with I flag, then a 17-byte ZID.
	if err := w.WriteByte(protocol.MidKeepAlive | protocol.FlagTI); err != nil {
		t.Fatal(err)
	}
	if err := protocol.WriteBytes(w, bytes.Repeat([]byte{1}, 17)); err != nil {
		t.Fatal(err)
	}
	if _, err := protocol.ReadTransportMessage(w.ToZBuf()); err == nil {
		t.Fatal("oversized zid accepted")
	}
}

func TestHeaderHelpers(t *testing.T) {
	t.Parallel()

	h := protocol.MidFrame | protocol.FlagTR | protocol.FlagTE
	if protocol.Mid(h) != protocol.MidFrame {
		t.Error("Mid")
	}
	if !protocol.HasFlag(h, protocol.FlagTR) || protocol.HasFlag(h, protocol.FlagTF) {
		t.Error("flags")
	}
	if protocol.Flags(h) != protocol.FlagTR|protocol.FlagTE {
		t.Error("Flags mask")
	}
}
