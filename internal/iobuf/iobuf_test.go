package iobuf_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/eclipse-zenoh/zenoh-pico-go/internal/iobuf"
	"github.com/eclipse-zenoh/zenoh-pico-go/internal/zerr"
)

func TestWBufWriteAndReadBack(t *testing.T) {
	t.Parallel()

	w := iobuf.NewWBuf(8, false)
	if err := w.WriteByte(0x01); err != nil {
		t.Fatalf("WriteByte: %v", err)
	}
	if err := w.WriteBytes([]byte{0x02, 0x03, 0x04}, 0, 3); err != nil {
		t.Fatalf("WriteBytes: %v", err)
	}
	if got := w.Len(); got != 4 {
		t.Fatalf("Len = %d, want 4", got)
	}

	z := w.ToZBuf()
	got, err := z.Read(4)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, []byte{0x01, 0x02, 0x03, 0x04}) {
		t.Errorf("read back %x", got)
	}
}

func TestWBufNonExpandableOverflow(t *testing.T) {
	t.Parallel()

	w := iobuf.NewWBuf(2, false)
	if err := w.WriteBytes([]byte{1, 2}, 0, 2); err != nil {
		t.Fatalf("fill: %v", err)
	}
	err := w.WriteByte(3)
	if !errors.Is(err, zerr.New(zerr.TransportNoSpace)) {
		t.Errorf("overflow error = %v, want TRANSPORT_NO_SPACE", err)
	}
}

func TestWBufExpandableGrowsSegments(t *testing.T) {
	t.Parallel()

	w := iobuf.NewWBuf(4, true)
	payload := []byte("0123456789abcdef")
	if err := w.WriteBytes(payload, 0, len(payload)); err != nil {
		t.Fatalf("WriteBytes: %v", err)
	}
	if got := w.NumSlices(); got != 4 {
		t.Errorf("segments = %d, want 4", got)
	}

	z := w.ToZBuf()
	got, err := z.Read(len(payload))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("read back %q", got)
	}
}

func TestWBufPutBackPatch(t *testing.T) {
	t.Parallel()

	w := iobuf.NewWBuf(4, true)
	// Length-prefix placeholder, then payload, then back-patch.
	if err := w.WriteByte(0x00); err != nil {
		t.Fatal(err)
	}
	if err := w.WriteBytes([]byte("abcdefg"), 0, 7); err != nil {
		t.Fatal(err)
	}
	if err := w.Put(0, 7); err != nil {
		t.Fatalf("Put: %v", err)
	}
	b, err := w.Get(0)
	if err != nil || b != 7 {
		t.Errorf("Get(0) = %d, %v", b, err)
	}
	if err := w.Put(99, 0); err == nil {
		t.Error("Put past end did not fail")
	}
}

func TestWBufReserve(t *testing.T) {
	t.Parallel()

	w := iobuf.NewWBuf(4, false)
	if err := w.Reserve(4); err != nil {
		t.Fatalf("Reserve within capacity: %v", err)
	}
	if err := w.Reserve(5); err == nil {
		t.Error("Reserve beyond segment size did not fail")
	}

	e := iobuf.NewWBuf(4, true)
	if err := e.WriteBytes([]byte{1, 2, 3}, 0, 3); err != nil {
		t.Fatal(err)
	}
	// Only one byte left in the segment: an expandable buffer grows.
	if err := e.Reserve(4); err != nil {
		t.Fatalf("expandable Reserve: %v", err)
	}
}

func TestZBufReadPeekSkip(t *testing.T) {
	t.Parallel()

	z := iobuf.NewZBufWrap([]byte{1, 2, 3, 4, 5})
	p, err := z.Peek(2)
	if err != nil || !bytes.Equal(p, []byte{1, 2}) {
		t.Fatalf("Peek = %x, %v", p, err)
	}
	if got := z.Readable(); got != 5 {
		t.Fatalf("Peek consumed: readable = %d", got)
	}
	b, err := z.ReadByte()
	if err != nil || b != 1 {
		t.Fatalf("ReadByte = %d, %v", b, err)
	}
	if err := z.Skip(2); err != nil {
		t.Fatal(err)
	}
	rest, err := z.Read(2)
	if err != nil || !bytes.Equal(rest, []byte{4, 5}) {
		t.Fatalf("Read = %x, %v", rest, err)
	}
	if _, err := z.ReadByte(); !errors.Is(err, zerr.New(zerr.Underflow)) {
		t.Errorf("read past end = %v, want UNDERFLOW", err)
	}
}

func TestZBufView(t *testing.T) {
	t.Parallel()

	z := iobuf.NewZBufWrap([]byte{1, 2, 3, 4})
	v, err := z.View(2)
	if err != nil {
		t.Fatalf("View: %v", err)
	}
	got, err := v.Read(2)
	if err != nil || !bytes.Equal(got, []byte{1, 2}) {
		t.Fatalf("view read = %x, %v", got, err)
	}
	// The parent cursor is untouched.
	if got := z.Readable(); got != 4 {
		t.Errorf("parent readable = %d, want 4", got)
	}
}

func TestZBufCompactAndRefill(t *testing.T) {
	t.Parallel()

	z := iobuf.NewZBuf(8)
	copy(z.WritableBytes(), []byte{1, 2, 3, 4, 5, 6})
	if err := z.Extend(6); err != nil {
		t.Fatal(err)
	}
	if _, err := z.Read(4); err != nil {
		t.Fatal(err)
	}
	z.Compact()
	if got := z.Readable(); got != 2 {
		t.Fatalf("readable after compact = %d, want 2", got)
	}
	if got := z.Writable(); got != 6 {
		t.Fatalf("writable after compact = %d, want 6", got)
	}
	got, err := z.Read(2)
	if err != nil || !bytes.Equal(got, []byte{5, 6}) {
		t.Errorf("read after compact = %x, %v", got, err)
	}
}
