// Package iobuf provides the two I/O buffers the transport serializes
// through: WBuf, an expandable segmented write buffer supporting
// random-access back-patching, and ZBuf, a contiguous read cursor.
package iobuf

import (
	"github.com/eclipse-zenoh/zenoh-pico-go/internal/zerr"
)

// DefaultSegmentSize is the allocation unit for expandable WBufs.
// Sized to the common link batch so one segment covers one frame.
const DefaultSegmentSize = 4096

// WBuf is a write buffer backed by a vector of fixed-size segments
// (ioslices). A non-expandable WBuf fails with TRANSPORT_NO_SPACE on
// overflow; an expandable one grows by allocating additional segments
// of the same size. Reads traverse segments in insertion order.
type WBuf struct {
	slices     [][]byte
	segSize    int
	expandable bool
	// wpos is the logical write position across all segments.
	wpos int
}

// NewWBuf returns a WBuf with one segment of capacity bytes.
func NewWBuf(capacity int, expandable bool) *WBuf {
	if capacity <= 0 {
		capacity = DefaultSegmentSize
	}
	return &WBuf{
		slices:     [][]byte{make([]byte, 0, capacity)},
		segSize:    capacity,
		expandable: expandable,
	}
}

// Len returns the number of bytes written.
func (w *WBuf) Len() int { return w.wpos }

// NumSlices returns the number of backing segments.
func (w *WBuf) NumSlices() int { return len(w.slices) }

// Capacity returns the total writable capacity currently allocated.
func (w *WBuf) Capacity() int {
	if w.expandable {
		// Expandable buffers have no fixed bound; report allocated space.
		return len(w.slices) * w.segSize
	}
	return w.segSize
}

// Clear resets the buffer to empty, keeping the first segment.
func (w *WBuf) Clear() {
	w.slices = w.slices[:1]
	w.slices[0] = w.slices[0][:0]
	w.wpos = 0
}

// last returns the active segment, growing if needed and allowed.
func (w *WBuf) last(need int) ([]byte, error) {
	seg := w.slices[len(w.slices)-1]
	if cap(seg)-len(seg) >= need {
		return seg, nil
	}
	if !w.expandable {
		return nil, zerr.Errorf(zerr.TransportNoSpace,
			"wbuf full: need %d bytes, %d free", need, cap(seg)-len(seg))
	}
	w.slices = append(w.slices, make([]byte, 0, w.segSize))
	return w.slices[len(w.slices)-1], nil
}

// WriteByte appends a single byte.
func (w *WBuf) WriteByte(b byte) error {
	seg, err := w.last(1)
	if err != nil {
		return err
	}
	w.slices[len(w.slices)-1] = append(seg, b)
	w.wpos++
	return nil
}

// WriteBytes appends src[off : off+n], splitting across segments as
// needed when expandable.
func (w *WBuf) WriteBytes(src []byte, off, n int) error {
	if off < 0 || n < 0 || off+n > len(src) {
		return zerr.New(zerr.Invalid)
	}
	for n > 0 {
		seg, err := w.last(1)
		if err != nil {
			return err
		}
		free := cap(seg) - len(seg)
		take := min(free, n)
		w.slices[len(w.slices)-1] = append(seg, src[off:off+take]...)
		off += take
		n -= take
		w.wpos += take
	}
	return nil
}

// Put overwrites the byte at logical position idx. Used to back-patch
// a length prefix after the payload size is known.
func (w *WBuf) Put(idx int, b byte) error {
	if idx < 0 || idx >= w.wpos {
		return zerr.New(zerr.Invalid)
	}
	for _, seg := range w.slices {
		if idx < len(seg) {
			seg[idx] = b
			return nil
		}
		idx -= len(seg)
	}
	return zerr.New(zerr.Invalid)
}

// Get reads the byte at logical position idx.
func (w *WBuf) Get(idx int) (byte, error) {
	if idx < 0 || idx >= w.wpos {
		return 0, zerr.New(zerr.Invalid)
	}
	for _, seg := range w.slices {
		if idx < len(seg) {
			return seg[idx], nil
		}
		idx -= len(seg)
	}
	return 0, zerr.New(zerr.Invalid)
}

// Reserve ensures n contiguous writable bytes exist in the active
// segment, allocating a new segment when expandable. It fails with
// TRANSPORT_NO_SPACE otherwise.
func (w *WBuf) Reserve(n int) error {
	if n > w.segSize {
		return zerr.Errorf(zerr.TransportNoSpace,
			"reserve %d exceeds segment size %d", n, w.segSize)
	}
	_, err := w.last(n)
	return err
}

// Free returns the number of bytes writable without growing.
func (w *WBuf) Free() int {
	seg := w.slices[len(w.slices)-1]
	free := cap(seg) - len(seg)
	if !w.expandable {
		return free
	}
	// An expandable buffer can always grow; report the segment headroom.
	return free
}

// ToZBuf concatenates the segments into a contiguous ZBuf.
func (w *WBuf) ToZBuf() *ZBuf {
	out := make([]byte, 0, w.wpos)
	for _, seg := range w.slices {
		out = append(out, seg...)
	}
	return NewZBufWrap(out)
}

// Slices returns the backing segments in insertion order, for
// vectored writes. Callers must not retain them past the next Clear.
func (w *WBuf) Slices() [][]byte {
	out := make([][]byte, 0, len(w.slices))
	for _, seg := range w.slices {
		if len(seg) > 0 {
			out = append(out, seg)
		}
	}
	return out
}
