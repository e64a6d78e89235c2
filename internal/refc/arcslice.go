package refc

import (
	"sync/atomic"

	"github.com/eclipse-zenoh/zenoh-pico-go/internal/zerr"
)

// -------------------------------------------------------------------------
// SimpleRc — strong-only count over an immutable byte buffer
// -------------------------------------------------------------------------

// SimpleRc is a strong-only reference-counted immutable byte buffer.
// The counter header sits beside the payload; there is no weak side.
// The zero value is null.
type SimpleRc struct {
	cnt *atomic.Int32
	buf []byte
}

// NewSimple wraps buf in a SimpleRc with count 1. The caller must not
// mutate buf afterwards.
func NewSimple(buf []byte) SimpleRc {
	cnt := new(atomic.Int32)
	cnt.Store(1)
	return SimpleRc{cnt: cnt, buf: buf}
}

// IsNull reports whether the reference is empty.
func (s SimpleRc) IsNull() bool { return s.cnt == nil }

// Bytes returns the shared buffer (nil for null).
func (s SimpleRc) Bytes() []byte { return s.buf }

// Clone returns an additional reference.
func (s SimpleRc) Clone() (SimpleRc, error) {
	if s.cnt == nil {
		return SimpleRc{}, zerr.New(zerr.Null)
	}
	if s.cnt.Add(1) < 0 {
		s.cnt.Add(-1)
		return SimpleRc{}, zerr.New(zerr.Overflow)
	}
	return s, nil
}

// Drop releases the reference. The receiver must not be used afterwards.
func (s *SimpleRc) Drop() {
	if s.cnt == nil {
		return
	}
	s.cnt.Add(-1)
	s.cnt = nil
	s.buf = nil
}

// Count returns the current reference count (0 for null).
func (s SimpleRc) Count() int {
	if s.cnt == nil {
		return 0
	}
	return int(s.cnt.Load())
}

// -------------------------------------------------------------------------
// ArcSlice — offset+len view into a shared buffer
// -------------------------------------------------------------------------

// ArcSlice is a {rc, start, len} view into a SimpleRc buffer. Cloning
// an ArcSlice bumps the underlying count only; the view fields are
// copied by value. The empty slice is the zero value (null rc).
type ArcSlice struct {
	rc    SimpleRc
	start int
	n     int
}

// NewArcSlice builds a view covering buf[start : start+n], taking its
// own reference on the buffer.
func NewArcSlice(rc SimpleRc, start, n int) (ArcSlice, error) {
	if rc.IsNull() {
		if start == 0 && n == 0 {
			return ArcSlice{}, nil
		}
		return ArcSlice{}, zerr.New(zerr.Null)
	}
	if start < 0 || n < 0 || start+n > len(rc.Bytes()) {
		return ArcSlice{}, zerr.New(zerr.Invalid)
	}
	owned, err := rc.Clone()
	if err != nil {
		return ArcSlice{}, err
	}
	return ArcSlice{rc: owned, start: start, n: n}, nil
}

// ArcSliceFromBytes copies b into a fresh shared buffer and returns a
// view over the whole of it.
func ArcSliceFromBytes(b []byte) ArcSlice {
	if len(b) == 0 {
		return ArcSlice{}
	}
	owned := make([]byte, len(b))
	copy(owned, b)
	return ArcSlice{rc: NewSimple(owned), start: 0, n: len(owned)}
}

// Len returns the view length.
func (a ArcSlice) Len() int { return a.n }

// IsEmpty reports whether the view covers no bytes.
func (a ArcSlice) IsEmpty() bool { return a.n == 0 }

// Bytes returns the viewed bytes. Callers must treat them as immutable.
func (a ArcSlice) Bytes() []byte {
	if a.rc.IsNull() {
		return nil
	}
	return a.rc.Bytes()[a.start : a.start+a.n]
}

// Clone returns an additional view sharing the same buffer.
func (a ArcSlice) Clone() (ArcSlice, error) {
	if a.rc.IsNull() {
		return ArcSlice{}, nil
	}
	rc, err := a.rc.Clone()
	if err != nil {
		return ArcSlice{}, err
	}
	return ArcSlice{rc: rc, start: a.start, n: a.n}, nil
}

// Subslice returns a narrowed view over the same buffer, sharing the
// reference count with the receiver's clone.
func (a ArcSlice) Subslice(start, n int) (ArcSlice, error) {
	if start < 0 || n < 0 || start+n > a.n {
		return ArcSlice{}, zerr.New(zerr.Invalid)
	}
	c, err := a.Clone()
	if err != nil {
		return ArcSlice{}, err
	}
	c.start += start
	c.n = n
	return c, nil
}

// Drop releases the view's reference on the shared buffer.
func (a *ArcSlice) Drop() {
	a.rc.Drop()
	a.start = 0
	a.n = 0
}

// Count returns the underlying buffer's reference count.
func (a ArcSlice) Count() int { return a.rc.Count() }
