// Package refc provides the reference-counting primitives used for
// buffer and session ownership: a strong/weak Rc, a strong-only
// SimpleRc for immutable byte buffers, and the ArcSlice view built on
// top of it.
//
// Go's collector reclaims the allocations; the counts exist for their
// protocol-visible side effects: running a payload finalizer exactly
// once when the last strong owner drops, and letting weak holders
// observe that the payload is gone. The session <-> cancellation-handler
// cycle depends on both.
package refc

import (
	"sync/atomic"

	"github.com/eclipse-zenoh/zenoh-pico-go/internal/zerr"
)

// maxCount is the saturation bound for either counter.
const maxCount = int32(1<<31 - 1)

// inner is the shared allocation: payload plus the two counters.
//
// The weak count carries one extra unit representing all strong owners
// collectively; it is released when the last strong reference drops.
type inner[T any] struct {
	strong atomic.Int32
	weak   atomic.Int32

	payload   *T
	finalizer func(*T)
}

// -------------------------------------------------------------------------
// Rc — strong reference
// -------------------------------------------------------------------------

// Rc is a strong reference to a shared T. The zero value is null.
type Rc[T any] struct {
	inner *inner[T]
}

// Weak is a weak reference to a shared T. The zero value is null.
type Weak[T any] struct {
	inner *inner[T]
}

// New allocates a shared T with strong=1 and weak=1. finalizer runs
// exactly once, when the last strong reference drops; it may be nil.
func New[T any](payload *T, finalizer func(*T)) Rc[T] {
	in := &inner[T]{payload: payload, finalizer: finalizer}
	in.strong.Store(1)
	in.weak.Store(1)
	return Rc[T]{inner: in}
}

// IsNull reports whether the reference is empty.
func (r Rc[T]) IsNull() bool { return r.inner == nil }

// Value returns the payload. Calling Value on a null Rc returns nil.
func (r Rc[T]) Value() *T {
	if r.inner == nil {
		return nil
	}
	return r.inner.payload
}

// Clone returns an additional strong reference.
// Fails with OVERFLOW if the strong count would exceed INT32_MAX.
func (r Rc[T]) Clone() (Rc[T], error) {
	if r.inner == nil {
		return Rc[T]{}, zerr.New(zerr.Null)
	}
	if r.inner.strong.Add(1) < 0 {
		r.inner.strong.Add(-1)
		return Rc[T]{}, zerr.New(zerr.Overflow)
	}
	return Rc[T]{inner: r.inner}, nil
}

// Downgrade returns a weak reference to the same allocation.
// Fails with OVERFLOW if the weak count would exceed INT32_MAX.
func (r Rc[T]) Downgrade() (Weak[T], error) {
	if r.inner == nil {
		return Weak[T]{}, zerr.New(zerr.Null)
	}
	if r.inner.weak.Add(1) < 0 {
		r.inner.weak.Add(-1)
		return Weak[T]{}, zerr.New(zerr.Overflow)
	}
	return Weak[T]{inner: r.inner}, nil
}

// Drop releases the strong reference. When the count reaches zero the
// finalizer runs and the collective weak unit is released. The receiver
// must not be used afterwards.
func (r *Rc[T]) Drop() {
	in := r.inner
	if in == nil {
		return
	}
	r.inner = nil
	if in.strong.Add(-1) != 0 {
		return
	}
	if in.finalizer != nil {
		in.finalizer(in.payload)
	}
	in.payload = nil
	// Release the weak unit held collectively by the strong owners.
	dropWeakInner(in)
}

// StrongCount returns the current strong count (0 for null).
func (r Rc[T]) StrongCount() int {
	if r.inner == nil {
		return 0
	}
	return int(r.inner.strong.Load())
}

// WeakCount returns the current weak count (0 for null).
func (r Rc[T]) WeakCount() int {
	if r.inner == nil {
		return 0
	}
	return int(r.inner.weak.Load())
}

// -------------------------------------------------------------------------
// Weak
// -------------------------------------------------------------------------

// IsNull reports whether the reference is empty.
func (w Weak[T]) IsNull() bool { return w.inner == nil }

// Upgrade attempts to obtain a strong reference. Returns a null Rc if
// the strong count already reached zero. The CAS loop mirrors the lazy
// overflow check: an upgrade never pushes the count past INT32_MAX.
func (w Weak[T]) Upgrade() Rc[T] {
	in := w.inner
	if in == nil {
		return Rc[T]{}
	}
	for {
		cur := in.strong.Load()
		if cur == 0 || cur >= maxCount {
			return Rc[T]{}
		}
		if in.strong.CompareAndSwap(cur, cur+1) {
			return Rc[T]{inner: in}
		}
	}
}

// Clone returns an additional weak reference.
func (w Weak[T]) Clone() (Weak[T], error) {
	if w.inner == nil {
		return Weak[T]{}, zerr.New(zerr.Null)
	}
	if w.inner.weak.Add(1) < 0 {
		w.inner.weak.Add(-1)
		return Weak[T]{}, zerr.New(zerr.Overflow)
	}
	return Weak[T]{inner: w.inner}, nil
}

// Drop releases the weak reference. The receiver must not be used
// afterwards.
func (w *Weak[T]) Drop() {
	in := w.inner
	if in == nil {
		return
	}
	w.inner = nil
	dropWeakInner(in)
}

// dropWeakInner decrements the weak count. At zero the allocation is
// dead; under Go the collector reclaims it once all handles vanish.
func dropWeakInner[T any](in *inner[T]) {
	in.weak.Add(-1)
}

// StrongCount returns the current strong count seen through the weak
// reference (0 for null or dead).
func (w Weak[T]) StrongCount() int {
	if w.inner == nil {
		return 0
	}
	return int(w.inner.strong.Load())
}
