package session

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// reentrantMutex lets the goroutine holding the dispatch lock re-enter
// it, so declarations issued from inside a callback do not deadlock.
// Everything else behaves like a plain mutex.
type reentrantMutex struct {
	mu    sync.Mutex
	owner atomic.Uint64
	depth int
}

// Lock acquires the mutex, or bumps the depth when the calling
// goroutine already holds it.
func (m *reentrantMutex) Lock() {
	id := goid()
	if id != 0 && m.owner.Load() == id {
		m.depth++
		return
	}
	m.mu.Lock()
	m.owner.Store(id)
	m.depth = 1
}

// Unlock releases one level of the lock.
func (m *reentrantMutex) Unlock() {
	if m.depth > 1 {
		m.depth--
		return
	}
	m.depth = 0
	m.owner.Store(0)
	m.mu.Unlock()
}

// goid extracts the current goroutine id from the stack header
// ("goroutine N [running]:"). The runtime offers no cheaper handle;
// the 64-byte stack dump stays on the stack.
func goid() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	frame := buf[:n]
	frame = bytes.TrimPrefix(frame, []byte("goroutine "))
	if i := bytes.IndexByte(frame, ' '); i > 0 {
		if id, err := strconv.ParseUint(string(frame[:i]), 10, 64); err == nil {
			return id
		}
	}
	return 0
}

// NewZID generates a fresh 16-byte random identity.
func NewZID() []byte {
	id, err := uuid.NewRandom()
	if err != nil {
		// uuid only fails when the entropy source does; fall back to
		// reading it directly so an identity always exists.
		var b [16]byte
		_, _ = rand.Read(b[:])
		return b[:]
	}
	b := [16]byte(id)
	return b[:]
}

// hexBytes renders an identity for properties and logs.
func hexBytes(b []byte) string {
	return hex.EncodeToString(b)
}

// itoa avoids pulling strconv into every call site signature.
func itoa(n int) string {
	return strconv.Itoa(n)
}
