package cancel

import (
	"sync"
	"time"
)

// Handler is one on-cancel registration. Callback runs exactly once —
// either during Cancel, or immediately at AddHandler if the token is
// already cancelled. Drop releases the handler's resources and runs
// after the callback, or when the pairing is removed early.
type Handler struct {
	// Callback performs the cancellation work. A nil callback is a
	// pure Drop carrier.
	Callback func() error

	// Drop releases resources tied to the handler. May be nil.
	Drop func()

	// Sync, when non-nil, is waited on after the callback so the
	// caller observes in-flight executions draining.
	Sync *SyncGroup
}

// handlerEntry tracks a registered handler under its removal id.
type handlerEntry struct {
	id uint64
	h  Handler
}

// Token is the cancellation token. Handlers run in FIFO order; the
// first non-nil callback result short-circuits and is latched, and
// subsequent Cancel calls return the latched result.
//
// Handlers run outside the state mutex: callbacks take locks of their
// own (the session inner mutex), and AddHandler is called under those
// same locks. runMu serializes the sweep so a post-cancel AddHandler
// observes the latched result.
type Token struct {
	mu        sync.Mutex
	cancelled bool
	result    error
	nextID    uint64
	handlers  []handlerEntry

	runMu sync.Mutex
}

// NewToken returns a fresh token.
func NewToken() *Token {
	return &Token{}
}

// IsCancelled reports whether Cancel has run.
func (t *Token) IsCancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

// AddHandler registers h. If the token is already cancelled the
// callback (and sync wait, and drop) run immediately and the latched
// result is returned along with id 0. Otherwise the returned id
// removes the pairing via RemoveHandler.
func (t *Token) AddHandler(h Handler) (uint64, error) {
	t.mu.Lock()
	if t.cancelled {
		t.mu.Unlock()
		// Wait for any in-flight sweep so the latched result is final.
		t.runMu.Lock()
		t.mu.Lock()
		res := t.result
		t.mu.Unlock()
		t.runMu.Unlock()
		if err := runHandler(h, nil); err != nil {
			return 0, err
		}
		return 0, res
	}
	t.nextID++
	id := t.nextID
	t.handlers = append(t.handlers, handlerEntry{id: id, h: h})
	t.mu.Unlock()
	return id, nil
}

// RemoveHandler drops the handler with the given id without running
// its callback. Dropping either side of a pairing removes it; a stale
// id is a no-op.
func (t *Token) RemoveHandler(id uint64) {
	t.mu.Lock()
	var removed *Handler
	for i := range t.handlers {
		if t.handlers[i].id == id {
			h := t.handlers[i].h
			removed = &h
			t.handlers = append(t.handlers[:i], t.handlers[i+1:]...)
			break
		}
	}
	t.mu.Unlock()
	if removed != nil && removed.Drop != nil {
		removed.Drop()
	}
}

// Cancel sets the cancelled flag and runs every handler in FIFO
// order. The first failing callback latches its result and stops the
// sweep; already-cancelled tokens return the latched result.
func (t *Token) Cancel() error {
	return t.cancel(nil)
}

// CancelWithTimeout behaves like Cancel but bounds each sync-group
// wait by the given timeout from now.
func (t *Token) CancelWithTimeout(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	return t.cancel(&deadline)
}

func (t *Token) cancel(deadline *time.Time) error {
	t.runMu.Lock()
	defer t.runMu.Unlock()

	t.mu.Lock()
	if t.cancelled {
		res := t.result
		t.mu.Unlock()
		return res
	}
	t.cancelled = true
	handlers := t.handlers
	t.handlers = nil
	t.mu.Unlock()

	// Callbacks take their own locks (session tables); run them with
	// only runMu held.
	var result error
	for _, e := range handlers {
		if err := runHandler(e.h, deadline); err != nil {
			result = err
			break
		}
	}

	t.mu.Lock()
	t.result = result
	t.mu.Unlock()
	return result
}

// runHandler invokes the callback, waits on the sync group, and drops.
func runHandler(h Handler, deadline *time.Time) error {
	var err error
	if h.Callback != nil {
		err = h.Callback()
	}
	if err == nil && h.Sync != nil {
		if deadline != nil {
			err = h.Sync.WaitDeadline(*deadline)
		} else {
			err = h.Sync.Wait()
		}
	}
	if h.Drop != nil {
		h.Drop()
	}
	return err
}
