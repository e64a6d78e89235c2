// Package cancel ties pending operations (queries, liveliness queries,
// handler execution) to session lifetime: a cancellation token running
// registered handlers exactly once, and sync groups letting a cancel
// caller observe that in-flight handler executions have drained.
package cancel

import (
	"sync"
	"time"

	"github.com/eclipse-zenoh/zenoh-pico-go/internal/zerr"
)

// SyncGroup is a counter with a condvar. Creating a Notifier
// increments the counter; dropping it decrements and signals. Wait
// blocks until the counter reaches zero.
type SyncGroup struct {
	mu      sync.Mutex
	cond    *sync.Cond
	counter int
}

// NewSyncGroup returns an empty group.
func NewSyncGroup() *SyncGroup {
	g := &SyncGroup{}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// Notifier marks one in-flight execution. Drop exactly once.
type Notifier struct {
	g    *SyncGroup
	once sync.Once
}

// Notifier registers an in-flight execution with the group.
func (g *SyncGroup) Notifier() *Notifier {
	g.mu.Lock()
	g.counter++
	g.mu.Unlock()
	return &Notifier{g: g}
}

// Drop releases the notifier and wakes waiters when the count hits
// zero. Redundant drops are ignored.
func (n *Notifier) Drop() {
	n.once.Do(func() {
		n.g.mu.Lock()
		n.g.counter--
		n.g.cond.Broadcast()
		n.g.mu.Unlock()
	})
}

// Pending returns the current in-flight count.
func (g *SyncGroup) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.counter
}

// Wait blocks until the counter is zero.
func (g *SyncGroup) Wait() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for g.counter != 0 {
		g.cond.Wait()
	}
	return nil
}

// WaitDeadline blocks until the counter is zero or the deadline
// passes, returning ETIMEDOUT in the latter case.
//
// sync.Cond has no timed wait; a timer goroutine broadcasts at the
// deadline so the loop can re-check the clock.
func (g *SyncGroup) WaitDeadline(deadline time.Time) error {
	timer := time.AfterFunc(time.Until(deadline), func() {
		g.mu.Lock()
		g.cond.Broadcast()
		g.mu.Unlock()
	})
	defer timer.Stop()

	g.mu.Lock()
	defer g.mu.Unlock()
	for g.counter != 0 {
		if !time.Now().Before(deadline) {
			return zerr.New(zerr.ETimedout)
		}
		g.cond.Wait()
	}
	return nil
}
