package cancel_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/eclipse-zenoh/zenoh-pico-go/internal/cancel"
	"github.com/eclipse-zenoh/zenoh-pico-go/internal/zerr"
)

func TestCancelRunsHandlersOnceFIFO(t *testing.T) {
	t.Parallel()

	tok := cancel.NewToken()
	var order []int
	for i := range 3 {
		if _, err := tok.AddHandler(cancel.Handler{
			Callback: func() error {
				order = append(order, i)
				return nil
			},
		}); err != nil {
			t.Fatalf("AddHandler: %v", err)
		}
	}

	if err := tok.Cancel(); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if len(order) != 3 || order[0] != 0 || order[1] != 1 || order[2] != 2 {
		t.Errorf("handler order = %v, want [0 1 2]", order)
	}

	// A second cancel must not re-run anything.
	if err := tok.Cancel(); err != nil {
		t.Fatalf("second Cancel: %v", err)
	}
	if len(order) != 3 {
		t.Errorf("handlers re-ran: %v", order)
	}
}

func TestAddHandlerAfterCancelRunsImmediately(t *testing.T) {
	t.Parallel()

	tok := cancel.NewToken()
	if err := tok.Cancel(); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	ran := false
	dropped := false
	if _, err := tok.AddHandler(cancel.Handler{
		Callback: func() error { ran = true; return nil },
		Drop:     func() { dropped = true },
	}); err != nil {
		t.Fatalf("AddHandler after cancel: %v", err)
	}
	if !ran || !dropped {
		t.Errorf("post-cancel handler ran=%t dropped=%t, want both", ran, dropped)
	}
	if !tok.IsCancelled() {
		t.Error("token not cancelled")
	}
}

func TestCancelLatchesFirstFailure(t *testing.T) {
	t.Parallel()

	tok := cancel.NewToken()
	boom := zerr.New(zerr.SystemGeneric)
	ranThird := false

	mustAdd(t, tok, cancel.Handler{Callback: func() error { return nil }})
	mustAdd(t, tok, cancel.Handler{Callback: func() error { return boom }})
	mustAdd(t, tok, cancel.Handler{Callback: func() error { ranThird = true; return nil }})

	if err := tok.Cancel(); !errors.Is(err, boom) {
		t.Fatalf("Cancel = %v, want latched failure", err)
	}
	if ranThird {
		t.Error("handler after the failure still ran")
	}
	// The latched result survives.
	if err := tok.Cancel(); !errors.Is(err, boom) {
		t.Errorf("second Cancel = %v, want latched failure", err)
	}
}

func TestRemoveHandlerDropsPairing(t *testing.T) {
	t.Parallel()

	tok := cancel.NewToken()
	ran := false
	dropped := false
	id := mustAdd(t, tok, cancel.Handler{
		Callback: func() error { ran = true; return nil },
		Drop:     func() { dropped = true },
	})

	tok.RemoveHandler(id)
	if !dropped {
		t.Error("RemoveHandler did not drop")
	}
	if err := tok.Cancel(); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if ran {
		t.Error("removed handler still ran")
	}
}

func TestSyncGroupWait(t *testing.T) {
	t.Parallel()

	g := cancel.NewSyncGroup()
	n := g.Notifier()
	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case <-done:
		t.Fatal("Wait returned with a pending notifier")
	case <-time.After(20 * time.Millisecond):
	}

	n.Drop()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Wait: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after drop")
	}

	// Redundant drops are ignored.
	n.Drop()
	if got := g.Pending(); got != 0 {
		t.Errorf("pending = %d, want 0", got)
	}
}

func TestSyncGroupWaitDeadline(t *testing.T) {
	t.Parallel()

	g := cancel.NewSyncGroup()
	n := g.Notifier()
	defer n.Drop()

	err := g.WaitDeadline(time.Now().Add(30 * time.Millisecond))
	if !errors.Is(err, zerr.New(zerr.ETimedout)) {
		t.Errorf("WaitDeadline = %v, want ETIMEDOUT", err)
	}
}

func TestCancelWaitsOnSyncGroup(t *testing.T) {
	t.Parallel()

	tok := cancel.NewToken()
	g := cancel.NewSyncGroup()

	// Simulate an in-flight execution that finishes shortly after the
	// cancel callback fires.
	var n = g.Notifier()
	mustAdd(t, tok, cancel.Handler{
		Callback: func() error {
			go func() {
				time.Sleep(20 * time.Millisecond)
				n.Drop()
			}()
			return nil
		},
		Sync: g,
	})

	start := time.Now()
	if err := tok.Cancel(); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if time.Since(start) < 15*time.Millisecond {
		t.Error("Cancel returned before the sync group drained")
	}
}

func TestConcurrentCancelAndAdd(t *testing.T) {
	t.Parallel()

	tok := cancel.NewToken()
	var mu sync.Mutex
	runs := 0
	add := func() {
		_, _ = tok.AddHandler(cancel.Handler{Callback: func() error {
			mu.Lock()
			runs++
			mu.Unlock()
			return nil
		}})
	}

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				add()
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = tok.Cancel()
	}()
	wg.Wait()
	_ = tok.Cancel()

	mu.Lock()
	defer mu.Unlock()
	if runs != 400 {
		t.Errorf("ran %d handlers, want 400 (each exactly once)", runs)
	}
}

func mustAdd(t *testing.T, tok *cancel.Token, h cancel.Handler) uint64 {
	t.Helper()
	id, err := tok.AddHandler(h)
	if err != nil {
		t.Fatalf("AddHandler: %v", err)
	}
	return id
}
