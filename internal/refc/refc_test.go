package refc_test

import (
	"errors"
	"sync"
	"testing"

	"github.com/eclipse-zenoh/zenoh-pico-go/internal/refc"
	"github.com/eclipse-zenoh/zenoh-pico-go/internal/zerr"
)

func TestNewInitialCounts(t *testing.T) {
	t.Parallel()

	v := 42
	rc := refc.New(&v, nil)
	if got := rc.StrongCount(); got != 1 {
		t.Errorf("strong count after New = %d, want 1", got)
	}
	if got := rc.WeakCount(); got != 1 {
		t.Errorf("weak count after New = %d, want 1", got)
	}
	if rc.Value() != &v {
		t.Error("payload pointer not preserved")
	}
}

func TestCloneDropRoundTrip(t *testing.T) {
	t.Parallel()

	const n = 16
	v := "payload"
	rc := refc.New(&v, nil)

	clones := make([]refc.Rc[string], 0, n)
	for range n {
		c, err := rc.Clone()
		if err != nil {
			t.Fatalf("Clone: %v", err)
		}
		clones = append(clones, c)
	}
	if got := rc.StrongCount(); got != n+1 {
		t.Fatalf("strong count after %d clones = %d", n, got)
	}
	for i := range clones {
		clones[i].Drop()
	}
	if got := rc.StrongCount(); got != 1 {
		t.Errorf("strong count after drops = %d, want 1", got)
	}
	if got := rc.WeakCount(); got != 1 {
		t.Errorf("weak count after drops = %d, want 1", got)
	}
}

func TestFinalizerRunsOnceAtZero(t *testing.T) {
	t.Parallel()

	runs := 0
	v := 7
	rc := refc.New(&v, func(*int) { runs++ })
	c, err := rc.Clone()
	if err != nil {
		t.Fatalf("Clone: %v", err)
	}

	rc.Drop()
	if runs != 0 {
		t.Fatalf("finalizer ran with a live strong reference")
	}
	c.Drop()
	if runs != 1 {
		t.Fatalf("finalizer ran %d times, want 1", runs)
	}
}

func TestUpgradeWeak(t *testing.T) {
	t.Parallel()

	v := 1
	rc := refc.New(&v, nil)
	w, err := rc.Downgrade()
	if err != nil {
		t.Fatalf("Downgrade: %v", err)
	}

	up := w.Upgrade()
	if up.IsNull() {
		t.Fatal("upgrade with live strong returned null")
	}
	if got := rc.StrongCount(); got != 2 {
		t.Fatalf("strong count after upgrade = %d, want 2", got)
	}
	up.Drop()
	rc.Drop()

	// All strong owners gone: upgrade must fail.
	if got := w.Upgrade(); !got.IsNull() {
		t.Error("upgrade on dead Rc returned non-null")
	}
	w.Drop()
}

func TestNullOperations(t *testing.T) {
	t.Parallel()

	var rc refc.Rc[int]
	if !rc.IsNull() {
		t.Fatal("zero Rc is not null")
	}
	if _, err := rc.Clone(); !errors.Is(err, zerr.New(zerr.Null)) {
		t.Errorf("Clone on null = %v, want NULL", err)
	}
	rc.Drop() // must not panic

	var w refc.Weak[int]
	if got := w.Upgrade(); !got.IsNull() {
		t.Error("upgrade on null weak returned non-null")
	}
}

func TestConcurrentCloneDrop(t *testing.T) {
	t.Parallel()

	v := 0
	rc := refc.New(&v, nil)
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 1000 {
				c, err := rc.Clone()
				if err != nil {
					t.Error(err)
					return
				}
				c.Drop()
			}
		}()
	}
	wg.Wait()
	if got := rc.StrongCount(); got != 1 {
		t.Errorf("strong count after concurrent churn = %d, want 1", got)
	}
}

func TestSimpleRc(t *testing.T) {
	t.Parallel()

	s := refc.NewSimple([]byte("abc"))
	if got := s.Count(); got != 1 {
		t.Fatalf("count = %d, want 1", got)
	}
	c, err := s.Clone()
	if err != nil {
		t.Fatalf("Clone: %v", err)
	}
	if got := s.Count(); got != 2 {
		t.Fatalf("count after clone = %d, want 2", got)
	}
	c.Drop()
	s.Drop()
	if !s.IsNull() {
		t.Error("dropped SimpleRc is not null")
	}
}

func TestArcSlice(t *testing.T) {
	t.Parallel()

	a := refc.ArcSliceFromBytes([]byte("hello world"))
	if got := string(a.Bytes()); got != "hello world" {
		t.Fatalf("bytes = %q", got)
	}

	sub, err := a.Subslice(6, 5)
	if err != nil {
		t.Fatalf("Subslice: %v", err)
	}
	if got := string(sub.Bytes()); got != "world" {
		t.Errorf("subslice bytes = %q, want %q", got, "world")
	}
	if got := a.Count(); got != 2 {
		t.Errorf("count after subslice = %d, want 2", got)
	}

	if _, err := a.Subslice(8, 10); err == nil {
		t.Error("out-of-range subslice did not fail")
	}

	sub.Drop()
	if got := a.Count(); got != 1 {
		t.Errorf("count after subslice drop = %d, want 1", got)
	}

	var empty refc.ArcSlice
	if !empty.IsEmpty() || empty.Bytes() != nil {
		t.Error("zero ArcSlice is not the empty slice")
	}
	if _, err := empty.Clone(); err != nil {
		t.Errorf("cloning the empty slice: %v", err)
	}
}
