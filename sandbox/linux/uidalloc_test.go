//go:build linux

package linux

import (
	"testing"

	"github.com/jjs-dev/minion/sandbox"
)

func TestUIDAllocatorAllocateIsLowestFree(t *testing.T) {
	a := newUIDAllocator()

	first, err := a.Allocate()
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if first != a.base {
		t.Errorf("first allocation = %d, want base %d", first, a.base)
	}

	second, err := a.Allocate()
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if second != a.base+1 {
		t.Errorf("second allocation = %d, want %d", second, a.base+1)
	}

	a.Free(first)
	third, err := a.Allocate()
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	// Allocate always returns the lowest free id, so freeing the first
	// one handed out makes it immediately reusable ahead of any id that
	// was never allocated.
	if third != first {
		t.Errorf("third allocation = %d, want freed id %d back", third, first)
	}
}

func TestUIDAllocatorNeverDoubleIssues(t *testing.T) {
	a := newUIDAllocator()
	seen := make(map[uint32]bool)
	for i := uint32(0); i < a.size; i++ {
		uid, err := a.Allocate()
		if err != nil {
			t.Fatalf("Allocate #%d: %v", i, err)
		}
		if seen[uid] {
			t.Fatalf("uid %d handed out twice before being freed", uid)
		}
		seen[uid] = true
	}
}

func TestUIDAllocatorExhaustion(t *testing.T) {
	a := newUIDAllocator()
	for i := uint32(0); i < a.size; i++ {
		if _, err := a.Allocate(); err != nil {
			t.Fatalf("Allocate #%d: %v", i, err)
		}
	}

	_, err := a.Allocate()
	if err == nil {
		t.Fatal("Allocate on exhausted range: want error, got nil")
	}
	sbErr, ok := err.(*sandbox.Error)
	if !ok || sbErr.Kind != sandbox.UidExhausted {
		t.Errorf("Allocate exhausted error = %v, want UidExhausted", err)
	}
}

func mustPanic(t *testing.T, name string, f func()) {
	t.Helper()
	defer func() {
		if recover() == nil {
			t.Errorf("%s: want panic, got none", name)
		}
	}()
	f()
}

func TestUIDAllocatorDoubleFreePanics(t *testing.T) {
	a := newUIDAllocator()
	uid, err := a.Allocate()
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	a.Free(uid)
	mustPanic(t, "double Free", func() { a.Free(uid) })
}

func TestUIDAllocatorFreeOutOfRangePanics(t *testing.T) {
	a := newUIDAllocator()
	mustPanic(t, "Free below pool", func() { a.Free(1) })
	mustPanic(t, "Free above pool", func() { a.Free(a.base + a.size + 100) })
}

func TestUIDAllocatorFreeNeverAllocatedPanics(t *testing.T) {
	a := newUIDAllocator()
	// In range, but never handed out.
	mustPanic(t, "Free of never-allocated uid", func() { a.Free(a.base + 3) })
}
