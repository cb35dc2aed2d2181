//go:build linux

package linux

import (
	"fmt"
	"sync"

	"github.com/jjs-dev/minion/sandbox"
)

// uidAllocator hands out UIDs from a fixed range for rootful sandboxes,
// one per live sandbox, so two sandboxes never share a host UID (which
// would let one see/signal the other's processes outside their
// namespaces). Grounded on original_source's uid_alloc.rs bitmap
// allocator, reimplemented here as a free list over a fixed range —
// idiomatic Go has no equivalent to hand-rolling a bitmap when a slice
// of bools does the same job with less code to get wrong.
type uidAllocator struct {
	mu    sync.Mutex
	base  uint32
	size  uint32
	inUse []bool
}

// SandboxInternalUID is the fixed uid (and gid) a job sees as its own
// once it drops privileges inside the chroot — distinct from
// defaultHostUIDPoolBase below, which is a host-side pool of *outer*
// uids the allocator hands out so concurrent rootful sandboxes never
// share one (see uidalloc_test.go / spec §3's UidAllocator).
const SandboxInternalUID = 179

// defaultHostUIDPoolBase is deliberately far above SandboxInternalUID
// and any normal system account range, to make collisions with
// pre-existing host uids unlikely without requiring the caller to
// configure one.
const defaultHostUIDPoolBase = 200000

const defaultUIDRangeSize = 1024

func newUIDAllocator() *uidAllocator {
	return &uidAllocator{
		base:  defaultHostUIDPoolBase,
		size:  defaultUIDRangeSize,
		inUse: make([]bool, defaultUIDRangeSize),
	}
}

// Allocate returns the lowest id in [base, base+size) not currently in
// use, per spec §3 ("allocate picks the lowest free id").
func (a *uidAllocator) Allocate() (uint32, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for idx := uint32(0); idx < a.size; idx++ {
		if !a.inUse[idx] {
			a.inUse[idx] = true
			return a.base + idx, nil
		}
	}
	return 0, sandbox.NewError(sandbox.UidExhausted, "uid allocator range exhausted", nil)
}

// Free returns uid to the pool. Freeing a uid that was never handed
// out — out of range, or already free — panics: it means two sandboxes
// believe they own the same uid, and continuing would hand that uid out
// a second time while the confused owner still holds it.
func (a *uidAllocator) Free(uid uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if uid < a.base || uid >= a.base+a.size {
		panic(fmt.Sprintf("uidAllocator.Free(%d): uid outside pool [%d, %d)", uid, a.base, a.base+a.size))
	}
	if !a.inUse[uid-a.base] {
		panic(fmt.Sprintf("uidAllocator.Free(%d): double free", uid))
	}
	a.inUse[uid-a.base] = false
}
