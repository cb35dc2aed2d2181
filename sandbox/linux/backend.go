//go:build linux

package linux

import (
	"context"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/jjs-dev/minion/sandbox"
)

// BackendConfig configures a linux Backend. Zero values mean "use the
// package default" for every field.
type BackendConfig struct {
	// MaxConcurrentSandboxes bounds how many sandboxes this Backend will
	// hold open at once; NewSandbox blocks (context-cancellably) past
	// that point. Zero means unbounded. This is what lets the batch
	// queue watcher (SPEC_FULL.md §4.14) point one Backend at an
	// unbounded stream of dropped job files without fork-bombing the
	// host.
	MaxConcurrentSandboxes int64
	// CgroupfsRoot overrides the default /sys/fs/cgroup lookup;
	// MINION_CGROUPFS always wins over this if set.
	CgroupfsRoot string
	// DriverPreference overrides the default cgroupv2 -> cgroupv1 ->
	// rlimit try-order.
	DriverPreference []string
}

// linuxBackend implements sandbox.Backend.
type linuxBackend struct {
	driver   ResourceDriver
	uidAlloc *uidAllocator
	sem      *semaphore.Weighted

	mu    sync.Mutex
	boxes map[*linuxSandboxImpl]struct{}
}

// NewBackend selects a resource driver (cgroup v2, cgroup v1, or rlimit,
// in that order unless overridden) and returns a ready-to-use Backend.
func NewBackend(cfg BackendConfig) (sandbox.Backend, error) {
	drv, err := selectDriver(cfg.CgroupfsRoot, cfg.DriverPreference)
	if err != nil {
		return nil, err
	}

	var sem *semaphore.Weighted
	if cfg.MaxConcurrentSandboxes > 0 {
		sem = semaphore.NewWeighted(cfg.MaxConcurrentSandboxes)
	}

	return &linuxBackend{
		driver:   drv,
		uidAlloc: newUIDAllocator(),
		sem:      sem,
		boxes:    make(map[*linuxSandboxImpl]struct{}),
	}, nil
}

func (b *linuxBackend) NewSandbox(ctx context.Context, opts sandbox.Options) (sandbox.Sandbox, error) {
	if b.sem != nil {
		if err := b.sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
	}
	ok := false
	defer func() {
		if !ok && b.sem != nil {
			b.sem.Release(1)
		}
	}()

	opts.Normalize()

	id, err := newSandboxID()
	if err != nil {
		return nil, err
	}

	driverHandle, err := b.driver.CreateGroup(id, opts)
	if err != nil {
		return nil, err
	}

	rootful := os.Geteuid() == 0
	var allocatedUID, allocatedGID uint32
	if rootful {
		allocatedUID, err = b.uidAlloc.Allocate()
		if err != nil {
			b.driver.DeleteGroup(driverHandle)
			return nil, err
		}
		allocatedGID = allocatedUID
	}

	cfg := zygoteConfig{
		Root:          opts.IsolationRoot,
		SharedItems:   opts.SharedItems,
		SeccompPolicy: DenyDangerous,
	}

	zygote, err := launchZygote(cfg, rootful, os.Getuid(), os.Getgid(), allocatedUID, allocatedGID)
	if err != nil {
		if rootful {
			b.uidAlloc.Free(allocatedUID)
		}
		b.driver.DeleteGroup(driverHandle)
		return nil, err
	}

	if err := driverHandle.Join(zygote.pid()); err != nil {
		zygote.kill()
		if rootful {
			b.uidAlloc.Free(allocatedUID)
		}
		b.driver.DeleteGroup(driverHandle)
		return nil, err
	}

	// The zygote only answers once its mount/chroot/seccomp setup is
	// done and its message loop is running; a ping here is what makes
	// NewSandbox block until the sandbox is actually ready for spawns
	// instead of returning a handle whose first Spawn would race setup.
	if _, _, err := zygote.call(query{Tag: queryTagPing}, nil); err != nil {
		zygote.kill()
		if rootful {
			b.uidAlloc.Free(allocatedUID)
		}
		b.driver.DeleteGroup(driverHandle)
		return nil, err
	}

	sb := &linuxSandboxImpl{
		id:            id,
		opts:          opts,
		zygote:        zygote,
		driver:        b.driver,
		driverHandle:  driverHandle,
		constructedAt: time.Now(),
		allocatedUID:  allocatedUID,
		rootful:       rootful,
		backend:       b,
	}
	sb.watchdog = startWatchdog(sb)

	b.mu.Lock()
	b.boxes[sb] = struct{}{}
	b.mu.Unlock()

	ok = true
	return sb, nil
}

func (b *linuxBackend) Spawn(ctx context.Context, sb sandbox.Sandbox, opts sandbox.ChildProcessOptions) (sandbox.ChildProcess, error) {
	impl, ok := sb.(*linuxSandboxImpl)
	if !ok {
		return nil, &sandbox.Error{Kind: sandbox.SandboxMisbehavior, Msg: "Spawn called with a Sandbox not created by this Backend"}
	}
	return impl.spawn(ctx, opts)
}

// release drops a sandbox's semaphore slot and bookkeeping entry. Called
// by linuxSandboxImpl.Kill; never called twice for the same sandbox
// because killLocked runs its teardown under killOnce.
func (b *linuxBackend) release(sb *linuxSandboxImpl) {
	b.mu.Lock()
	delete(b.boxes, sb)
	b.mu.Unlock()
	if b.sem != nil {
		b.sem.Release(1)
	}
}

// Close kills every still-live sandbox concurrently and waits for all of
// them to finish tearing down, via errgroup rather than a plain
// sync.WaitGroup so the first kill failure is the one returned.
func (b *linuxBackend) Close() error {
	b.mu.Lock()
	live := make([]*linuxSandboxImpl, 0, len(b.boxes))
	for sb := range b.boxes {
		live = append(live, sb)
	}
	b.mu.Unlock()

	var g errgroup.Group
	for _, sb := range live {
		sb := sb
		g.Go(func() error {
			return sb.Kill()
		})
	}
	return g.Wait()
}
