//go:build linux

package linux

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/jjs-dev/minion/sandbox"
)

// linuxSandboxImpl implements sandbox.Sandbox. The watchdog's wall-clock
// measurement is deliberately anchored at construction (constructedAt),
// not at the first spawned job — a sandbox that sits idle for a while
// before its first job still has that idle time count against its
// RealTimeLimit. This is unchanged from the design this package
// descends from; see DESIGN.md's Open Question resolutions.
type linuxSandboxImpl struct {
	id            string
	opts          sandbox.Options
	zygote        *zygoteHandle
	driver        ResourceDriver
	driverHandle  EnterHandle
	constructedAt time.Time
	allocatedUID  uint32
	rootful       bool
	watchdog      *watchdog

	backend *linuxBackend

	killOnce sync.Once
	killErr  error
}

func (s *linuxSandboxImpl) ID() string { return s.id }

// CheckRealTLE and CheckCPUTLE report the flags the watchdog sets when
// it kills this sandbox for exceeding its wall-clock or CPU-time
// budget (spec §4.7: "drain the watchdog channel into the flag pair,
// then return the relevant flag"). They do not recompute usage
// themselves — a sandbox that was already killed for a CPU overrun has
// nothing left to measure, so the flag is the only reliable record.
func (s *linuxSandboxImpl) CheckRealTLE() (bool, error) {
	return s.watchdog.realTLE.Load(), nil
}

func (s *linuxSandboxImpl) CheckCPUTLE() (bool, error) {
	return s.watchdog.cpuTLE.Load(), nil
}

// ResourceUsage reads the driver's group accounting, falling back to
// asking the zygote for getrusage(RUSAGE_CHILDREN) when the driver has
// nothing to report (the rlimit driver keeps no kernel-side group).
func (s *linuxSandboxImpl) ResourceUsage() (sandbox.ResourceUsage, error) {
	usage, err := s.driver.ResourceUsage(s.driverHandle)
	if err != nil {
		return usage, err
	}
	if usage.Time != nil || usage.Memory != nil {
		return usage, nil
	}

	r, _, err := s.zygote.call(query{Tag: queryTagGetResourceUsage}, nil)
	if err != nil {
		return sandbox.ResourceUsage{}, err
	}
	if r.TimeNanos != nil {
		d := time.Duration(*r.TimeNanos)
		usage.Time = &d
	}
	usage.Memory = r.MemoryBytes
	return usage, nil
}

// Kill is idempotent: the watchdog itself calls killLocked directly on
// TLE, and a caller may also call Kill concurrently (e.g. the CLI's
// deferred cleanup racing the watchdog's own kill) — sync.Once ensures
// the zygote is only signalled, the group only deleted, and the UID
// only freed once.
func (s *linuxSandboxImpl) Kill() error {
	return s.killLocked()
}

// killLocked runs every teardown step regardless of earlier failures —
// a zygote that could not be signalled must not leak the cgroup, the
// allocated UID, or the backend's concurrency slot. The first error is
// kept for the caller; the rest are logged and swallowed.
func (s *linuxSandboxImpl) killLocked() error {
	s.killOnce.Do(func() {
		s.watchdog.stop()
		if err := s.zygote.kill(); err != nil {
			s.killErr = err
		}
		if err := s.driver.DeleteGroup(s.driverHandle); err != nil {
			if s.killErr == nil {
				s.killErr = err
			} else {
				slog.Default().Warn("delete resource group failed during kill", "sandbox", s.id, "error", err)
			}
		}
		if s.rootful {
			s.backend.uidAlloc.Free(s.allocatedUID)
		}
		s.backend.release(s)
	})
	return s.killErr
}

func (s *linuxSandboxImpl) DebugInfo() map[string]any {
	info := map[string]any{
		"id":          s.id,
		"zygote_pid":  s.zygote.pid(),
		"driver":      s.driver.Name(),
		"constructed": s.constructedAt,
		"rootful":     s.rootful,
	}
	if s.rootful {
		info["allocated_uid"] = s.allocatedUID
	}
	return info
}

// spawn is called by the Backend to exec a job inside this sandbox's
// zygote.
func (s *linuxSandboxImpl) spawn(ctx context.Context, copts sandbox.ChildProcessOptions) (sandbox.ChildProcess, error) {
	guestFiles, hostIn, hostOut, hostErr, cleanup, err := buildStdioFiles(copts.Stdio)
	if err != nil {
		return nil, &sandbox.Error{Kind: sandbox.Io, Msg: "build job stdio", Cause: err}
	}
	defer cleanup()

	fds := make([]int, 0, 3+len(copts.ExtraInherit))
	for _, f := range guestFiles {
		fds = append(fds, int(f.Fd()))
	}
	slots := make([]int, 0, len(copts.ExtraInherit))
	for _, ex := range copts.ExtraInherit {
		fds = append(fds, int(ex.File.Fd()))
		slots = append(slots, ex.Slot)
	}

	q := query{
		Tag:          queryTagSpawn,
		Path:         copts.Path,
		Argv:         copts.Argv,
		Env:          copts.Env,
		Pwd:          copts.Pwd,
		ExtraFDSlots: slots,
	}

	r, replyFDs, err := s.zygote.call(q, fds)
	if err != nil {
		return nil, err
	}

	j := &job{
		zygote: s.zygote,
		jobID:  r.JobID,
		stdin:  hostIn,
		stdout: hostOut,
		stderr: hostErr,
	}
	if r.Notifier && len(replyFDs) > 0 {
		j.exitNotifier = os.NewFile(uintptr(replyFDs[0]), "exit-notifier")
		replyFDs = replyFDs[1:]
	}
	closeFDs(replyFDs)
	return j, nil
}

// newSandboxID returns an 8-character random alphanumeric id, printable
// everywhere a sandbox needs naming (cgroup directory, log lines).
func newSandboxID() (string, error) {
	var b [4]byte
	f, err := os.Open("/dev/urandom")
	if err != nil {
		return "", fmt.Errorf("open /dev/urandom: %w", err)
	}
	defer f.Close()
	if _, err := io.ReadFull(f, b[:]); err != nil {
		return "", fmt.Errorf("read /dev/urandom: %w", err)
	}
	return fmt.Sprintf("%x", b), nil
}
