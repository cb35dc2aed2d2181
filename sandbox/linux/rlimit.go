//go:build linux

package linux

import (
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/jjs-dev/minion/sandbox"
)

// rlimitDriver is the fallback driver: no cgroup at all, just per-process
// rlimits applied via prlimit(2) after fork. It cannot enforce a process
// *count* limit above 1 without root (RLIMIT_NPROC is per-UID, not
// per-tree, so a shared UID means a limit of N lets the job's whole tree
// use N processes across every other thing running as that UID too).
// Grounded on the teacher's linux.go rlimits()/PostStart.
type rlimitDriver struct{}

func newRlimitDriver() *rlimitDriver { return &rlimitDriver{} }

func (d *rlimitDriver) Name() string { return "rlimit" }

func (d *rlimitDriver) smokeCheck() error { return nil } // always available

type rlimitHandle struct {
	opts sandbox.Options
}

type rlimitSetting struct {
	resource int
	limit    unix.Rlimit
}

// settings derives the rlimit values Join will apply. The memory limit
// goes on RLIMIT_DATA (the heap), not RLIMIT_AS: bounding the whole
// address space would count the dynamic linker's and libc's mappings
// against the job's budget and can kill it at load time, before it has
// allocated anything of its own. RLIMIT_CPU only counts whole seconds,
// so the CPU budget is rounded up — rounding down would turn a 1.5 s
// limit into a kill at 1 s, under the promised budget.
func (h *rlimitHandle) settings() []rlimitSetting {
	var out []rlimitSetting
	if h.opts.CPUTimeLimit > 0 {
		secs := uint64((h.opts.CPUTimeLimit + time.Second - 1) / time.Second)
		out = append(out, rlimitSetting{unix.RLIMIT_CPU, unix.Rlimit{Cur: secs, Max: secs}})
	}
	if h.opts.MemoryLimit > 0 {
		out = append(out, rlimitSetting{unix.RLIMIT_DATA, unix.Rlimit{Cur: h.opts.MemoryLimit, Max: h.opts.MemoryLimit}})
	}
	if h.opts.MaxAliveProcessCount > 0 {
		n := uint64(h.opts.MaxAliveProcessCount)
		out = append(out, rlimitSetting{unix.RLIMIT_NPROC, unix.Rlimit{Cur: n, Max: n}})
	}
	return out
}

// Join applies rlimits to the given pid via prlimit(2) rather than
// setrlimit-before-exec: the host sets them on the already-running
// zygote, and the jobs the zygote forks afterwards inherit them.
func (h *rlimitHandle) Join(pid int) error {
	for _, s := range h.settings() {
		lim := s.limit
		if err := unix.Prlimit(pid, s.resource, &lim, nil); err != nil {
			return sandbox.NewError(sandbox.Syscall, "prlimit", err)
		}
	}
	return nil
}

func (h *rlimitHandle) Close() error { return nil }

func (d *rlimitDriver) CreateGroup(id string, opts sandbox.Options) (EnterHandle, error) {
	if opts.MaxAliveProcessCount > 1 && os.Geteuid() != 0 {
		return nil, sandbox.NewError(sandbox.NotSupported,
			"rlimit driver cannot enforce max_alive_process_count > 1 without root", nil)
	}
	return &rlimitHandle{opts: opts}, nil
}

func (d *rlimitDriver) DeleteGroup(h EnterHandle) error { return nil }

// ResourceUsage cannot be read back from rlimits alone; the caller falls
// back to asking the zygote for getrusage(RUSAGE_CHILDREN) when this
// driver reports nothing (see linuxSandboxImpl.ResourceUsage).
func (d *rlimitDriver) ResourceUsage(h EnterHandle) (sandbox.ResourceUsage, error) {
	return sandbox.ResourceUsage{}, nil
}
