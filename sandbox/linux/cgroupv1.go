//go:build linux

package linux

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/jjs-dev/minion/sandbox"
)

// cgroupV1Driver manages one directory per controller hierarchy
// (memory, pids, cpuacct) per sandbox. Unlike v2's single unified tree,
// v1 controllers are separate hierarchies that each need their own
// per-group directory and their own "tasks" file.
//
// The handle holds the tasks files open (as *os.File, not just paths):
// they are opened once at CreateGroup time, and Join writes the
// zygote's pid through the held FDs instead of re-resolving cgroupfs
// paths.
type cgroupV1Driver struct {
	root string
}

func newCgroupV1Driver(root string) *cgroupV1Driver {
	if root == "" {
		root = "/sys/fs/cgroup"
	}
	if env := os.Getenv("MINION_CGROUPFS"); env != "" {
		root = env
	}
	return &cgroupV1Driver{root: root}
}

func (d *cgroupV1Driver) Name() string { return "cgroupv1" }

var v1Controllers = []string{"memory", "pids", "cpuacct"}

func (d *cgroupV1Driver) smokeCheck() error {
	for _, c := range v1Controllers {
		if _, err := os.Stat(filepath.Join(d.root, c)); err != nil {
			return fmt.Errorf("controller %s not mounted under %s: %w", c, d.root, err)
		}
	}
	return nil
}

type cgroupV1Handle struct {
	dirs      map[string]string
	tasksFDs  map[string]*os.File
}

func (h *cgroupV1Handle) Join(pid int) error {
	payload := []byte(strconv.Itoa(pid))
	for controller, f := range h.tasksFDs {
		if _, err := f.WriteAt(payload, 0); err != nil {
			return fmt.Errorf("join %s cgroup: %w", controller, err)
		}
	}
	return nil
}

func (h *cgroupV1Handle) Close() error {
	var firstErr error
	for _, f := range h.tasksFDs {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (d *cgroupV1Driver) CreateGroup(id string, opts sandbox.Options) (EnterHandle, error) {
	h := &cgroupV1Handle{
		dirs:     make(map[string]string, len(v1Controllers)),
		tasksFDs: make(map[string]*os.File, len(v1Controllers)),
	}

	for _, controller := range v1Controllers {
		dir := filepath.Join(d.root, controller, "sandbox."+id)
		if err := os.MkdirAll(dir, 0755); err != nil {
			h.Close()
			return nil, sandbox.NewError(sandbox.ResourceLimits, "create "+controller+" cgroup", err)
		}
		h.dirs[controller] = dir

		f, err := os.OpenFile(filepath.Join(dir, "tasks"), os.O_WRONLY, 0)
		if err != nil {
			h.Close()
			return nil, sandbox.NewError(sandbox.ResourceLimits, "open "+controller+" tasks file", err)
		}
		h.tasksFDs[controller] = f
	}

	if opts.MemoryLimit > 0 {
		swappiness := filepath.Join(h.dirs["memory"], "memory.swappiness")
		if err := os.WriteFile(swappiness, []byte("0"), 0644); err != nil {
			h.Close()
			return nil, sandbox.NewError(sandbox.ResourceLimits, "set memory.swappiness", err)
		}
		p := filepath.Join(h.dirs["memory"], "memory.limit_in_bytes")
		if err := os.WriteFile(p, []byte(strconv.FormatUint(opts.MemoryLimit, 10)), 0644); err != nil {
			h.Close()
			return nil, sandbox.NewError(sandbox.ResourceLimits, "set memory.limit_in_bytes", err)
		}
	}
	if opts.MaxAliveProcessCount > 0 {
		p := filepath.Join(h.dirs["pids"], "pids.max")
		if err := os.WriteFile(p, []byte(strconv.FormatUint(uint64(opts.MaxAliveProcessCount), 10)), 0644); err != nil {
			h.Close()
			return nil, sandbox.NewError(sandbox.ResourceLimits, "set pids.max", err)
		}
	}

	return h, nil
}

func (d *cgroupV1Driver) DeleteGroup(h EnterHandle) error {
	handle, ok := h.(*cgroupV1Handle)
	if !ok {
		return sandbox.NewError(sandbox.ResourceLimits, "wrong handle type for cgroupv1 driver", nil)
	}
	handle.Close()
	if os.Getenv("MINION_DEBUG_KEEP_CGROUPS") != "" {
		return nil
	}
	var firstErr error
	for _, dir := range handle.dirs {
		if err := os.Remove(dir); err != nil && firstErr == nil {
			firstErr = sandbox.NewError(sandbox.ResourceLimits, "remove cgroup dir "+dir, err)
		}
	}
	return firstErr
}

func (d *cgroupV1Driver) ResourceUsage(h EnterHandle) (sandbox.ResourceUsage, error) {
	handle, ok := h.(*cgroupV1Handle)
	if !ok {
		return sandbox.ResourceUsage{}, sandbox.NewError(sandbox.ResourceLimits, "wrong handle type for cgroupv1 driver", nil)
	}

	var usage sandbox.ResourceUsage

	if dir, ok := handle.dirs["cpuacct"]; ok {
		if data, err := os.ReadFile(filepath.Join(dir, "cpuacct.usage")); err == nil {
			if nanos, err := strconv.ParseUint(string(trimNL(data)), 10, 64); err == nil {
				d2 := time.Duration(nanos) * time.Nanosecond
				usage.Time = &d2
			}
		}
	}
	if dir, ok := handle.dirs["memory"]; ok {
		if data, err := os.ReadFile(filepath.Join(dir, "memory.max_usage_in_bytes")); err == nil {
			if bytes, err := strconv.ParseUint(string(trimNL(data)), 10, 64); err == nil {
				usage.Memory = &bytes
			}
		}
	}
	return usage, nil
}

func trimNL(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}
