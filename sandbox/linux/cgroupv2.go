//go:build linux

package linux

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jjs-dev/minion/sandbox"
)

// cgroupV2Driver manages one sub-cgroup per sandbox under the caller's own
// cgroup. Grounded on the teacher's newCgroupManager/enableControllers —
// generalized from a single per-session memory+pids pair into the full
// ResourceDriver interface (adds CPU-time accounting and the
// MINION_DEBUG_KEEP_CGROUPS escape hatch).
type cgroupV2Driver struct {
	root string // usually /sys/fs/cgroup
}

func newCgroupV2Driver(root string) *cgroupV2Driver {
	if root == "" {
		root = "/sys/fs/cgroup"
	}
	if env := os.Getenv("MINION_CGROUPFS"); env != "" {
		root = env
	}
	return &cgroupV2Driver{root: root}
}

func (d *cgroupV2Driver) Name() string { return "cgroupv2" }

func (d *cgroupV2Driver) smokeCheck() error {
	if _, err := os.Stat(filepath.Join(d.root, "cgroup.controllers")); err != nil {
		return fmt.Errorf("cgroup v2 not mounted at %s: %w", d.root, err)
	}
	if _, err := d.readOwnPath(); err != nil {
		return err
	}
	return nil
}

type cgroupV2Handle struct {
	path string
}

func (h *cgroupV2Handle) Join(pid int) error {
	procs := filepath.Join(h.path, "cgroup.procs")
	return os.WriteFile(procs, []byte(strconv.Itoa(pid)), 0644)
}

func (h *cgroupV2Handle) Close() error { return nil }

func (d *cgroupV2Driver) CreateGroup(id string, opts sandbox.Options) (EnterHandle, error) {
	ownPath, err := d.readOwnPath()
	if err != nil {
		return nil, sandbox.NewError(sandbox.ResourceLimits, "read own cgroup", err)
	}
	parent := filepath.Join(d.root, ownPath)
	path := filepath.Join(parent, "sandbox."+id)

	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, sandbox.NewError(sandbox.ResourceLimits, "create cgroup", err)
	}

	var controllers []string
	if opts.MemoryLimit > 0 {
		controllers = append(controllers, "+memory")
	}
	if opts.MaxAliveProcessCount > 0 {
		controllers = append(controllers, "+pids")
	}
	controllers = append(controllers, "+cpu")
	// Best-effort: on hosts where the controllers are already delegated
	// (or delegation is refused) the limit-file writes below surface the
	// real failure with a better message than subtree_control would.
	enableControllersV2(parent, controllers)

	if opts.MemoryLimit > 0 {
		if err := os.WriteFile(filepath.Join(path, "memory.max"), []byte(strconv.FormatUint(opts.MemoryLimit, 10)), 0644); err != nil {
			os.Remove(path)
			return nil, sandbox.NewError(sandbox.ResourceLimits, "set memory.max", err)
		}
	}
	if opts.MaxAliveProcessCount > 0 {
		if err := os.WriteFile(filepath.Join(path, "pids.max"), []byte(strconv.FormatUint(uint64(opts.MaxAliveProcessCount), 10)), 0644); err != nil {
			os.Remove(path)
			return nil, sandbox.NewError(sandbox.ResourceLimits, "set pids.max", err)
		}
	}

	return &cgroupV2Handle{path: path}, nil
}

func (d *cgroupV2Driver) DeleteGroup(h EnterHandle) error {
	handle, ok := h.(*cgroupV2Handle)
	if !ok {
		return sandbox.NewError(sandbox.ResourceLimits, "wrong handle type for cgroupv2 driver", nil)
	}
	if os.Getenv("MINION_DEBUG_KEEP_CGROUPS") != "" {
		return nil
	}
	if err := os.Remove(handle.path); err != nil {
		return sandbox.NewError(sandbox.ResourceLimits, "remove cgroup", err)
	}
	return nil
}

// ResourceUsage reads cpu.stat's usage_usec for Time. Memory is always nil:
// cgroup v2 has no peak-memory counter (memory.current is instantaneous,
// not a high-water mark), and reporting an instantaneous reading as "usage"
// would misrepresent what actually happened during the job's run.
func (d *cgroupV2Driver) ResourceUsage(h EnterHandle) (sandbox.ResourceUsage, error) {
	handle, ok := h.(*cgroupV2Handle)
	if !ok {
		return sandbox.ResourceUsage{}, sandbox.NewError(sandbox.ResourceLimits, "wrong handle type for cgroupv2 driver", nil)
	}
	f, err := os.Open(filepath.Join(handle.path, "cpu.stat"))
	if err != nil {
		return sandbox.ResourceUsage{}, sandbox.NewError(sandbox.ResourceLimits, "read cpu.stat", err)
	}
	defer f.Close()

	var usageUsec uint64
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) == 2 && fields[0] == "usage_usec" {
			usageUsec, _ = strconv.ParseUint(fields[1], 10, 64)
		}
	}
	d2 := time.Duration(usageUsec) * time.Microsecond
	return sandbox.ResourceUsage{Time: &d2}, nil
}

func (d *cgroupV2Driver) readOwnPath() (string, error) {
	data, err := os.ReadFile("/proc/self/cgroup")
	if err != nil {
		return "", fmt.Errorf("read /proc/self/cgroup: %w", err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "0::") {
			return line[3:], nil
		}
	}
	return "", fmt.Errorf("no cgroup v2 entry in /proc/self/cgroup")
}

// enableControllersV2 writes to the parent's cgroup.subtree_control,
// handling the "no internal processes" EBUSY case by moving the caller
// into a leaf cgroup first. Grounded on the teacher's enableControllers.
func enableControllersV2(parentPath string, controllers []string) error {
	if len(controllers) == 0 {
		return nil
	}
	payload := strings.Join(controllers, " ")
	controlPath := filepath.Join(parentPath, "cgroup.subtree_control")

	err := os.WriteFile(controlPath, []byte(payload), 0644)
	if err == nil {
		return nil
	}
	if !strings.Contains(err.Error(), "device or resource busy") {
		return err
	}

	leaf := filepath.Join(parentPath, "minion-daemon")
	if err := os.MkdirAll(leaf, 0755); err != nil {
		return fmt.Errorf("create leaf cgroup: %w", err)
	}
	if err := os.WriteFile(filepath.Join(leaf, "cgroup.procs"), []byte(strconv.Itoa(os.Getpid())), 0644); err != nil {
		return fmt.Errorf("move self to leaf cgroup: %w", err)
	}
	return os.WriteFile(controlPath, []byte(payload), 0644)
}
