//go:build linux

// Package linux implements sandbox.Backend on Linux using user/pid/mount/net
// namespaces, a pluggable resource-limit driver (cgroup v2, cgroup v1, or
// rlimit fallback), and a seccomp-bpf policy applied to the sandboxed job.
package linux

import (
	"fmt"

	"github.com/jjs-dev/minion/sandbox"
)

// ResourceDriver enforces process-count/memory/CPU-time limits on a group
// of processes. There are three implementations, tried in this order by
// selectDriver: cgroup v2, cgroup v1, rlimit. Exactly one driver backs a
// given Sandbox for its whole lifetime.
type ResourceDriver interface {
	// Name identifies the driver in DebugInfo and log lines.
	Name() string
	// CreateGroup allocates whatever backing resource (a cgroup
	// directory, nothing at all for rlimit) is needed to track id's
	// processes, and returns a handle the host joins the zygote to
	// once the zygote process has started.
	CreateGroup(id string, opts sandbox.Options) (EnterHandle, error)
	// DeleteGroup releases the group. Must be called after every
	// process in the group has exited; idempotent.
	DeleteGroup(h EnterHandle) error
	// ResourceUsage reads cumulative usage for the group. Either field
	// may be nil if the driver cannot report it (cgroup v2 has no peak
	// memory counter; rlimit reports neither without a wait4 rusage).
	ResourceUsage(h EnterHandle) (sandbox.ResourceUsage, error)
}

// EnterHandle is how the host places a sandbox's zygote into a resource
// group. NewSandbox calls Join once, from the host, on the zygote's pid
// after exec.Cmd.Start has returned and before the ready ping, so every
// job the zygote forks afterwards inherits the group. The zygote's own
// startup before Join runs outside the group. If Join fails, NewSandbox
// kills the zygote.
type EnterHandle interface {
	Join(pid int) error
	// Close releases any host-side resources (open FDs to per-controller
	// tasks files) the handle itself holds, distinct from DeleteGroup
	// which tears down the group's backing directory.
	Close() error
}

// driverSmokeCheck is run by selectDriver and by `minion doctor`: it must
// return nil only if the driver can actually be used on this host (right
// privileges, right filesystem mounted, controllers available).
type driverSmokeCheck func() error

// selectDriver tries drivers in preference order and returns the first
// one whose smoke check passes. cgroupfsRoot overrides the default
// /sys/fs/cgroup lookup (MINION_CGROUPFS).
func selectDriver(cgroupfsRoot string, preferenceOrder []string) (ResourceDriver, error) {
	candidates := map[string]func() (ResourceDriver, driverSmokeCheck){
		"cgroupv2": func() (ResourceDriver, driverSmokeCheck) {
			d := newCgroupV2Driver(cgroupfsRoot)
			return d, d.smokeCheck
		},
		"cgroupv1": func() (ResourceDriver, driverSmokeCheck) {
			d := newCgroupV1Driver(cgroupfsRoot)
			return d, d.smokeCheck
		},
		"rlimit": func() (ResourceDriver, driverSmokeCheck) {
			d := newRlimitDriver()
			return d, d.smokeCheck
		},
	}

	order := preferenceOrder
	if len(order) == 0 {
		order = []string{"cgroupv2", "cgroupv1", "rlimit"}
	}

	var errs []error
	for _, name := range order {
		mk, ok := candidates[name]
		if !ok {
			continue
		}
		drv, check := mk()
		if err := check(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		return drv, nil
	}
	return nil, &sandbox.Error{
		Kind:   sandbox.SelectDriverImpl,
		Msg:    "no resource driver passed its smoke check",
		Detail: fmt.Sprintf("%v", errs),
	}
}
