//go:build linux

package linux

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jjs-dev/minion/sandbox"
)

// watchdog is the per-sandbox background task that actually enforces
// CPUTimeLimit and RealTimeLimit: without it, CheckCPUTLE/CheckRealTLE
// would only ever report the truth if a caller happened to poll them,
// and a cgroup driver never kills on CPU time by itself (pids.max and
// memory.max are the only limits it writes — see cgroupv1.go/
// cgroupv2.go). Grounded on the teacher's timeline.Engine.Run ticker
// loop (_teacher_copy/internal/timeline/loop.go): a one-second
// time.NewTicker driving a poll function until a done channel closes,
// generalized here from "dispatch the next pending task" to "check
// resource usage and kill on overrun".
//
// One watchdog goroutine runs per sandbox for its entire lifetime;
// Kill (from any caller, including the watchdog itself) stops it by
// closing done.
//
// Logs through slog.Default() rather than internal/logging: sandbox
// is meant to be usable as a standalone library (see DESIGN.md), so
// it never imports the CLI-only logging package; a library caller
// that wants these lines routed elsewhere can slog.SetDefault its own
// handler, same as internal/logging.Init does for cmd/minion.
type watchdog struct {
	sb *linuxSandboxImpl

	cpuTLE  atomic.Bool
	realTLE atomic.Bool

	done chan struct{}
}

func startWatchdog(sb *linuxSandboxImpl) *watchdog {
	w := &watchdog{sb: sb, done: make(chan struct{})}
	go w.run()
	return w
}

func (w *watchdog) run() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			if w.poll() {
				return
			}
		}
	}
}

// tleVerdict is one tick's decision: which limit, if any, was exceeded.
type tleVerdict int

const (
	tleNone tleVerdict = iota
	tleCPU
	tleReal
)

// decideTLE applies the limits in their required precedence: the CPU
// check runs first, so a job that overruns both budgets in the same
// tick is classified as CPU-TLE, not wall-TLE. A usage read failure is
// treated as CPU-limit-exceeded (fail-closed): a sandbox whose usage
// can no longer be read can no longer be trusted to be within it.
func decideTLE(opts sandbox.Options, usage sandbox.ResourceUsage, usageErr error, elapsed time.Duration) tleVerdict {
	if opts.CPUTimeLimit > 0 {
		if usageErr != nil {
			return tleCPU
		}
		if usage.Time != nil && *usage.Time > opts.CPUTimeLimit {
			return tleCPU
		}
	}
	if opts.RealTimeLimit > 0 && elapsed > opts.RealTimeLimit {
		return tleReal
	}
	return tleNone
}

// poll checks one tick's worth of usage against the sandbox's limits.
// Returns true once the watchdog has fired a kill and should stop
// ticking.
func (w *watchdog) poll() bool {
	sb := w.sb

	var usage sandbox.ResourceUsage
	var usageErr error
	if sb.opts.CPUTimeLimit > 0 {
		// Read through the sandbox, not the driver, so the rlimit
		// driver's zygote-getrusage fallback applies here too.
		usage, usageErr = sb.ResourceUsage()
		if usageErr != nil {
			slog.Default().Warn("watchdog: resource usage read failed, failing closed", "sandbox", sb.id, "error", usageErr)
		}
	}

	switch decideTLE(sb.opts, usage, usageErr, time.Since(sb.constructedAt)) {
	case tleCPU:
		w.cpuTLE.Store(true)
		w.fire("cpu time limit exceeded")
		return true
	case tleReal:
		w.realTLE.Store(true)
		w.fire("wall-clock limit exceeded")
		return true
	}
	return false
}

func (w *watchdog) fire(reason string) {
	slog.Default().Warn("watchdog killing sandbox", "sandbox", w.sb.id, "reason", reason)
	if err := w.sb.killLocked(); err != nil {
		slog.Default().Warn("watchdog kill failed", "sandbox", w.sb.id, "error", err)
	}
}

// stop is called from an explicit, caller-driven Kill so the ticker
// goroutine exits promptly instead of firing one more tick against an
// already-dead zygote.
func (w *watchdog) stop() {
	select {
	case <-w.done:
	default:
		close(w.done)
	}
}
