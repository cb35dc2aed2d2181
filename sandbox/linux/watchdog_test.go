//go:build linux

package linux

import (
	"errors"
	"testing"
	"time"

	"github.com/jjs-dev/minion/sandbox"
)

func usageOf(d time.Duration) sandbox.ResourceUsage {
	return sandbox.ResourceUsage{Time: &d}
}

func TestDecideTLEWithinLimits(t *testing.T) {
	opts := sandbox.Options{CPUTimeLimit: time.Second, RealTimeLimit: 2 * time.Second}
	if v := decideTLE(opts, usageOf(500*time.Millisecond), nil, time.Second); v != tleNone {
		t.Errorf("verdict = %v, want tleNone", v)
	}
}

func TestDecideTLECPUOverrun(t *testing.T) {
	opts := sandbox.Options{CPUTimeLimit: time.Second, RealTimeLimit: 2 * time.Second}
	if v := decideTLE(opts, usageOf(1500*time.Millisecond), nil, time.Second); v != tleCPU {
		t.Errorf("verdict = %v, want tleCPU", v)
	}
}

func TestDecideTLEWallOverrun(t *testing.T) {
	opts := sandbox.Options{CPUTimeLimit: time.Second, RealTimeLimit: 2 * time.Second}
	if v := decideTLE(opts, usageOf(100*time.Millisecond), nil, 3*time.Second); v != tleReal {
		t.Errorf("verdict = %v, want tleReal", v)
	}
}

func TestDecideTLECPUWinsWhenBothExceeded(t *testing.T) {
	// An idle-then-spin job can blow both budgets between two ticks;
	// the CPU check runs first, so it must be reported as CPU-TLE.
	opts := sandbox.Options{CPUTimeLimit: time.Second, RealTimeLimit: 2 * time.Second}
	if v := decideTLE(opts, usageOf(5*time.Second), nil, time.Minute); v != tleCPU {
		t.Errorf("verdict = %v, want tleCPU (CPU check has precedence)", v)
	}
}

func TestDecideTLEFailsClosedOnUsageError(t *testing.T) {
	opts := sandbox.Options{CPUTimeLimit: time.Second, RealTimeLimit: 2 * time.Second}
	v := decideTLE(opts, sandbox.ResourceUsage{}, errors.New("cgroup vanished"), 0)
	if v != tleCPU {
		t.Errorf("verdict = %v, want tleCPU (fail closed)", v)
	}
}

func TestDecideTLENoLimitsNoVerdict(t *testing.T) {
	v := decideTLE(sandbox.Options{}, sandbox.ResourceUsage{}, errors.New("unreadable"), time.Hour)
	if v != tleNone {
		t.Errorf("verdict = %v, want tleNone (no limits configured)", v)
	}
}

func TestDecideTLEMissingTimeReadingIsNotAnOverrun(t *testing.T) {
	// A driver that reports no CPU reading (rlimit before any child has
	// been reaped) must not trip the limit on its own; only an error
	// does.
	opts := sandbox.Options{CPUTimeLimit: time.Second}
	if v := decideTLE(opts, sandbox.ResourceUsage{}, nil, 0); v != tleNone {
		t.Errorf("verdict = %v, want tleNone", v)
	}
}
