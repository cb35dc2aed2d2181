//go:build linux

package linux

import (
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/jjs-dev/minion/sandbox"
)

func settingFor(t *testing.T, settings []rlimitSetting, resource int) unix.Rlimit {
	t.Helper()
	for _, s := range settings {
		if s.resource == resource {
			return s.limit
		}
	}
	t.Fatalf("no setting for resource %d in %+v", resource, settings)
	return unix.Rlimit{}
}

func TestRlimitSettingsMemoryUsesRlimitData(t *testing.T) {
	h := &rlimitHandle{opts: sandbox.Options{MemoryLimit: 4 << 20}}
	settings := h.settings()

	lim := settingFor(t, settings, unix.RLIMIT_DATA)
	if lim.Cur != 4<<20 || lim.Max != 4<<20 {
		t.Errorf("RLIMIT_DATA = %+v, want cur=max=%d", lim, 4<<20)
	}
	for _, s := range settings {
		if s.resource == unix.RLIMIT_AS {
			t.Error("memory limit must not touch RLIMIT_AS")
		}
	}
}

func TestRlimitSettingsCPURoundsUp(t *testing.T) {
	tests := []struct {
		limit time.Duration
		want  uint64
	}{
		{500 * time.Millisecond, 1},
		{time.Second, 1},
		{1500 * time.Millisecond, 2},
		{2 * time.Second, 2},
	}
	for _, tt := range tests {
		h := &rlimitHandle{opts: sandbox.Options{CPUTimeLimit: tt.limit}}
		lim := settingFor(t, h.settings(), unix.RLIMIT_CPU)
		if lim.Cur != tt.want {
			t.Errorf("CPU limit %s: RLIMIT_CPU = %d s, want %d s", tt.limit, lim.Cur, tt.want)
		}
	}
}

func TestRlimitSettingsProcessCount(t *testing.T) {
	h := &rlimitHandle{opts: sandbox.Options{MaxAliveProcessCount: 1}}
	lim := settingFor(t, h.settings(), unix.RLIMIT_NPROC)
	if lim.Cur != 1 || lim.Max != 1 {
		t.Errorf("RLIMIT_NPROC = %+v, want cur=max=1", lim)
	}
}

func TestRlimitSettingsZeroOptionsSetNothing(t *testing.T) {
	h := &rlimitHandle{opts: sandbox.Options{}}
	if settings := h.settings(); len(settings) != 0 {
		t.Errorf("settings for zero options = %+v, want none", settings)
	}
}
