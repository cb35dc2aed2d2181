//go:build !linux

package linux

import (
	"github.com/jjs-dev/minion/sandbox"
)

// BackendConfig mirrors the linux-only type so callers on other
// platforms still compile; every field is ignored.
type BackendConfig struct {
	MaxConcurrentSandboxes int64
	CgroupfsRoot           string
	DriverPreference       []string
}

// NewBackend always fails on non-Linux platforms. Grounded on the
// teacher's own fallback.go / cgroup_other.go / deny_other.go — a
// platform stub that keeps the package importable everywhere, with
// every platform-specific operation replaced by an explicit
// NotSupported error rather than a build failure.
func NewBackend(cfg BackendConfig) (sandbox.Backend, error) {
	return nil, &sandbox.Error{
		Kind: sandbox.NotSupported,
		Msg:  "sandbox/linux is only implemented for GOOS=linux",
	}
}

// Doctor mirrors the linux build's diagnostic entry point.
func Doctor() DoctorReport {
	return DoctorReport{
		AvailableDriver: "",
		Notes:           []string{"sandbox/linux is only implemented for GOOS=linux"},
	}
}

// DoctorReport mirrors the linux build's type so cmd/minion's doctor
// subcommand compiles unconditionally.
type DoctorReport struct {
	AvailableDriver string
	CandidateErrors map[string]string
	Notes           []string
}
