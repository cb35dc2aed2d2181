package sandbox

import (
	"context"
	"io"
)

// Backend constructs sandboxes and spawns jobs inside them. There is
// exactly one implementation in this module (sandbox/linux), but the
// interface keeps callers decoupled from that package so a future
// platform backend doesn't ripple through every caller.
type Backend interface {
	NewSandbox(ctx context.Context, opts Options) (Sandbox, error)
	Spawn(ctx context.Context, sb Sandbox, opts ChildProcessOptions) (ChildProcess, error)
	// Close kills every sandbox created from this backend that is still
	// live, waits for their teardown, and returns the first error.
	Close() error
}

// Sandbox is a live isolation context: namespaces, a resource group,
// and a zygote. Every method is safe to call after the sandbox has
// been killed and none panics: ID, CheckCPUTLE, CheckRealTLE and
// DebugInfo keep answering, Kill returns its first teardown error
// again, and ResourceUsage and Backend.Spawn fail, with ErrSandboxGone
// when they reach the dead zygote.
type Sandbox interface {
	ID() string
	CheckCPUTLE() (bool, error)
	CheckRealTLE() (bool, error)
	// Kill takes the zygote handle, if still present, and sends it
	// SIGKILL. Idempotent: killing an already-dead sandbox is a no-op.
	Kill() error
	ResourceUsage() (ResourceUsage, error)
	// DebugInfo returns backend-specific diagnostic fields (paths,
	// pids, the active resource driver) for operator tooling.
	DebugInfo() map[string]any
}

// ChildProcess is a single job launched inside a Sandbox.
type ChildProcess interface {
	// WaitForExit blocks until the job exits (or ctx is cancelled) and
	// returns its ExitCode. Must be called at most once; see
	// sandbox/linux's implementation for why a second call is an
	// error rather than silently returning a cached value twice.
	WaitForExit(ctx context.Context) (ExitCode, error)
	// Stdin/Stdout/Stderr return the caller-side endpoint when the
	// corresponding spec was Pipe, Buffer, or PTY; nil otherwise. Each
	// call returns the same endpoint.
	Stdin() io.WriteCloser
	Stdout() io.ReadCloser
	Stderr() io.ReadCloser
}
