// Package erased provides a type-erased facade over sandbox.Backend,
// sandbox.Sandbox, and sandbox.ChildProcess.
//
// The concrete implementations returned by sandbox/linux carry
// platform-specific state (zygote handles, driver types) a caller
// outside this module has no business depending on directly. In the
// Rust original this package descends from, the same problem is solved
// with Arc<dyn Sandbox> plus an Any downcast for backend-specific
// extras; idiomatic Go already erases concrete types behind an
// interface, so this package is a thin tag+table wrapper whose only job
// is giving callers a single concrete type (Box) to store in
// structures that must stay platform-agnostic, without losing the ability to recover
// backend-specific debug data when it's actually wanted.
package erased

import (
	"context"
	"io"

	"github.com/jjs-dev/minion/sandbox"
)

// Box wraps a sandbox.Backend so it can be stored, passed around, and
// closed without the holder needing to import sandbox/linux (or any
// future platform package) directly.
type Box struct {
	backend sandbox.Backend
}

func New(backend sandbox.Backend) *Box { return &Box{backend: backend} }

func (b *Box) NewSandbox(ctx context.Context, opts sandbox.Options) (*SandboxBox, error) {
	sb, err := b.backend.NewSandbox(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &SandboxBox{backend: b.backend, sandbox: sb}, nil
}

func (b *Box) Close() error { return b.backend.Close() }

// SandboxBox wraps a live sandbox.Sandbox together with the Backend that
// created it, so Spawn doesn't require the caller to keep the Backend
// around separately.
type SandboxBox struct {
	backend sandbox.Backend
	sandbox sandbox.Sandbox
}

func (s *SandboxBox) ID() string                                   { return s.sandbox.ID() }
func (s *SandboxBox) CheckCPUTLE() (bool, error)                   { return s.sandbox.CheckCPUTLE() }
func (s *SandboxBox) CheckRealTLE() (bool, error)                  { return s.sandbox.CheckRealTLE() }
func (s *SandboxBox) Kill() error                                  { return s.sandbox.Kill() }
func (s *SandboxBox) ResourceUsage() (sandbox.ResourceUsage, error) { return s.sandbox.ResourceUsage() }
func (s *SandboxBox) DebugInfo() map[string]any                    { return s.sandbox.DebugInfo() }

func (s *SandboxBox) Spawn(ctx context.Context, opts sandbox.ChildProcessOptions) (*ChildBox, error) {
	cp, err := s.backend.Spawn(ctx, s.sandbox, opts)
	if err != nil {
		return nil, err
	}
	return &ChildBox{child: cp}, nil
}

// ChildBox wraps a sandbox.ChildProcess.
type ChildBox struct {
	child sandbox.ChildProcess
}

func (c *ChildBox) WaitForExit(ctx context.Context) (sandbox.ExitCode, error) {
	return c.child.WaitForExit(ctx)
}
func (c *ChildBox) Stdin() io.WriteCloser  { return c.child.Stdin() }
func (c *ChildBox) Stdout() io.ReadCloser  { return c.child.Stdout() }
func (c *ChildBox) Stderr() io.ReadCloser  { return c.child.Stderr() }

// Usage reports per-job resource usage when the underlying
// ChildProcess supports it, and (false, nil) otherwise.
func (c *ChildBox) Usage() (sandbox.ResourceUsage, bool, error) {
	u, ok := c.child.(Usager)
	if !ok {
		return sandbox.ResourceUsage{}, false, nil
	}
	usage, err := u.Usage()
	return usage, true, err
}

// Usager is implemented by ChildProcess implementations that can report
// per-job resource usage distinct from the owning Sandbox's aggregate
// (sandbox/linux's job type does, via wait4 rusage). Not part of the
// core sandbox.ChildProcess interface since a future backend may have no
// cheaper way to get per-job granularity than the sandbox-wide reading.
type Usager interface {
	Usage() (sandbox.ResourceUsage, error)
}
