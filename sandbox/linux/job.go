//go:build linux

package linux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"

	"github.com/jjs-dev/minion/sandbox"
)

// job implements sandbox.ChildProcess. It never touches namespaces or
// cgroups directly — all of that already happened when the owning
// sandbox's zygote was launched; a job is just "exec this in the
// zygote, hand me back a way to talk to it and learn its outcome".
type job struct {
	zygote *zygoteHandle
	jobID  uint64

	// exitNotifier is the descriptor the zygote sent back with the spawn
	// reply: a pidfd for the job (readable once it exits) or the read
	// end of a pipe the zygote writes to after reaping it. Nil when the
	// zygote could produce neither, in which case WaitForExit falls back
	// to polling.
	exitNotifier *os.File

	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	waited bool
}

func (j *job) Stdin() io.WriteCloser { return j.stdin }
func (j *job) Stdout() io.ReadCloser { return j.stdout }
func (j *job) Stderr() io.ReadCloser { return j.stderr }

// WaitForExit blocks until the exit notifier becomes readable (or, with
// no notifier, polls get_exit_code with a bounded backoff), then reads
// the recorded exit code off the zygote. The wire protocol is
// deliberately non-blocking (see zygote_guest.go's handleGetExitCode)
// so this is the one place blocking semantics are reintroduced, where a
// context can actually cancel them.
func (j *job) WaitForExit(ctx context.Context) (sandbox.ExitCode, error) {
	if j.waited {
		return 0, &sandbox.Error{Kind: sandbox.SandboxMisbehavior, Msg: "WaitForExit called twice on the same job"}
	}
	j.waited = true

	if j.exitNotifier != nil {
		defer func() {
			j.exitNotifier.Close()
			j.exitNotifier = nil
		}()
		if err := awaitReadable(ctx, j.exitNotifier); err != nil {
			return 0, err
		}
	}

	backoff := time.Millisecond
	const maxBackoff = 50 * time.Millisecond
	for {
		r, _, err := j.zygote.call(query{Tag: queryTagGetExitCode, JobID: j.jobID}, nil)
		if err != nil {
			// The watchdog (or a racing caller) killed the owning
			// sandbox out from under this job: spec §4.10 says that
			// case resolves as KILLED rather than propagating the
			// now-meaningless "socket is gone" error.
			if errors.Is(err, sandbox.ErrSandboxGone) {
				return sandbox.ExitKilled, nil
			}
			return 0, err
		}
		if r.Exited {
			return sandbox.ExitCode(r.ExitCode), nil
		}

		// A readable notifier slightly precedes the zygote's own reap of
		// the job, so a couple of short retries may still be needed here.
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < maxBackoff {
			backoff *= 2
		}
	}
}

// awaitReadable blocks until f is readable (pidfd exit, or the byte the
// zygote writes on its notifier pipe), polling in short slices so ctx
// cancellation is honored.
func awaitReadable(ctx context.Context, f *os.File) error {
	pfd := []unix.PollFd{{Fd: int32(f.Fd()), Events: unix.POLLIN}}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := unix.Poll(pfd, 100)
		if err != nil && err != unix.EINTR {
			return &sandbox.Error{Kind: sandbox.Syscall, Msg: "poll exit notifier", Cause: err}
		}
		if n > 0 {
			return nil
		}
	}
}

// Usage returns the job's own CPU-time/peak-RSS reading from wait4
// rusage, distinct from the sandbox-wide driver.ResourceUsage, so it
// has per-job granularity even when the active resource driver is
// cgroup-based (whole-sandbox granularity only). Satisfies
// sandbox/erased.Usager; cmd/minion and internal/store record the
// sandbox-wide reading instead.
func (j *job) Usage() (sandbox.ResourceUsage, error) {
	r, _, err := j.zygote.call(query{Tag: queryTagGetResourceUsage, JobID: j.jobID}, nil)
	if err != nil {
		return sandbox.ResourceUsage{}, err
	}
	var usage sandbox.ResourceUsage
	if r.TimeNanos != nil {
		d := time.Duration(*r.TimeNanos)
		usage.Time = &d
	}
	usage.Memory = r.MemoryBytes
	return usage, nil
}

// JobID is the sandbox-local identifier the zygote assigned this job,
// exposed for history recording (see cmd/minion's --record path).
func (j *job) JobID() uint64 { return j.jobID }

// buildStdioFiles builds the three guest-side file descriptors to pass
// as ancillary data on the spawn query, plus the host-side ends the
// returned job exposes through Stdin/Stdout/Stderr.
//
// PTY-kind specs share a single pseudo-terminal pair, as a real
// terminal would: the slave end serves every PTY-requested stream, and
// the caller gets the master at most once per direction — as Stdin if
// stdin asked for a PTY, and as Stdout or Stderr for whichever output
// stream asked first. The other PTY output stream returns nil rather
// than a second handle to the same master.
func buildStdioFiles(spec sandbox.StdioSpec) (guestFiles []*os.File, hostIn io.WriteCloser, hostOut, hostErr io.ReadCloser, cleanup func(), err error) {
	var toClose []*os.File
	cleanup = func() {
		for _, f := range toClose {
			f.Close()
		}
	}

	var ptySlave *os.File
	var ptyMaster *ptyEndpoint
	if spec.Stdin.Kind == sandbox.InputPTY || spec.Stdout.Kind == sandbox.OutputPTY || spec.Stderr.Kind == sandbox.OutputPTY {
		master, slave, perr := pty.Open()
		if perr != nil {
			return nil, nil, nil, nil, cleanup, fmt.Errorf("open pty: %w", perr)
		}
		ptySlave = slave
		ptyMaster = &ptyEndpoint{f: master}
		toClose = append(toClose, slave)
	}

	stdinGuest, hostIn, err := buildInput(spec.Stdin, &toClose, ptySlave, ptyMaster)
	if err != nil {
		cleanup()
		return nil, nil, nil, nil, nil, err
	}
	stdoutGuest, hostOut, err := buildOutput(spec.Stdout, &toClose, ptySlave, ptyMaster)
	if err != nil {
		cleanup()
		return nil, nil, nil, nil, nil, err
	}
	stderrGuest, hostErr, err := buildOutput(spec.Stderr, &toClose, ptySlave, ptyMaster)
	if err != nil {
		cleanup()
		return nil, nil, nil, nil, nil, err
	}
	if spec.Stdout.Kind == sandbox.OutputPTY && spec.Stderr.Kind == sandbox.OutputPTY {
		hostErr = nil // master already handed out via stdout
	}

	return []*os.File{stdinGuest, stdoutGuest, stderrGuest}, hostIn, hostOut, hostErr, cleanup, nil
}

func buildInput(spec sandbox.InputSpec, toClose *[]*os.File, ptySlave *os.File, ptyMaster *ptyEndpoint) (guestFile *os.File, hostSide io.WriteCloser, err error) {
	switch spec.Kind {
	case sandbox.InputNull, sandbox.InputEmpty:
		// Both read as immediately-empty input; the job never blocks on
		// stdin and never reads a byte.
		f, err := os.Open(os.DevNull)
		if err != nil {
			return nil, nil, err
		}
		*toClose = append(*toClose, f)
		return f, nil, nil

	case sandbox.InputPipe:
		r, w, err := os.Pipe()
		if err != nil {
			return nil, nil, err
		}
		*toClose = append(*toClose, r)
		return r, w, nil

	case sandbox.InputHandle:
		if spec.Handle == nil {
			return nil, nil, fmt.Errorf("InputHandle spec missing Handle")
		}
		// The caller relinquished ownership; once the descriptor has
		// been shipped to the zygote the host copy is closed.
		*toClose = append(*toClose, spec.Handle)
		return spec.Handle, nil, nil

	case sandbox.InputPTY:
		return ptySlave, ptyMaster, nil

	default:
		return nil, nil, fmt.Errorf("unknown input kind %d", spec.Kind)
	}
}

func buildOutput(spec sandbox.OutputSpec, toClose *[]*os.File, ptySlave *os.File, ptyMaster *ptyEndpoint) (guestFile *os.File, hostSide io.ReadCloser, err error) {
	switch spec.Kind {
	case sandbox.OutputNull, sandbox.OutputIgnore:
		f, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
		if err != nil {
			return nil, nil, err
		}
		*toClose = append(*toClose, f)
		return f, nil, nil

	case sandbox.OutputPipe:
		r, w, err := os.Pipe()
		if err != nil {
			return nil, nil, err
		}
		*toClose = append(*toClose, w)
		return w, r, nil

	case sandbox.OutputBuffer:
		name := "minion-output-buffer"
		flags := unix.MFD_CLOEXEC
		if spec.BufferSize != nil {
			flags |= unix.MFD_ALLOW_SEALING
		}
		fd, err := unix.MemfdCreate(name, flags)
		if err != nil {
			return nil, nil, fmt.Errorf("memfd_create: %w", err)
		}
		if spec.BufferSize != nil {
			if err := unix.Ftruncate(fd, int64(*spec.BufferSize)); err != nil {
				unix.Close(fd)
				return nil, nil, fmt.Errorf("ftruncate memfd: %w", err)
			}
		}
		f := os.NewFile(uintptr(fd), name)
		return f, &memfdReader{f: f}, nil

	case sandbox.OutputHandle:
		if spec.Handle == nil {
			return nil, nil, fmt.Errorf("OutputHandle spec missing Handle")
		}
		*toClose = append(*toClose, spec.Handle)
		return spec.Handle, nil, nil

	case sandbox.OutputPTY:
		return ptySlave, ptyMaster, nil

	default:
		return nil, nil, fmt.Errorf("unknown output kind %d", spec.Kind)
	}
}

// ptyEndpoint is the caller's side of a PTY-backed job: one master
// descriptor serving however many of the job's streams were attached to
// the slave. It hands the same master out as both a WriteCloser (stdin)
// and ReadCloser (output) and tolerates being closed through either.
type ptyEndpoint struct {
	f    *os.File
	once sync.Once
}

func (p *ptyEndpoint) Read(b []byte) (int, error)  { return p.f.Read(b) }
func (p *ptyEndpoint) Write(b []byte) (int, error) { return p.f.Write(b) }

func (p *ptyEndpoint) Close() error {
	var err error
	p.once.Do(func() { err = p.f.Close() })
	return err
}

// memfdReader seeks the backing memfd to the start on first Read, since
// the job's own writes left the offset wherever it last wrote to.
type memfdReader struct {
	f       *os.File
	rewound bool
}

func (m *memfdReader) Read(p []byte) (int, error) {
	if !m.rewound {
		if _, err := m.f.Seek(0, io.SeekStart); err != nil {
			return 0, err
		}
		m.rewound = true
	}
	return m.f.Read(p)
}

func (m *memfdReader) Close() error { return m.f.Close() }
