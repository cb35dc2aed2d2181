// Package sandbox defines the platform-independent data model and
// interfaces for launching an untrusted executable inside a strongly
// isolated environment with CPU-time, wall-clock, memory, and
// process-count limits.
//
// The package itself has no platform logic: see sandbox/linux for the
// only backend currently implemented.
package sandbox

import (
	"os"
	"time"
)

// SharedItemKind is the access mode of a bind-mounted host path.
type SharedItemKind int

const (
	// Readonly mounts the source read-execute only; SUID is always
	// cleared by the kernel on bind-remount regardless of kind.
	Readonly SharedItemKind = iota
	// Full mounts the source read-write-execute.
	Full
)

func (k SharedItemKind) String() string {
	switch k {
	case Readonly:
		return "readonly"
	case Full:
		return "full"
	default:
		return "unknown"
	}
}

// SharedItem describes one host path bind-mounted into the sandbox.
//
// Dest is interpreted relative to the sandbox's isolation root; any
// leading "/" characters are stripped by Options.Normalize.
type SharedItem struct {
	// ID is an optional free-form identifier a caller can use to find
	// this item again in debug output. Not interpreted by the backend.
	ID     string
	Source string
	Dest   string
	Kind   SharedItemKind
	// Flags are backend-specific. Only "recursive" is currently
	// recognized (MS_REC on the bind mount).
	Flags []string
}

// Options is the immutable input to Backend.NewSandbox.
type Options struct {
	MaxAliveProcessCount uint32
	// MemoryLimit is in bytes.
	MemoryLimit uint64
	CPUTimeLimit  time.Duration
	RealTimeLimit time.Duration
	IsolationRoot string
	SharedItems   []SharedItem
}

// Normalize strips leading "/" characters from every SharedItem.Dest, as spec'd:
// destinations are always relative to the isolation root.
func (o *Options) Normalize() {
	for i := range o.SharedItems {
		o.SharedItems[i].Dest = trimLeadingSlash(o.SharedItems[i].Dest)
	}
}

func trimLeadingSlash(p string) string {
	for len(p) > 0 && p[0] == '/' {
		p = p[1:]
	}
	return p
}

// ResourceUsage reports a sandbox's cumulative resource consumption.
// Memory is nil for cgroup v2 (no peak-memory reporting) and may be
// nil for the rlimit driver.
type ResourceUsage struct {
	Time   *time.Duration
	Memory *uint64
}

// ExitCode is a job's tagged exit status.
//
// Values 0-255 are normal process exit statuses. Values >= Signalled
// encode a fatal signal as Signalled+signum. Killed is a sentinel for
// "sandbox was killed and no ordinary exit status could be observed".
//
// This is int64 from the start: earlier revisions of the program this
// package descends from used a 32-bit code and widened it later to fit
// 1000+signum encodings; we skip straight to the wider type.
type ExitCode int64

const (
	ExitOK ExitCode = 0
	// ExitKilled is returned when the sandbox was killed (e.g. by the
	// watchdog) before a definitive exit status could be read back.
	ExitKilled ExitCode = 0x7eaddeadbeeff00d
	// ExitSignalled is the base offset; ExitSignalled+N means the job
	// was killed by Linux signal N.
	ExitSignalled ExitCode = 1000
)

// Signal returns the signal that killed the job, if this code encodes
// one.
func (e ExitCode) Signal() (sig int, ok bool) {
	if e < ExitSignalled || e == ExitKilled {
		return 0, false
	}
	return int(e - ExitSignalled), true
}

// FromSignal builds the ExitCode for death by the given signal.
func FromSignal(sig int) ExitCode {
	return ExitSignalled + ExitCode(sig)
}

func (e ExitCode) IsSuccess() bool { return e == ExitOK }

// InputKind selects how a job's stdin is wired up.
type InputKind int

const (
	InputNull InputKind = iota
	InputEmpty
	InputPipe
	InputHandle
	// InputPTY gives the job a pseudo-terminal slave as stdin (shared
	// with stdout/stderr when OutputPTY is also requested). Debugging
	// aid only; see buildStdioFiles in sandbox/linux.
	InputPTY
)

// OutputKind selects how a job's stdout/stderr is wired up.
type OutputKind int

const (
	OutputNull OutputKind = iota
	OutputIgnore
	OutputPipe
	// OutputBuffer backs the stream with a memfd, optionally bounded.
	OutputBuffer
	OutputHandle
	OutputPTY
)

// InputSpec configures a job's stdin.
type InputSpec struct {
	Kind   InputKind
	Handle *os.File // used when Kind == InputHandle
}

// OutputSpec configures a job's stdout or stderr.
type OutputSpec struct {
	Kind OutputKind
	// BufferSize bounds an OutputBuffer memfd; nil means unbounded.
	BufferSize *int
	Handle     *os.File // used when Kind == OutputHandle
}

func NullInput() InputSpec  { return InputSpec{Kind: InputNull} }
func EmptyInput() InputSpec { return InputSpec{Kind: InputEmpty} }
func PipeInput() InputSpec  { return InputSpec{Kind: InputPipe} }
func HandleInput(f *os.File) InputSpec {
	return InputSpec{Kind: InputHandle, Handle: f}
}
func PTYInput() InputSpec { return InputSpec{Kind: InputPTY} }

func NullOutput() OutputSpec   { return OutputSpec{Kind: OutputNull} }
func IgnoreOutput() OutputSpec { return OutputSpec{Kind: OutputIgnore} }
func PipeOutput() OutputSpec   { return OutputSpec{Kind: OutputPipe} }
func BoundedBufferOutput(size int) OutputSpec {
	return OutputSpec{Kind: OutputBuffer, BufferSize: &size}
}
func UnboundedBufferOutput() OutputSpec { return OutputSpec{Kind: OutputBuffer} }
func HandleOutput(f *os.File) OutputSpec {
	return OutputSpec{Kind: OutputHandle, Handle: f}
}
func PTYOutput() OutputSpec { return OutputSpec{Kind: OutputPTY} }

// StdioSpec bundles the three stdio specifications for a job.
type StdioSpec struct {
	Stdin  InputSpec
	Stdout OutputSpec
	Stderr OutputSpec
}

// ExtraFD is an additional inheritable descriptor handed to the job at
// a caller-chosen slot number (fd 779 in the spec's FD-inheritance
// scenario, for example).
type ExtraFD struct {
	Slot int
	File *os.File
}

// ChildProcessOptions is the fully-resolved request passed to
// Backend.Spawn; callers populate it directly.
type ChildProcessOptions struct {
	Path         string
	Argv         []string
	Env          []string
	Stdio        StdioSpec
	ExtraInherit []ExtraFD
	// Pwd is relative to the owning Sandbox's isolation root.
	Pwd string
}
