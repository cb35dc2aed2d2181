// Package queue watches a directory for dropped *.job.yaml files and
// runs each one as a sandboxed job against a shared sandbox.Backend,
// rate-limited and concurrency-bounded so a flooded drop directory
// can't fork-bomb the host.
//
// Grounded on the teacher's internal/relay event-fanout style (a
// mutex-protected registry plus goroutines reacting to events) from
// workers.go, generalized from a WebSocket wing registry to an
// fsnotify-driven job queue.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/jjs-dev/minion/sandbox"
)

// JobSpec is the shape of a dropped *.job.yaml file.
type JobSpec struct {
	Path    string     `yaml:"path"`
	Argv    []string   `yaml:"argv"`
	Env     []string   `yaml:"env"`
	Pwd     string     `yaml:"pwd"`
	Options JobOptions `yaml:"options"`
	Result  string     `yaml:"result,omitempty"`
}

// JobOptions is the YAML-facing mirror of sandbox.Options, spelled in
// the units a judge actually writes (milliseconds, not nanosecond
// durations) and with snake_case keys.
type JobOptions struct {
	MaxProcesses  uint32       `yaml:"max_processes"`
	MemoryBytes   uint64       `yaml:"memory_bytes"`
	CPUTimeMS     uint64       `yaml:"cpu_time_ms"`
	WallTimeMS    uint64       `yaml:"wall_time_ms"`
	IsolationRoot string       `yaml:"isolation_root,omitempty"`
	Expose        []ExposeItem `yaml:"expose,omitempty"`
}

// ExposeItem is one bind mount requested by a job spec.
type ExposeItem struct {
	Source    string `yaml:"source"`
	Dest      string `yaml:"dest"`
	Writable  bool   `yaml:"writable"`
	Recursive bool   `yaml:"recursive"`
}

// ToSandboxOptions converts the YAML shape to the backend's, filling
// the same defaults the CLI uses (16 processes, 256 MB, 1 s CPU with a
// 3x wall budget) for fields a spec leaves at zero. defaultRoot is used
// when the spec names no isolation root of its own.
func (o JobOptions) ToSandboxOptions(defaultRoot string) sandbox.Options {
	opts := sandbox.Options{
		MaxAliveProcessCount: o.MaxProcesses,
		MemoryLimit:          o.MemoryBytes,
		CPUTimeLimit:         time.Duration(o.CPUTimeMS) * time.Millisecond,
		RealTimeLimit:        time.Duration(o.WallTimeMS) * time.Millisecond,
		IsolationRoot:        o.IsolationRoot,
	}
	if opts.MaxAliveProcessCount == 0 {
		opts.MaxAliveProcessCount = 16
	}
	if opts.MemoryLimit == 0 {
		opts.MemoryLimit = 256 * 1024 * 1024
	}
	if opts.CPUTimeLimit == 0 {
		opts.CPUTimeLimit = time.Second
	}
	if opts.RealTimeLimit == 0 {
		opts.RealTimeLimit = 3 * opts.CPUTimeLimit
	}
	if opts.IsolationRoot == "" {
		opts.IsolationRoot = defaultRoot
	}
	for _, e := range o.Expose {
		kind := sandbox.Readonly
		if e.Writable {
			kind = sandbox.Full
		}
		item := sandbox.SharedItem{Source: e.Source, Dest: e.Dest, Kind: kind}
		if e.Recursive {
			item.Flags = []string{"recursive"}
		}
		opts.SharedItems = append(opts.SharedItems, item)
	}
	return opts
}

// Ticket correlates a dropped job spec file with its eventual result.
type Ticket struct {
	ID   string
	Spec JobSpec
}

// Watcher watches Dir for *.job.yaml files.
type Watcher struct {
	Dir     string
	Backend sandbox.Backend
	Logger  *slog.Logger

	// IsolationRoot is the default isolation root for specs that don't
	// name their own.
	IsolationRoot string

	// Concurrency bounds how many jobs run at once; zero or negative
	// means the default of 8.
	Concurrency int64
	// RatePerSecond bounds how many new jobs are accepted per second.
	RatePerSecond float64

	sem     *semaphore.Weighted
	limiter *rate.Limiter
}

// Run watches Dir until ctx is cancelled. Each accepted job runs in its
// own goroutine; Run itself only returns once every in-flight job has
// finished draining after ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	if w.Concurrency <= 0 {
		w.Concurrency = 8
	}
	w.sem = semaphore.NewWeighted(w.Concurrency)
	if w.RatePerSecond <= 0 {
		w.RatePerSecond = 4
	}
	w.limiter = rate.NewLimiter(rate.Limit(w.RatePerSecond), int(w.RatePerSecond))

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(w.Dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.Dir, err)
	}

	for {
		select {
		case <-ctx.Done():
			return w.drain()
		case ev, ok := <-watcher.Events:
			if !ok {
				return w.drain()
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if !strings.HasSuffix(ev.Name, ".job.yaml") {
				continue
			}
			go w.handle(ctx, ev.Name)
		case err, ok := <-watcher.Errors:
			if !ok {
				return w.drain()
			}
			w.logf("fsnotify error: %v", err)
		}
	}
}

// drain blocks until every in-flight job has released its semaphore
// slot, by acquiring the entire weight back.
func (w *Watcher) drain() error {
	_ = w.sem.Acquire(context.Background(), w.Concurrency)
	return nil
}

func (w *Watcher) handle(ctx context.Context, path string) {
	// Debounce: wait for the write to settle before reading.
	time.Sleep(50 * time.Millisecond)

	if err := w.limiter.Wait(ctx); err != nil {
		return
	}
	if err := w.sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer w.sem.Release(1)

	ticket := Ticket{ID: uuid.NewString()}

	data, err := os.ReadFile(path)
	if err != nil {
		w.writeError(path, ticket, fmt.Errorf("read job spec: %w", err))
		return
	}
	if err := yaml.Unmarshal(data, &ticket.Spec); err != nil {
		w.writeError(path, ticket, fmt.Errorf("parse job spec: %w", err))
		return
	}

	if err := w.runJob(ctx, ticket); err != nil {
		w.writeError(path, ticket, err)
		return
	}
	os.Remove(path)
}

func (w *Watcher) runJob(ctx context.Context, ticket Ticket) error {
	opts := ticket.Spec.Options.ToSandboxOptions(w.IsolationRoot)
	sb, err := w.Backend.NewSandbox(ctx, opts)
	if err != nil {
		return fmt.Errorf("create sandbox: %w", err)
	}
	defer sb.Kill()

	argv := ticket.Spec.Argv
	if len(argv) == 0 {
		argv = []string{ticket.Spec.Path}
	}
	cp, err := w.Backend.Spawn(ctx, sb, sandbox.ChildProcessOptions{
		Path: ticket.Spec.Path,
		Argv: argv,
		Env:  ticket.Spec.Env,
		Pwd:  ticket.Spec.Pwd,
		Stdio: sandbox.StdioSpec{
			Stdin:  sandbox.NullInput(),
			Stdout: sandbox.UnboundedBufferOutput(),
			Stderr: sandbox.UnboundedBufferOutput(),
		},
	})
	if err != nil {
		return fmt.Errorf("spawn job: %w", err)
	}

	code, err := cp.WaitForExit(ctx)
	if err != nil {
		return fmt.Errorf("wait for job exit: %w", err)
	}

	cpuTLE, _ := sb.CheckCPUTLE()
	realTLE, _ := sb.CheckRealTLE()

	result := map[string]any{
		"ticket_id": ticket.ID,
		"exit_code": int64(code),
		"success":   code.IsSuccess(),
		"cpu_tle":   cpuTLE,
		"wall_tle":  realTLE,
	}
	if usage, uerr := sb.ResourceUsage(); uerr == nil {
		if usage.Time != nil {
			result["cpu_time_ms"] = usage.Time.Milliseconds()
		}
		if usage.Memory != nil {
			result["peak_memory_bytes"] = *usage.Memory
		}
	}

	resultName := ticket.Spec.Result
	if resultName == "" {
		resultName = ticket.ID + ".result.yaml"
	}
	out, err := yaml.Marshal(result)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(w.Dir, resultName), out, 0644)
}

func (w *Watcher) writeError(path string, ticket Ticket, cause error) {
	w.logf("job %s failed: %v", path, cause)
	errDoc := map[string]any{
		"ticket_id": ticket.ID,
		"error":     cause.Error(),
	}
	var sbErr *sandbox.Error
	if errors.As(cause, &sbErr) {
		errDoc["kind"] = sbErr.Kind.String()
		if sbErr.Class() == sandbox.SandboxFault {
			errDoc["class"] = "sandbox"
		} else {
			errDoc["class"] = "system"
		}
	}
	out, err := yaml.Marshal(errDoc)
	if err != nil {
		return
	}
	base := strings.TrimSuffix(filepath.Base(path), ".job.yaml")
	os.WriteFile(filepath.Join(w.Dir, base+".error.yaml"), out, 0644)
}

func (w *Watcher) logf(format string, args ...any) {
	if w.Logger != nil {
		w.Logger.Error(fmt.Sprintf(format, args...))
	}
}
