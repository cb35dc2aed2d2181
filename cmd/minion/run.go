package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/jjs-dev/minion/internal/logging"
	"github.com/jjs-dev/minion/internal/store"
	"github.com/jjs-dev/minion/sandbox"
	"github.com/jjs-dev/minion/sandbox/linux"
)

func runCmd() *cobra.Command {
	var (
		childArgs       []string
		childEnv        []string
		maxProcs        uint32
		memLimit        uint64
		timeLimitMS     uint64
		isoRoot         string
		exposeSpecs     []string
		pwd             string
		interactive     bool
		record          bool
		dumpSettings    bool
		skipSystemCheck bool
	)

	cmd := &cobra.Command{
		Use:   "run <executable>",
		Short: "Run a single program inside a fresh sandbox",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()

			if !skipSystemCheck {
				report := linux.Doctor()
				if report.AvailableDriver == "" {
					return fmt.Errorf("no resource driver is usable on this host (run `minion doctor` for details, or pass --skip-system-check)")
				}
			}

			shared, err := parseExposeSpecs(exposeSpecs)
			if err != nil {
				return err
			}

			root := isoRoot
			if root == "" {
				root = cfg.IsolationRoot
			}
			cpuLimit := time.Duration(timeLimitMS) * time.Millisecond
			opts := sandbox.Options{
				MaxAliveProcessCount: maxProcs,
				MemoryLimit:          memLimit,
				CPUTimeLimit:         cpuLimit,
				RealTimeLimit:        3 * cpuLimit,
				IsolationRoot:        root,
				SharedItems:          shared,
			}

			if dumpSettings {
				fmt.Fprintf(os.Stderr, "minion: options=%+v argv=%v env=%v pwd=%s\n", opts, append([]string{args[0]}, childArgs...), childEnv, pwd)
			}

			backend, err := linux.NewBackend(linux.BackendConfig{
				CgroupfsRoot:     cfg.CgroupfsRoot,
				DriverPreference: cfg.DriverPreference,
			})
			if err != nil {
				return fmt.Errorf("select resource driver: %w", err)
			}
			defer backend.Close()

			ctx := context.Background()
			sb, err := backend.NewSandbox(ctx, opts)
			if err != nil {
				return fmt.Errorf("create sandbox: %w", err)
			}
			defer sb.Kill()

			stdio := sandbox.StdioSpec{
				Stdin:  sandbox.NullInput(),
				Stdout: sandbox.PipeOutput(),
				Stderr: sandbox.PipeOutput(),
			}
			if interactive {
				stdio = sandbox.StdioSpec{
					Stdin:  sandbox.PTYInput(),
					Stdout: sandbox.PTYOutput(),
					Stderr: sandbox.PTYOutput(),
				}
			}

			var st *store.Store
			if record {
				st, err = store.Open(cfg.HistoryDBPath)
				if err != nil {
					logging.Warn("open history db failed, not recording", "error", err)
					st = nil
				} else {
					defer st.Close()
				}
			}

			submittedAt := time.Now()
			cp, err := backend.Spawn(ctx, sb, sandbox.ChildProcessOptions{
				Path:  args[0],
				Argv:  append([]string{args[0]}, childArgs...),
				Env:   childEnv,
				Pwd:   pwd,
				Stdio: stdio,
			})
			if err != nil {
				return fmt.Errorf("spawn job: %w", err)
			}

			jobID := 0
			if ider, ok := cp.(interface{ JobID() uint64 }); ok {
				jobID = int(ider.JobID())
			}
			if st != nil {
				startedAt := time.Now()
				if err := st.RecordStart(store.JobRecord{
					SandboxID:   sb.ID(),
					JobPID:      jobID,
					Argv0:       args[0],
					SubmittedAt: submittedAt,
					StartedAt:   &startedAt,
				}); err != nil {
					logging.WithJob(sb.ID(), uint64(jobID)).Warn("record job start failed", "error", err)
				}
			}

			if interactive {
				go io.Copy(cp.Stdin(), os.Stdin)
				go io.Copy(os.Stdout, cp.Stdout())
			} else {
				go io.Copy(os.Stdout, cp.Stdout())
				go io.Copy(os.Stderr, cp.Stderr())
			}

			code, err := cp.WaitForExit(ctx)
			if err != nil {
				return fmt.Errorf("wait for exit: %w", err)
			}

			cpuTLE, _ := sb.CheckCPUTLE()
			realTLE, _ := sb.CheckRealTLE()
			usage, uerr := sb.ResourceUsage()
			if uerr != nil {
				usage = sandbox.ResourceUsage{}
			}
			outcome := classifyOutcome(code, cpuTLE, realTLE, memLimit)
			fmt.Fprintf(os.Stderr, "minion: exit=%d outcome=%s usage=%s\n", code, outcome, formatUsage(usage))

			if st != nil {
				var cpuNanos *int64
				if usage.Time != nil {
					n := usage.Time.Nanoseconds()
					cpuNanos = &n
				}
				if err := st.RecordFinish(sb.ID(), jobID, int64(code), usage.Memory, cpuNanos, outcome); err != nil {
					logging.WithJob(sb.ID(), uint64(jobID)).Warn("record job finish failed", "error", err)
				}
			}

			// os.Exit skips deferred cleanup, so tear down explicitly
			// before mirroring the child's status.
			status := mirrorExitCode(code)
			sb.Kill()
			backend.Close()
			if st != nil {
				st.Close()
			}
			os.Exit(status)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringArrayVarP(&childArgs, "arg", "a", nil, "argument passed to the child (repeatable; argv[0] is the executable path)")
	f.StringArrayVarP(&childEnv, "env", "e", nil, "KEY=VAL environment entry for the child (repeatable)")
	f.Uint32VarP(&maxProcs, "max-process-count", "n", 16, "max simultaneously alive processes in the sandbox")
	f.Uint64VarP(&memLimit, "memory-limit", "m", 256*1024*1024, "memory limit in bytes")
	f.Uint64VarP(&timeLimitMS, "time-limit", "t", 1000, "CPU time limit in milliseconds (wall-clock limit is 3x this)")
	f.StringVarP(&isoRoot, "root", "r", "", "isolation root (defaults to config's isolation_root)")
	f.StringArrayVarP(&exposeSpecs, "expose", "x", nil, "host path to expose: src:MASK:dst[:flags], MASK is rwx or r-x, flags comma-separated (e.g. recursive)")
	f.StringVarP(&pwd, "pwd", "p", "/", "working directory inside the chroot")
	f.BoolVar(&interactive, "interactive", false, "attach the job to a pseudo-terminal wired to this terminal")
	f.BoolVar(&record, "record", false, "write the run's outcome to the history store")
	f.BoolVar(&dumpSettings, "dump-settings", false, "print the resolved sandbox options before running")
	f.BoolVar(&skipSystemCheck, "skip-system-check", false, "skip the pre-flight resource driver check")
	return cmd
}

// parseExposeSpecs parses --expose values of the form src:MASK:dst[:flags].
func parseExposeSpecs(specs []string) ([]sandbox.SharedItem, error) {
	var items []sandbox.SharedItem
	for _, raw := range specs {
		parts := strings.Split(raw, ":")
		if len(parts) < 3 || len(parts) > 4 {
			return nil, fmt.Errorf("malformed --expose %q: want src:MASK:dst[:flags]", raw)
		}
		var kind sandbox.SharedItemKind
		switch parts[1] {
		case "rwx":
			kind = sandbox.Full
		case "r-x":
			kind = sandbox.Readonly
		default:
			return nil, fmt.Errorf("malformed --expose %q: MASK must be rwx or r-x", raw)
		}
		item := sandbox.SharedItem{Source: parts[0], Dest: parts[2], Kind: kind}
		if len(parts) == 4 && parts[3] != "" {
			item.Flags = strings.Split(parts[3], ",")
		}
		items = append(items, item)
	}
	return items, nil
}

// classifyOutcome maps an exit code plus the sandbox's TLE flags to the
// history store's outcome vocabulary.
func classifyOutcome(code sandbox.ExitCode, cpuTLE, realTLE bool, memLimit uint64) string {
	switch {
	case cpuTLE:
		return "cpu_tle"
	case realTLE:
		return "wall_tle"
	case code == sandbox.ExitOK:
		return "ok"
	case code == sandbox.ExitKilled:
		return "killed"
	}
	if sig, ok := code.Signal(); ok {
		// A memory-limited job that died by SIGKILL or SIGSEGV with no
		// TLE flag set is the OOM signature (spec scenario 5).
		if memLimit > 0 && (sig == 9 || sig == 11) {
			return "oom"
		}
		return "killed"
	}
	return "runtime_error"
}

// mirrorExitCode maps the job's ExitCode onto this process's own exit
// status: the child's code verbatim where it fits, 1 otherwise.
func mirrorExitCode(code sandbox.ExitCode) int {
	if code >= 0 && code <= 255 {
		return int(code)
	}
	return 1
}

func formatUsage(u sandbox.ResourceUsage) string {
	s := ""
	if u.Time != nil {
		s += fmt.Sprintf("cpu=%s", u.Time)
	}
	if u.Memory != nil {
		if s != "" {
			s += " "
		}
		s += fmt.Sprintf("mem=%s", sandbox.ByteSize(*u.Memory))
	}
	if s == "" {
		return "(unavailable)"
	}
	return s
}
