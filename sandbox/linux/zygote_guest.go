//go:build linux

package linux

import (
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// RunZygoteGuest is the entry point cmd/minion's main() dispatches to
// when re-exec'd with the hidden __zygote subcommand (argv[1]). It never
// returns — the process either serves the control socket until killed,
// or os.Exit(1)s on unrecoverable setup failure.
//
// This process is, by construction (see launchZygote's Cloneflags),
// already PID 1 of a fresh PID namespace and root (container UID 0) of
// a fresh user namespace. It keeps using the plain log package against
// its inherited stderr rather than the slog-based internal/logging used
// by the CLI: past the chroot there is no guarantee stderr is anything
// richer than a pipe a developer is tailing, and this process must not
// depend on anything beyond the stdlib it was already statically linked
// against (see SPEC_FULL.md §4.16 / DESIGN.md).
func RunZygoteGuest(encodedCfg string) {
	cfg, err := decodeZygoteConfig(encodedCfg)
	if err != nil {
		log.Fatalf("zygote: decode config: %v", err)
	}

	const controlFD = 3
	guestFile := os.NewFile(controlFD, "minion-ipc-guest")
	ipc, err := newIPCConn(guestFile)
	if err != nil {
		log.Fatalf("zygote: wrap control socket: %v", err)
	}

	if err := setupMounts(cfg.Root, cfg.SharedItems); err != nil {
		log.Fatalf("zygote: mount setup: %v", err)
	}
	if err := chrootInto(cfg.Root); err != nil {
		log.Fatalf("zygote: chroot: %v", err)
	}
	// Installed once here rather than per-job: the filter is inherited
	// across every fork/exec this zygote performs from here on, so one
	// installation covers every job the same way a per-job install
	// just before execve would. Fatal on failure either way — spec
	// §4.3 is explicit that a sandboxed program must never run without
	// its filter active.
	if err := installSeccomp(cfg.SeccompPolicy); err != nil {
		log.Fatalf("zygote: seccomp: %v", err)
	}

	g := &zygoteGuest{
		jobContainerUID: cfg.JobContainerUID,
		jobContainerGID: cfg.JobContainerGID,
		jobs:            make(map[uint64]*guestJob),
	}
	g.serve(ipc)
}

type guestJob struct {
	cmd *exec.Cmd
	// notifyW is the write end of the fallback exit-notifier pipe, held
	// until the job exits; nil when a pidfd was handed out instead.
	notifyW *os.File

	mu       sync.Mutex
	done     bool
	exitCode int64
	timeNs   int64
	maxRSS   uint64
}

type zygoteGuest struct {
	jobContainerUID, jobContainerGID int

	mu        sync.Mutex
	nextJobID uint64
	jobs      map[uint64]*guestJob
}

// serve is the zygote message loop: read a query, dispatch, write a
// reply, repeat. Every handler is non-blocking — get_exit_code reports
// whether the job has finished rather than waiting for it — so one
// slow-running job never stalls queries about another.
func (g *zygoteGuest) serve(ipc *ipcConn) {
	for {
		payload, fds, err := ipc.ReadMessage()
		if err != nil {
			log.Printf("zygote: control socket closed: %v", err)
			os.Exit(0)
		}
		q, err := decodeQuery(payload)
		if err != nil {
			log.Printf("zygote: malformed query: %v", err)
			continue
		}
		// SCM_RIGHTS chunking: the host sends at most maxFDsPerMessage
		// descriptors per datagram, so a spawn carrying more announces
		// the total in FDCount and ships the rest in empty frames.
		for len(fds) < q.FDCount {
			_, more, err := ipc.ReadMessage()
			if err != nil {
				log.Printf("zygote: control socket closed mid-fd-transfer: %v", err)
				os.Exit(0)
			}
			fds = append(fds, more...)
		}

		var r reply
		var replyFDs []int
		switch q.Tag {
		case queryTagSpawn:
			r, replyFDs = g.handleSpawn(q, fds)
		case queryTagGetExitCode:
			r = g.handleGetExitCode(q)
		case queryTagGetResourceUsage:
			r = g.handleGetResourceUsage(q)
		case queryTagPing:
			r = reply{Tag: replyTagPong}
		default:
			r = reply{Tag: replyTagError, ErrorKind: "sandbox_misbehavior", ErrorMsg: "unknown query tag: " + q.Tag}
		}

		respPayload, err := encodeReply(r)
		if err != nil {
			log.Printf("zygote: encode reply: %v", err)
			continue
		}
		err = ipc.WriteMessage(respPayload, replyFDs)
		for _, fd := range replyFDs {
			syscall.Close(fd) // kernel dup'd them into the message
		}
		if err != nil {
			log.Printf("zygote: write reply: %v", err)
			os.Exit(0)
		}
	}
}

// handleSpawn execs the requested program as a direct child of the
// zygote. Stdio fds arrive as ancillary data in the order stdin,
// stdout, stderr, then each extra inherited fd in ExtraFDSlots order.
// The reply carries an exit-notifier descriptor back the other way: a
// pidfd for the job where the kernel supports it, otherwise the read
// end of a pipe written once when the job exits.
func (g *zygoteGuest) handleSpawn(q query, fds []int) (reply, []int) {
	closeAll := func() {
		for _, fd := range fds {
			syscall.Close(fd)
		}
	}

	if len(fds) < 3 {
		closeAll()
		return reply{Tag: replyTagError, ErrorKind: "sandbox_misbehavior", ErrorMsg: "spawn requires at least 3 fds (stdin, stdout, stderr)"}, nil
	}
	if len(fds) != 3+len(q.ExtraFDSlots) {
		closeAll()
		return reply{Tag: replyTagError, ErrorKind: "sandbox_misbehavior",
			ErrorMsg: fmt.Sprintf("spawn fd count %d does not match 3 stdio + %d extra slots", len(fds), len(q.ExtraFDSlots))}, nil
	}

	stdin := os.NewFile(uintptr(fds[0]), "stdin")
	stdout := os.NewFile(uintptr(fds[1]), "stdout")
	stderr := os.NewFile(uintptr(fds[2]), "stderr")
	closeStdio := func() {
		stdin.Close()
		stdout.Close()
		stderr.Close()
	}
	// Raw extra fds from index from onward: not yet dup'd to a slot, so
	// still this function's to clean up on an error bail-out.
	closeRemaining := func(from int) {
		for _, fd := range fds[from:] {
			syscall.Close(fd)
		}
	}

	// Extra inherited fds are dup'd to their caller-requested slot
	// numbers with CLOEXEC cleared, so they survive the exec at exactly
	// the fd the job expects to find them on. exec.Cmd's own fd table
	// only covers 0..2+len(ExtraFiles); anything else non-CLOEXEC in
	// this process leaks through, which is exactly the mechanism used
	// here — deliberately, and only between Dup3 and the post-Start
	// close below.
	var slotCopies []int
	closeSlots := func() {
		for _, slot := range slotCopies {
			syscall.Close(slot)
		}
	}
	for i, slot := range q.ExtraFDSlots {
		src := fds[3+i]
		if slot <= 2 {
			closeStdio()
			closeSlots()
			closeRemaining(3 + i)
			return reply{Tag: replyTagError, ErrorKind: "sandbox_misbehavior",
				ErrorMsg: fmt.Sprintf("extra fd slot %d collides with stdio", slot)}, nil
		}
		// A slot already open in this process would be silently
		// clobbered by dup3 — most catastrophically the Go runtime's
		// own epoll fd — so occupied slots are a hard error.
		if _, err := unix.FcntlInt(uintptr(slot), unix.F_GETFD, 0); err == nil {
			closeStdio()
			closeSlots()
			closeRemaining(3 + i)
			return reply{Tag: replyTagError, ErrorKind: "sandbox_misbehavior",
				ErrorMsg: fmt.Sprintf("extra fd slot %d is already in use in the sandbox", slot)}, nil
		}
		if err := unix.Dup3(src, slot, 0); err != nil {
			closeStdio()
			closeSlots()
			closeRemaining(3 + i)
			return reply{Tag: replyTagError, ErrorKind: "syscall",
				ErrorMsg: fmt.Sprintf("dup extra fd to slot %d: %v", slot, err)}, nil
		}
		syscall.Close(src)
		slotCopies = append(slotCopies, slot)
	}

	cmd := exec.Command(q.Path, q.Argv...)
	cmd.Env = q.Env
	if q.Pwd != "" {
		cmd.Dir = q.Pwd
	}
	cmd.Stdin = stdin
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	cmd.SysProcAttr = &syscall.SysProcAttr{
		Credential: &syscall.Credential{
			Uid: uint32(g.jobContainerUID),
			Gid: uint32(g.jobContainerGID),
		},
	}

	err := cmd.Start()
	if err != nil {
		if isNoEnt(err) {
			// The most common judge-side misconfiguration is a path
			// that exists on the host but not inside the chroot; list
			// the nearest existing ancestor so the operator can see
			// what the sandbox actually contains there.
			fmt.Fprintf(stderr, "minion: cannot exec %q: %v\n%s", q.Path, err, describeNearestAncestor(q.Path))
		}
		closeStdio()
		closeSlots()
		return reply{Tag: replyTagError, ErrorKind: "syscall", ErrorMsg: "exec job: " + err.Error()}, nil
	}
	closeStdio()
	closeSlots()

	job := &guestJob{cmd: cmd}
	var replyFDs []int
	notifier := false
	if nfd, err := unix.PidfdOpen(cmd.Process.Pid, 0); err == nil {
		replyFDs = []int{nfd}
		notifier = true
	} else {
		var pipeFDs [2]int
		if err := unix.Pipe2(pipeFDs[:], unix.O_CLOEXEC); err == nil {
			job.notifyW = os.NewFile(uintptr(pipeFDs[1]), "exit-notify-w")
			replyFDs = []int{pipeFDs[0]}
			notifier = true
		}
		// With neither pidfd nor pipe the host simply falls back to
		// polling get_exit_code; spawn itself still succeeds.
	}

	g.mu.Lock()
	g.nextJobID++
	jobID := g.nextJobID
	g.jobs[jobID] = job
	g.mu.Unlock()

	go g.waitJob(jobID, job)

	return reply{Tag: replyTagSpawnOK, JobID: jobID, Notifier: notifier}, replyFDs
}

func (g *zygoteGuest) waitJob(jobID uint64, job *guestJob) {
	err := job.cmd.Wait()

	job.mu.Lock()
	defer job.mu.Unlock()
	job.done = true

	state := job.cmd.ProcessState
	if state == nil {
		job.exitCode = int64(exitKilledSentinel)
	} else if ws, ok := state.Sys().(syscall.WaitStatus); ok {
		switch {
		case ws.Exited():
			job.exitCode = int64(ws.ExitStatus())
		case ws.Signaled():
			job.exitCode = int64(exitSignalledBase) + int64(ws.Signal())
		default:
			job.exitCode = int64(exitKilledSentinel)
		}
	} else if err == nil {
		job.exitCode = 0
	} else {
		job.exitCode = int64(exitKilledSentinel)
	}

	if state != nil {
		if ru, ok := state.SysUsage().(*syscall.Rusage); ok && ru != nil {
			job.timeNs = ru.Utime.Nano() + ru.Stime.Nano()
			job.maxRSS = uint64(ru.Maxrss) * 1024 // ru_maxrss is in KB on Linux
		}
	}

	if job.notifyW != nil {
		job.notifyW.Write([]byte{0})
		job.notifyW.Close()
		job.notifyW = nil
	}
}

func (g *zygoteGuest) handleGetExitCode(q query) reply {
	g.mu.Lock()
	job, ok := g.jobs[q.JobID]
	g.mu.Unlock()
	if !ok {
		return reply{Tag: replyTagError, ErrorKind: "sandbox_misbehavior", ErrorMsg: "unknown job id"}
	}

	job.mu.Lock()
	defer job.mu.Unlock()
	if !job.done {
		return reply{Tag: replyTagExitCode, JobID: q.JobID, Exited: false}
	}
	return reply{Tag: replyTagExitCode, JobID: q.JobID, Exited: true, ExitCode: job.exitCode}
}

// handleGetResourceUsage answers two shapes of query. JobID 0 means the
// whole sandbox: getrusage(RUSAGE_CHILDREN) over everything this zygote
// has reaped — the read-back path for the rlimit driver, which has no
// cgroup to account in (only already-reaped children are counted, which
// is why RLIMIT_CPU stays armed in the kernel as the enforcement
// backstop). A nonzero JobID reports that one job's wait4 rusage.
func (g *zygoteGuest) handleGetResourceUsage(q query) reply {
	if q.JobID == 0 {
		var ru unix.Rusage
		if err := unix.Getrusage(unix.RUSAGE_CHILDREN, &ru); err != nil {
			return reply{Tag: replyTagError, ErrorKind: "syscall", ErrorMsg: "getrusage: " + err.Error()}
		}
		t := unix.TimevalToNsec(ru.Utime) + unix.TimevalToNsec(ru.Stime)
		m := uint64(ru.Maxrss) * 1024
		return reply{Tag: replyTagResourceUsage, TimeNanos: &t, MemoryBytes: &m}
	}

	g.mu.Lock()
	job, ok := g.jobs[q.JobID]
	g.mu.Unlock()
	if !ok {
		return reply{Tag: replyTagError, ErrorKind: "sandbox_misbehavior", ErrorMsg: "unknown job id"}
	}

	job.mu.Lock()
	defer job.mu.Unlock()
	if !job.done {
		return reply{Tag: replyTagResourceUsage, JobID: q.JobID}
	}
	t := job.timeNs
	m := job.maxRSS
	return reply{Tag: replyTagResourceUsage, JobID: q.JobID, TimeNanos: &t, MemoryBytes: &m}
}

func isNoEnt(err error) bool {
	for e := err; e != nil; {
		if errno, ok := e.(syscall.Errno); ok {
			return errno == syscall.ENOENT
		}
		u, ok := e.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		e = u.Unwrap()
	}
	return false
}

// describeNearestAncestor walks up from path to the closest directory
// that exists inside the chroot and lists its entries.
func describeNearestAncestor(path string) string {
	dir := filepath.Dir(path)
	for dir != "/" && dir != "." {
		if _, err := os.Stat(dir); err == nil {
			break
		}
		dir = filepath.Dir(dir)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Sprintf("nearest existing ancestor %q is unreadable: %v\n", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return fmt.Sprintf("nearest existing ancestor %q contains: %s\n", dir, strings.Join(names, " "))
}

// Mirrors sandbox.ExitKilled/ExitSignalled without importing the
// top-level package's exported constants twice over the wire — the
// guest only ever talks JSON, never sandbox.ExitCode values directly.
const (
	exitKilledSentinel = 0x7eaddeadbeeff00d
	exitSignalledBase  = 1000
)
