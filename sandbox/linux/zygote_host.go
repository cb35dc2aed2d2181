//go:build linux

package linux

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/jjs-dev/minion/sandbox"
)

// zygoteHandle is the host-side view of a running zygote: the exec.Cmd
// that holds its pid, the control socket, and an exit waiter that tells
// the host the zygote died out from under it.
//
// The zygote is launched by re-executing the current binary with the
// hidden __zygote subcommand — the same self re-exec shape as the
// teacher's deny_linux.go _deny_init convention — with CLONE_NEWUSER|
// CLONE_NEWPID|CLONE_NEWNS|CLONE_NEWNET set directly in SysProcAttr.
// Go's exec.Cmd performs the equivalent of the Rust original's
// unshare-then-fork pair in one clone(2) call, because the cloned
// process is placed into the new namespaces atomically at creation
// time and is already PID 1 of its PID namespace — see DESIGN.md.
type zygoteHandle struct {
	cmd      *exec.Cmd
	ipc      *ipcConn
	waiter   exitWaiter
	monStop  chan struct{}
	reapOnce sync.Once

	mu   sync.Mutex
	gone bool
}

func launchZygote(cfg zygoteConfig, rootful bool, callerUID, callerGID int, allocatedUID, allocatedGID uint32) (*zygoteHandle, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve own executable path: %w", err)
	}

	host, guest, err := newIPCSocketpair()
	if err != nil {
		return nil, err
	}

	cfg.ZygoteContainerUID = 0
	cfg.ZygoteContainerGID = 0
	cfg.JobContainerUID = SandboxInternalUID
	cfg.JobContainerGID = SandboxInternalUID
	encodedCfg, err := encodeZygoteConfig(cfg)
	if err != nil {
		host.Close()
		guest.Close()
		return nil, err
	}

	cmd := exec.Command(self, zygoteSubcommand, encodedCfg)
	cmd.ExtraFiles = []*os.File{guest} // arrives in the child as fd 3
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	jobHostUID := callerUID
	jobHostGID := callerGID
	zygoteHostUID := callerUID
	zygoteHostGID := callerGID
	if rootful {
		jobHostUID = int(allocatedUID)
		jobHostGID = int(allocatedGID)
	}

	cmd.SysProcAttr = &syscall.SysProcAttr{
		Cloneflags: syscall.CLONE_NEWUSER | syscall.CLONE_NEWPID | syscall.CLONE_NEWNS | syscall.CLONE_NEWNET,
		UidMappings: []syscall.SysProcIDMap{
			{ContainerID: cfg.ZygoteContainerUID, HostID: zygoteHostUID, Size: 1},
			{ContainerID: cfg.JobContainerUID, HostID: jobHostUID, Size: 1},
		},
		GidMappings: []syscall.SysProcIDMap{
			{ContainerID: cfg.ZygoteContainerGID, HostID: zygoteHostGID, Size: 1},
			{ContainerID: cfg.JobContainerGID, HostID: jobHostGID, Size: 1},
		},
	}

	if err := cmd.Start(); err != nil {
		host.Close()
		guest.Close()
		return nil, &sandbox.Error{Kind: sandbox.Syscall, Msg: "start zygote process", Cause: err}
	}
	guest.Close() // host keeps only its own end open past this point

	ipc, err := newIPCConn(host)
	if err != nil {
		cmd.Process.Kill()
		cmd.Wait()
		return nil, err
	}

	waiter, err := newExitWaiter(cmd.Process.Pid)
	if err != nil {
		ipc.Close()
		cmd.Process.Kill()
		cmd.Wait()
		return nil, &sandbox.Error{Kind: sandbox.Syscall, Msg: "watch zygote exit", Cause: err}
	}

	z := &zygoteHandle{cmd: cmd, ipc: ipc, waiter: waiter, monStop: make(chan struct{})}
	go z.monitor()
	return z, nil
}

// monitor waits on the zygote's pidfd (or the legacy fallback) so a
// zygote that dies on its own — OOM-killed, crashed during setup —
// flips the handle to gone and closes the socket, so later calls fail
// with ErrSandboxGone instead of leaving the sandbox wedged until
// someone happens to Kill it. A call() already blocked reading holds
// z.mu; it returns when the dead zygote's end of the socket closes,
// and the monitor takes the lock after it.
func (z *zygoteHandle) monitor() {
	z.waiter.Wait(z.monStop)
	select {
	case <-z.monStop:
		return
	default:
	}

	z.mu.Lock()
	if !z.gone {
		z.gone = true
		z.ipc.Close()
	}
	z.mu.Unlock()
	z.reap()
}

// call sends a query (plus any descriptors, chunked to the SCM_RIGHTS
// per-datagram limit) and waits for the matching reply, returning any
// descriptors that rode along with it. Calls are serialized: the
// guest's message loop never blocks (get_exit_code is poll-style, not
// blocking — see zygote_guest.go), so one call completing before the
// next starts never stalls unrelated jobs.
func (z *zygoteHandle) call(q query, fds []int) (reply, []int, error) {
	z.mu.Lock()
	defer z.mu.Unlock()

	if z.gone {
		return reply{}, nil, sandbox.ErrSandboxGone
	}

	q.FDCount = len(fds)
	payload, err := encodeQuery(q)
	if err != nil {
		return reply{}, nil, err
	}

	first := fds
	if len(first) > maxFDsPerMessage {
		first = fds[:maxFDsPerMessage]
	}
	if err := z.ipc.WriteMessage(payload, first); err != nil {
		return reply{}, nil, err
	}
	for rest := fds[len(first):]; len(rest) > 0; {
		chunk := rest
		if len(chunk) > maxFDsPerMessage {
			chunk = rest[:maxFDsPerMessage]
		}
		if err := z.ipc.WriteMessage(nil, chunk); err != nil {
			return reply{}, nil, err
		}
		rest = rest[len(chunk):]
	}

	respPayload, respFDs, err := z.ipc.ReadMessage()
	if err != nil {
		return reply{}, nil, err
	}
	r, err := decodeReply(respPayload)
	if err != nil {
		closeFDs(respFDs)
		return reply{}, nil, &sandbox.Error{Kind: sandbox.SandboxMisbehavior, Msg: "decode zygote reply", Cause: err}
	}
	if r.Tag == replyTagError {
		closeFDs(respFDs)
		return reply{}, nil, &sandbox.Error{Kind: sandbox.SandboxMisbehavior, Msg: r.ErrorMsg, Detail: r.ErrorKind}
	}
	return r, respFDs, nil
}

// kill sends SIGKILL to the zygote (and, transitively, every process in
// its PID namespace — there is no way to "un-PID-1" a namespace, so
// killing PID 1 takes the whole tree down). Idempotent. Returns once the
// zygote has been reaped, and the kernel reports a namespace's PID 1 as
// exited only after every other process in it is gone, so the resource
// group is empty by the time the caller deletes it.
func (z *zygoteHandle) kill() error {
	z.mu.Lock()
	if z.gone {
		z.mu.Unlock()
		return nil
	}
	z.gone = true
	close(z.monStop)
	z.mu.Unlock()

	err := z.cmd.Process.Signal(syscall.SIGKILL)
	z.waiter.Close()
	z.ipc.Close()
	z.reap()
	if err != nil && err != os.ErrProcessDone {
		return &sandbox.Error{Kind: sandbox.Syscall, Msg: "signal zygote", Cause: err}
	}
	return nil
}

// reap collects the zygote's exit status so it doesn't linger as a
// zombie for the rest of the host process's life.
func (z *zygoteHandle) reap() {
	z.reapOnce.Do(func() {
		z.cmd.Wait()
	})
}

func (z *zygoteHandle) pid() int { return z.cmd.Process.Pid }

func closeFDs(fds []int) {
	for _, fd := range fds {
		syscall.Close(fd)
	}
}
