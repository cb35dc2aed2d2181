//go:build linux

package linux

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// exitWaiter is whatever mechanism notifies the host the zygote process
// has exited.
// Kernels >= 5.3 get an efficient pidfd via pidfd_open(2), polled with
// poll(2)/select; older kernels fall back to a blocking wait on the
// process via a dedicated goroutine, since there's no portable way to
// epoll a raw pid.
type exitWaiter interface {
	// Wait blocks until the watched process exits, or returns early if
	// stop is closed.
	Wait(stop <-chan struct{}) error
	Close() error
}

type pidfdWaiter struct {
	fd *os.File
}

func newPidfdWaiter(pid int) (*pidfdWaiter, error) {
	fd, err := unix.PidfdOpen(pid, 0)
	if err != nil {
		return nil, fmt.Errorf("pidfd_open(%d): %w", pid, err)
	}
	return &pidfdWaiter{fd: os.NewFile(uintptr(fd), fmt.Sprintf("pidfd-%d", pid))}, nil
}

func (w *pidfdWaiter) Wait(stop <-chan struct{}) error {
	done := make(chan struct{})
	var pollErr error
	go func() {
		defer close(done)
		pfd := []unix.PollFd{{Fd: int32(w.fd.Fd()), Events: unix.POLLIN}}
		for {
			n, err := unix.Poll(pfd, -1)
			if err != nil {
				if err == unix.EINTR {
					continue
				}
				pollErr = err
				return
			}
			if n > 0 {
				return
			}
		}
	}()
	select {
	case <-done:
		return pollErr
	case <-stop:
		return nil
	}
}

func (w *pidfdWaiter) Close() error { return w.fd.Close() }

// legacyWaitWaiter is the pre-pidfd fallback: os.Process.Wait blocks the
// calling goroutine directly. Works on any kernel but ties up a whole
// goroutine per watched process rather than a single poll loop.
type legacyWaitWaiter struct {
	proc *os.Process
}

func newLegacyWaitWaiter(pid int) (*legacyWaitWaiter, error) {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return nil, err
	}
	return &legacyWaitWaiter{proc: proc}, nil
}

func (w *legacyWaitWaiter) Wait(stop <-chan struct{}) error {
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.proc.Wait()
	}()
	select {
	case <-done:
		return nil
	case <-stop:
		return nil
	}
}

func (w *legacyWaitWaiter) Close() error { return nil }

// newExitWaiter prefers pidfd and falls back transparently if the kernel
// doesn't support it (ENOSYS on kernels < 5.3).
func newExitWaiter(pid int) (exitWaiter, error) {
	if w, err := newPidfdWaiter(pid); err == nil {
		return w, nil
	}
	return newLegacyWaitWaiter(pid)
}
