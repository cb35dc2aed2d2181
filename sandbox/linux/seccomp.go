//go:build linux

package linux

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// SeccompPolicy selects which syscall filter the zygote installs on itself
// (inherited by every job it execs) just before the first exec.
type SeccompPolicy int

const (
	// Unrestricted installs no filter at all.
	Unrestricted SeccompPolicy = iota
	// DenyDangerous (the default) allows everything except the syscalls
	// that let one sandboxed process inspect or signal another: ptrace,
	// process_vm_readv, process_vm_writev, kill. Those return EPERM.
	DenyDangerous
	// Pure returns EPERM for everything except a minimal compute
	// allow-list (exit, fork, clone, read, write, wait4, waitid,
	// execve). Intended for pure-function jobs whose only observable
	// behavior is bytes on already-open descriptors.
	Pure
)

// dangerousSyscalls is DenyDangerous's EPERM list.
var dangerousSyscalls = []uint32{
	unix.SYS_PTRACE,
	unix.SYS_PROCESS_VM_READV,
	unix.SYS_PROCESS_VM_WRITEV,
	unix.SYS_KILL,
}

// safeSyscalls is Pure's allow list; everything else gets EPERM.
var safeSyscalls = []uint32{
	unix.SYS_EXIT,
	unix.SYS_FORK,
	unix.SYS_CLONE,
	unix.SYS_READ,
	unix.SYS_WRITE,
	unix.SYS_WAIT4,
	unix.SYS_WAITID,
	unix.SYS_EXECVE,
}

const (
	seccompRetAllow = 0x7fff0000
	seccompRetErrno = 0x00050000
	seccompRetEPERM = seccompRetErrno | uint32(unix.EPERM)
)

// buildSeccompFilter constructs a BPF program that returns listedRet for
// every syscall number in listed and defaultRet for everything else.
// The same shape serves both policy polarities: DenyDangerous lists its
// denials against an allow default, Pure lists its allowances against
// an EPERM default.
func buildSeccompFilter(listed []uint32, listedRet, defaultRet uint32) []unix.SockFilter {
	prog := make([]unix.SockFilter, 0, len(listed)+3)
	prog = append(prog, unix.SockFilter{
		Code: unix.BPF_LD | unix.BPF_W | unix.BPF_ABS,
		K:    0, // offsetof(struct seccomp_data, nr)
	})

	for i, nr := range listed {
		// On a match, jump over the remaining checks and the default
		// return, landing on the listed return at the end.
		prog = append(prog, unix.SockFilter{
			Code: unix.BPF_JMP | unix.BPF_JEQ | unix.BPF_K,
			Jt:   uint8(len(listed) - i),
			Jf:   0,
			K:    nr,
		})
	}

	prog = append(prog, unix.SockFilter{
		Code: unix.BPF_RET | unix.BPF_K,
		K:    defaultRet,
	})
	prog = append(prog, unix.SockFilter{
		Code: unix.BPF_RET | unix.BPF_K,
		K:    listedRet,
	})
	return prog
}

// programForPolicy returns the BPF program for policy, or nil when no
// filter should be installed.
func programForPolicy(p SeccompPolicy) []unix.SockFilter {
	switch p {
	case Unrestricted:
		return nil
	case Pure:
		return buildSeccompFilter(safeSyscalls, seccompRetAllow, seccompRetEPERM)
	default:
		return buildSeccompFilter(dangerousSyscalls, seccompRetEPERM, seccompRetAllow)
	}
}

// installSeccomp installs the filter for policy on the calling process:
// prctl(PR_SET_NO_NEW_PRIVS) first (mandatory for an unprivileged
// seccomp(2)), then SECCOMP_SET_MODE_FILTER. Must run before the first
// job exec.
func installSeccomp(policy SeccompPolicy) error {
	prog := programForPolicy(policy)
	if prog == nil {
		return nil
	}

	if _, _, errno := unix.RawSyscall(unix.SYS_PRCTL, unix.PR_SET_NO_NEW_PRIVS, 1, 0); errno != 0 {
		return fmt.Errorf("prctl(PR_SET_NO_NEW_PRIVS): %v", errno)
	}

	bpfProg := unix.SockFprog{
		Len:    uint16(len(prog)),
		Filter: &prog[0],
	}
	const seccompSetModeFilter = 1
	if _, _, errno := unix.RawSyscall(unix.SYS_SECCOMP, seccompSetModeFilter, 0, uintptr(unsafe.Pointer(&bpfProg))); errno != 0 {
		return fmt.Errorf("seccomp(SECCOMP_SET_MODE_FILTER): %v", errno)
	}
	return nil
}
