//go:build linux

package linux

import (
	"testing"

	"golang.org/x/sys/unix"
)

func TestProgramForPolicyUnrestricted(t *testing.T) {
	if prog := programForPolicy(Unrestricted); prog != nil {
		t.Errorf("programForPolicy(Unrestricted) = %v, want nil", prog)
	}
}

// checkFilterShape verifies the common program layout: one syscall-nr
// load, one JEQ per listed syscall each jumping to the listed return at
// the end, then the default return, then the listed return.
func checkFilterShape(t *testing.T, prog []unix.SockFilter, listed []uint32, listedRet, defaultRet uint32) {
	t.Helper()

	wantLen := 1 + len(listed) + 2
	if len(prog) != wantLen {
		t.Fatalf("len(prog) = %d, want %d", len(prog), wantLen)
	}

	if prog[0].Code != unix.BPF_LD|unix.BPF_W|unix.BPF_ABS || prog[0].K != 0 {
		t.Errorf("prog[0] is not the syscall-nr load: %+v", prog[0])
	}

	defaultIdx := len(prog) - 2
	listedIdx := len(prog) - 1
	if prog[defaultIdx].Code != unix.BPF_RET|unix.BPF_K || prog[defaultIdx].K != defaultRet {
		t.Errorf("prog[%d] = %+v, want RET %#x (default)", defaultIdx, prog[defaultIdx], defaultRet)
	}
	if prog[listedIdx].Code != unix.BPF_RET|unix.BPF_K || prog[listedIdx].K != listedRet {
		t.Errorf("prog[%d] = %+v, want RET %#x (listed)", listedIdx, prog[listedIdx], listedRet)
	}

	for i, nr := range listed {
		instr := prog[1+i]
		if instr.Code != unix.BPF_JMP|unix.BPF_JEQ|unix.BPF_K {
			t.Fatalf("prog[%d] is not a JEQ: %+v", 1+i, instr)
		}
		if instr.K != nr {
			t.Errorf("prog[%d].K = %d, want syscall nr %d", 1+i, instr.K, nr)
		}
		landedAt := (1 + i) + 1 + int(instr.Jt)
		if landedAt != listedIdx {
			t.Errorf("JEQ for syscall %d jumps to instruction %d, want listed return at %d", nr, landedAt, listedIdx)
		}
		if instr.Jf != 0 {
			t.Errorf("prog[%d].Jf = %d, want 0 (fall through to next check)", 1+i, instr.Jf)
		}
	}
}

func TestDenyDangerousIsDefaultAllow(t *testing.T) {
	prog := programForPolicy(DenyDangerous)
	checkFilterShape(t, prog, dangerousSyscalls, seccompRetEPERM, seccompRetAllow)
}

func TestDenyDangerousList(t *testing.T) {
	want := map[uint32]bool{
		unix.SYS_PTRACE:            true,
		unix.SYS_PROCESS_VM_READV:  true,
		unix.SYS_PROCESS_VM_WRITEV: true,
		unix.SYS_KILL:              true,
	}
	if len(dangerousSyscalls) != len(want) {
		t.Fatalf("dangerousSyscalls = %v, want exactly %d entries", dangerousSyscalls, len(want))
	}
	for _, nr := range dangerousSyscalls {
		if !want[nr] {
			t.Errorf("unexpected syscall %d in dangerousSyscalls", nr)
		}
	}
}

func TestPureIsDefaultDeny(t *testing.T) {
	prog := programForPolicy(Pure)
	checkFilterShape(t, prog, safeSyscalls, seccompRetAllow, seccompRetEPERM)
}

func TestPureAllowList(t *testing.T) {
	want := map[uint32]bool{
		unix.SYS_EXIT:   true,
		unix.SYS_FORK:   true,
		unix.SYS_CLONE:  true,
		unix.SYS_READ:   true,
		unix.SYS_WRITE:  true,
		unix.SYS_WAIT4:  true,
		unix.SYS_WAITID: true,
		unix.SYS_EXECVE: true,
	}
	if len(safeSyscalls) != len(want) {
		t.Fatalf("safeSyscalls = %v, want exactly %d entries", safeSyscalls, len(want))
	}
	for _, nr := range safeSyscalls {
		if !want[nr] {
			t.Errorf("unexpected syscall %d in safeSyscalls", nr)
		}
	}
}
