//go:build linux

package linux

import (
	"testing"

	"github.com/jjs-dev/minion/sandbox"
)

func TestQueryRoundTrip(t *testing.T) {
	q := query{
		Tag:          queryTagSpawn,
		Path:         "/bin/echo",
		Argv:         []string{"/bin/echo", "hi"},
		Env:          []string{"FOO=bar"},
		Pwd:          "/home/job",
		ExtraFDSlots: []int{779},
		FDCount:      4,
		JobID:        42,
	}
	encoded, err := encodeQuery(q)
	if err != nil {
		t.Fatalf("encodeQuery: %v", err)
	}
	decoded, err := decodeQuery(encoded)
	if err != nil {
		t.Fatalf("decodeQuery: %v", err)
	}
	if decoded.Tag != q.Tag || decoded.Path != q.Path || decoded.Pwd != q.Pwd || decoded.JobID != q.JobID {
		t.Errorf("decoded query = %+v, want %+v", decoded, q)
	}
	if len(decoded.Argv) != 2 || decoded.Argv[1] != "hi" {
		t.Errorf("decoded Argv = %v", decoded.Argv)
	}
	if len(decoded.ExtraFDSlots) != 1 || decoded.ExtraFDSlots[0] != 779 {
		t.Errorf("decoded ExtraFDSlots = %v", decoded.ExtraFDSlots)
	}
	if decoded.FDCount != 4 {
		t.Errorf("decoded FDCount = %d, want 4", decoded.FDCount)
	}
}

func TestReplyRoundTripSpawnOK(t *testing.T) {
	r := reply{Tag: replyTagSpawnOK, JobID: 9, Notifier: true}
	encoded, err := encodeReply(r)
	if err != nil {
		t.Fatalf("encodeReply: %v", err)
	}
	decoded, err := decodeReply(encoded)
	if err != nil {
		t.Fatalf("decodeReply: %v", err)
	}
	if decoded != r {
		t.Errorf("decoded reply = %+v, want %+v", decoded, r)
	}
}

func TestReplyRoundTripExitCode(t *testing.T) {
	r := reply{Tag: replyTagExitCode, JobID: 7, Exited: true, ExitCode: 1009}
	encoded, err := encodeReply(r)
	if err != nil {
		t.Fatalf("encodeReply: %v", err)
	}
	decoded, err := decodeReply(encoded)
	if err != nil {
		t.Fatalf("decodeReply: %v", err)
	}
	if decoded != r {
		t.Errorf("decoded reply = %+v, want %+v", decoded, r)
	}
}

func TestReplyRoundTripResourceUsage(t *testing.T) {
	timeNs := int64(5_000_000_000)
	mem := uint64(64 << 20)
	r := reply{Tag: replyTagResourceUsage, JobID: 3, TimeNanos: &timeNs, MemoryBytes: &mem}
	encoded, err := encodeReply(r)
	if err != nil {
		t.Fatalf("encodeReply: %v", err)
	}
	decoded, err := decodeReply(encoded)
	if err != nil {
		t.Fatalf("decodeReply: %v", err)
	}
	if decoded.TimeNanos == nil || *decoded.TimeNanos != timeNs {
		t.Errorf("decoded TimeNanos = %v, want %d", decoded.TimeNanos, timeNs)
	}
	if decoded.MemoryBytes == nil || *decoded.MemoryBytes != mem {
		t.Errorf("decoded MemoryBytes = %v, want %d", decoded.MemoryBytes, mem)
	}
}

func TestZygoteConfigRoundTrip(t *testing.T) {
	cfg := zygoteConfig{
		Root:               "/tmp/minion-root",
		SharedItems:        []sandbox.SharedItem{{Source: "/usr", Dest: "usr", Kind: sandbox.Readonly}},
		SeccompPolicy:      DenyDangerous,
		ZygoteContainerUID: 0,
		ZygoteContainerGID: 0,
		JobContainerUID:    SandboxInternalUID,
		JobContainerGID:    SandboxInternalUID,
	}
	encoded, err := encodeZygoteConfig(cfg)
	if err != nil {
		t.Fatalf("encodeZygoteConfig: %v", err)
	}
	decoded, err := decodeZygoteConfig(encoded)
	if err != nil {
		t.Fatalf("decodeZygoteConfig: %v", err)
	}
	if decoded.Root != cfg.Root || decoded.SeccompPolicy != cfg.SeccompPolicy {
		t.Errorf("decoded config = %+v, want %+v", decoded, cfg)
	}
	if decoded.JobContainerUID != SandboxInternalUID || decoded.JobContainerGID != SandboxInternalUID {
		t.Errorf("decoded job container id = %d/%d, want %d", decoded.JobContainerUID, decoded.JobContainerGID, SandboxInternalUID)
	}
	if len(decoded.SharedItems) != 1 || decoded.SharedItems[0].Dest != "usr" {
		t.Errorf("decoded SharedItems = %+v", decoded.SharedItems)
	}
}
