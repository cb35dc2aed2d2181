//go:build linux

package linux

import "encoding/json"

// Wire messages exchanged over the zygote control socket. Tagged JSON,
// matching original_source's zygote.rs Query/Reply enum shape — every
// message is `{"tag": "...", ...fields}` so the guest's message loop can
// dispatch on a single string field without a second decode pass.

type query struct {
	Tag string `json:"tag"`
	// Spawn
	Path string   `json:"path,omitempty"`
	Argv []string `json:"argv,omitempty"`
	Env  []string `json:"env,omitempty"`
	Pwd  string   `json:"pwd,omitempty"`
	// Slot numbers for the extra FDs: ExtraFDSlots[i] belongs to the
	// (3+i)-th descriptor of the query. The descriptors arrive as
	// ancillary data, on this frame and any follow-up frames, in order:
	// stdin, stdout, stderr, then each ExtraFD in the order the caller
	// supplied them.
	ExtraFDSlots []int `json:"extra_fd_slots,omitempty"`
	// FDCount is the total number of descriptors accompanying this query.
	// SCM_RIGHTS carries at most maxFDsPerMessage per datagram, so a spawn
	// with more than that sends the remainder in follow-up empty frames;
	// the guest collects until it has FDCount of them.
	FDCount int `json:"fd_count,omitempty"`
	// GetExitCode / GetResourceUsage
	JobID uint64 `json:"job_id,omitempty"`
}

type reply struct {
	Tag string `json:"tag"`
	// SpawnOK. Notifier tells the host an exit-notifier descriptor (a
	// pidfd on kernels that have pidfd_open, otherwise the read end of a
	// pipe the zygote writes to on job exit) rides along as ancillary
	// data on this reply.
	JobID    uint64 `json:"job_id,omitempty"`
	Notifier bool   `json:"notifier,omitempty"`
	// Error
	ErrorKind string `json:"error_kind,omitempty"`
	ErrorMsg  string `json:"error_msg,omitempty"`
	// ExitCode
	ExitCode int64 `json:"exit_code,omitempty"`
	Exited   bool  `json:"exited,omitempty"`
	// ResourceUsage
	TimeNanos   *int64  `json:"time_nanos,omitempty"`
	MemoryBytes *uint64 `json:"memory_bytes,omitempty"`
}

const (
	queryTagSpawn            = "spawn"
	queryTagGetExitCode      = "get_exit_code"
	queryTagGetResourceUsage = "get_resource_usage"
	queryTagPing             = "ping"

	replyTagSpawnOK        = "spawn_ok"
	replyTagError          = "error"
	replyTagExitCode       = "exit_code"
	replyTagResourceUsage  = "resource_usage"
	replyTagPong           = "pong"
)

func encodeQuery(q query) ([]byte, error)  { return json.Marshal(q) }
func decodeQuery(b []byte) (query, error) { var q query; err := json.Unmarshal(b, &q); return q, err }
func encodeReply(r reply) ([]byte, error)  { return json.Marshal(r) }
func decodeReply(b []byte) (reply, error) { var r reply; err := json.Unmarshal(b, &r); return r, err }
