//go:build linux

package linux

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/jjs-dev/minion/sandbox"
)

// zygoteConfig is the static configuration the host hands the zygote at
// launch time, before the zygote has performed its own mount/chroot/
// seccomp setup. Passed as a base64-encoded JSON argv, in the style of
// the teacher's own _deny_init flag-based handoff (deny_linux.go) —
// simpler than a second IPC round trip before the control socket's
// message loop has even started.
type zygoteConfig struct {
	Root          string               `json:"root"`
	SharedItems   []sandbox.SharedItem `json:"shared_items"`
	SeccompPolicy SeccompPolicy        `json:"seccomp_policy"`
	// ZygoteContainerUID/GID is the identity the zygote itself runs as
	// inside its own user namespace (0, i.e. root-in-namespace — needed
	// for CAP_SYS_ADMIN to mount and chroot).
	ZygoteContainerUID int `json:"zygote_container_uid"`
	ZygoteContainerGID int `json:"zygote_container_gid"`
	// JobContainerUID/GID is the unprivileged identity jobs are exec'd
	// as, distinct from the zygote's own root-in-namespace identity.
	JobContainerUID int `json:"job_container_uid"`
	JobContainerGID int `json:"job_container_gid"`
}

const zygoteSubcommand = "__zygote"

func encodeZygoteConfig(cfg zygoteConfig) (string, error) {
	b, err := json.Marshal(cfg)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

func decodeZygoteConfig(s string) (zygoteConfig, error) {
	var cfg zygoteConfig
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return cfg, fmt.Errorf("decode zygote config: %w", err)
	}
	if err := json.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("unmarshal zygote config: %w", err)
	}
	return cfg, nil
}
