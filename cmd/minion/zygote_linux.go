//go:build linux

package main

import "github.com/jjs-dev/minion/sandbox/linux"

// runZygoteGuest dispatches the hidden __zygote re-exec (see
// sandbox/linux/zygote_host.go's launchZygote) into the guest's own
// mount/chroot/seccomp setup and control-socket serve loop. It never
// returns.
func runZygoteGuest(encodedCfg string) {
	linux.RunZygoteGuest(encodedCfg)
}
