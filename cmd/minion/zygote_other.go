//go:build !linux

package main

import (
	"fmt"
	"os"
)

func runZygoteGuest(encodedCfg string) {
	fmt.Fprintln(os.Stderr, "minion: sandboxing is only implemented on linux")
	os.Exit(1)
}
