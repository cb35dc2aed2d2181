//go:build linux

package linux

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/jjs-dev/minion/sandbox"
)

// setupMounts runs inside the zygote, after CLONE_NEWNS/CLONE_NEWUSER but
// before chroot: makes the mount table private (so our bind mounts don't
// leak back to the host, as systemd's default shared "/" propagation would
// otherwise cause — grounded on deny_linux.go's DenyInit), then bind-mounts
// every configured SharedItem under root.
func setupMounts(root string, items []sandbox.SharedItem) error {
	if err := unix.Mount("", "/", "", unix.MS_PRIVATE|unix.MS_REC, ""); err != nil {
		return fmt.Errorf("make root mount private: %w", err)
	}

	if err := os.MkdirAll(root, 0755); err != nil {
		return fmt.Errorf("create isolation root %s: %w", root, err)
	}

	for _, item := range items {
		dest := filepath.Join(root, item.Dest)
		recursive := false
		for _, flag := range item.Flags {
			if flag == "recursive" {
				recursive = true
				continue
			}
			return &sandbox.Error{
				Kind:   sandbox.InvalidSharedItemFlag,
				Msg:    "unrecognized shared item flag",
				Detail: flag,
			}
		}

		info, err := os.Stat(item.Source)
		if err != nil {
			return fmt.Errorf("stat shared item source %s: %w", item.Source, err)
		}
		if info.IsDir() {
			if err := os.MkdirAll(dest, 0755); err != nil {
				return fmt.Errorf("mkdir shared item dest %s: %w", dest, err)
			}
		} else {
			if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
				return fmt.Errorf("mkdir shared item dest parent %s: %w", dest, err)
			}
			if f, err := os.OpenFile(dest, os.O_CREATE, 0644); err == nil {
				f.Close()
			}
		}

		flags := uintptr(unix.MS_BIND)
		if recursive {
			flags |= unix.MS_REC
		}
		if err := unix.Mount(item.Source, dest, "", flags, ""); err != nil {
			return fmt.Errorf("bind mount %s -> %s: %w", item.Source, dest, err)
		}

		if item.Kind == sandbox.Readonly {
			if err := unix.Mount("", dest, "", unix.MS_REMOUNT|unix.MS_BIND|unix.MS_RDONLY, ""); err != nil {
				return fmt.Errorf("remount %s read-only: %w", dest, err)
			}
		}
	}

	procDir := filepath.Join(root, "proc")
	if err := os.MkdirAll(procDir, 0555); err != nil {
		return fmt.Errorf("create %s: %w", procDir, err)
	}
	if err := unix.Mount("proc", procDir, "proc", 0, ""); err != nil {
		return fmt.Errorf("mount proc at %s: %w", procDir, err)
	}

	// The job sees SandboxInternalUID (179) as its own uid once it drops
	// privileges in the guest's exec path; the root it lands in via
	// chroot must already be owned by that uid.
	if err := os.Chmod(root, 0777); err != nil {
		return fmt.Errorf("chmod isolation root: %w", err)
	}
	if err := os.Chown(root, SandboxInternalUID, SandboxInternalUID); err != nil {
		return fmt.Errorf("chown isolation root: %w", err)
	}
	return nil
}

// chrootInto chroots into root and chdirs to "/", the standard two-step
// dance (a chroot alone leaves the cwd outside the new root).
func chrootInto(root string) error {
	if err := unix.Chroot(root); err != nil {
		return fmt.Errorf("chroot %s: %w", root, err)
	}
	if err := unix.Chdir("/"); err != nil {
		return fmt.Errorf("chdir / after chroot: %w", err)
	}
	return nil
}
