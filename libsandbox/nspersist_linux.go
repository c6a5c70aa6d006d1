package libsandbox

import (
	"errors"
	"fmt"
	"strings"

	"github.com/moby/sys/capability"
	"github.com/moby/sys/mountinfo"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/nsbox-dev/nsbox/internal/linux"
	"github.com/nsbox-dev/nsbox/libsandbox/capabilities"
	"github.com/nsbox-dev/nsbox/libsandbox/configs"
)

// persistNamespaceFiles bind-mounts the target process's namespace
// files onto the caller-chosen destinations, in the stable namespace
// order. Destinations are created as empty regular files first; a
// destination that already exists is reused.
func persistNamespaceFiles(pid int, persist map[string]string) error {
	for _, ns := range configs.NamespaceTypes() {
		name := configs.NsName(ns)
		dest, ok := persist[name]
		if !ok || dest == "" {
			continue
		}
		if err := persistNamespaceFile(pid, name, dest); err != nil {
			return err
		}
	}
	return nil
}

func persistNamespaceFile(pid int, name, dest string) error {
	if err := linux.Mknod(dest, unix.S_IFREG, 0); err != nil && !errors.Is(err, unix.EEXIST) {
		return fmt.Errorf("create %s: %w", dest, err)
	}

	src := fmt.Sprintf("/proc/%d/ns/%s", pid, name)
	err := capabilities.Raised([]capability.Cap{capabilities.SysAdmin, capabilities.SysPtrace}, func() error {
		return linux.Mount(src, dest, "", unix.MS_BIND, "")
	})
	if err == nil {
		return nil
	}

	// Leave no empty placeholder behind on failure.
	_ = linux.Unlink(dest)

	switch {
	case errors.Is(err, unix.ENOENT):
		// Kernel does not support this namespace type.
		logrus.Debugf("skipping %s namespace persistence: %v", name, err)
		return nil
	case errors.Is(err, unix.EINVAL):
		return fmt.Errorf("bind-mount %s to %s: %w (is the destination on a private mount? destination is on %s)",
			src, dest, err, coveringMount(dest))
	default:
		return fmt.Errorf("bind-mount %s to %s: %w", src, dest, err)
	}
}

// coveringMount describes the mount the destination lives on, for the
// EINVAL diagnostic: bind-mounting a namespace file fails there when
// the destination's mount has shared propagation.
func coveringMount(dest string) string {
	mounts, err := mountinfo.GetMounts(nil)
	if err != nil {
		return "an unknown mount"
	}
	best := ""
	optional := ""
	for _, m := range mounts {
		if m.Mountpoint == "/" || strings.HasPrefix(dest, m.Mountpoint+"/") || dest == m.Mountpoint {
			if len(m.Mountpoint) >= len(best) {
				best = m.Mountpoint
				optional = m.Optional
			}
		}
	}
	if best == "" {
		return "an unknown mount"
	}
	if optional == "" {
		optional = "private"
	}
	return fmt.Sprintf("%s (%s)", best, optional)
}
