//go:build linux

// Package cgroups watches an ephemeral cgroup v2 directory and removes
// it once the last process in it has exited. The watcher runs as a
// detached session so it can observe the cgroup emptying after every
// other process of the launcher tree is gone.
package cgroups

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/nsbox-dev/nsbox/internal/linux"
)

// eventsLineMax bounds a single cgroup.events line. The file carries a
// handful of "<key> <0|1>" pairs; anything longer is not the kernel
// interface we know.
const eventsLineMax = 4096

// SubName returns the name of the ephemeral sub-cgroup created for a
// launcher whose root process has the given pid.
func SubName(rootPid int) string {
	return fmt.Sprintf("nsbox.%d", rootPid)
}

// Watch blocks until the sub-cgroup under cgroupFD reports populated 0,
// then removes it. cgroupFD is the parent cgroup directory; ownership
// transfers to the watcher.
//
// cgroup.events does not meaningfully support seeking, so the watcher
// registers the fd edge-triggered and reopens the file on every wake to
// observe the fresh state. The order of lines within the file is not
// specified; any wake where no line reads "populated 0" is a false
// wakeup and harmless.
func Watch(cgroupFD, rootPid int) error {
	sub := SubName(rootPid)
	subfd, err := linux.Openat(cgroupFD, sub, unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", sub, err)
	}
	defer unix.Close(subfd)

	cevent, err := linux.Openat(subfd, "cgroup.events", unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("open cgroup.events: %w", err)
	}
	defer unix.Close(cevent)

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return os.NewSyscallError("epoll_create1", err)
	}
	defer unix.Close(epfd)

	event := unix.EpollEvent{Events: unix.EPOLLET}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, cevent, &event); err != nil {
		return os.NewSyscallError("epoll_ctl cgroup.events", err)
	}

	events := make([]unix.EpollEvent, 1)
	for {
		if _, err := unix.EpollWait(epfd, events, -1); err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return os.NewSyscallError("epoll_wait cgroup.events", err)
		}

		empty, err := readEvents(subfd)
		if err != nil {
			return err
		}
		if empty {
			logrus.Debugf("cgroup %s is empty, cleaning up", sub)
			return Clean(cgroupFD, rootPid)
		}
	}
}

// readEvents reopens cgroup.events under subfd and reports whether the
// current state lists "populated 0".
func readEvents(subfd int) (bool, error) {
	fd, err := linux.Openat(subfd, "cgroup.events", unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return false, fmt.Errorf("open cgroup.events: %w", err)
	}
	f := os.NewFile(uintptr(fd), "cgroup.events")
	defer f.Close()
	return ParseEvents(f)
}

// ParseEvents scans cgroup.events content line by line and reports
// whether any line states the cgroup is unpopulated.
func ParseEvents(r io.Reader) (bool, error) {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, eventsLineMax), eventsLineMax)
	empty := false
	for s.Scan() {
		if strings.HasPrefix(s.Text(), "populated 0") {
			empty = true
		}
	}
	if err := s.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return false, fmt.Errorf("cgroup.events line exceeds %d bytes", eventsLineMax)
		}
		return false, err
	}
	return empty, nil
}

// Clean removes the ephemeral sub-cgroup for rootPid along with any
// child cgroups created inside it. Processes must have left already;
// the kernel refuses to remove populated cgroup directories.
func Clean(cgroupFD, rootPid int) error {
	sub := SubName(rootPid)
	subfd, err := linux.Openat(cgroupFD, sub, unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		if errors.Is(err, unix.ENOENT) {
			return nil
		}
		return fmt.Errorf("open %s: %w", sub, err)
	}
	dir := os.NewFile(uintptr(subfd), sub)
	defer dir.Close()

	names, err := dir.Readdirnames(-1)
	if err != nil {
		return fmt.Errorf("read %s: %w", sub, err)
	}
	for _, name := range names {
		var st unix.Stat_t
		if err := unix.Fstatat(subfd, name, &st, 0); err != nil {
			continue
		}
		if st.Mode&unix.S_IFMT != unix.S_IFDIR {
			// Kernel interface files; they go away with the directory.
			continue
		}
		if err := linux.Unlinkat(subfd, name, unix.AT_REMOVEDIR); err != nil {
			return fmt.Errorf("remove child cgroup %s: %w", name, err)
		}
	}
	if err := linux.Unlinkat(cgroupFD, sub, unix.AT_REMOVEDIR); err != nil {
		return fmt.Errorf("remove cgroup %s: %w", sub, err)
	}
	return nil
}
