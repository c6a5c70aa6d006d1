package linux

import (
	"os"

	"golang.org/x/sys/unix"
)

// Dup3 wraps [unix.Dup3].
func Dup3(oldfd, newfd, flags int) error {
	err := retryOnEINTR(func() error {
		return unix.Dup3(oldfd, newfd, flags)
	})
	return os.NewSyscallError("dup3", err)
}

// Exec wraps [unix.Exec].
func Exec(cmd string, args []string, env []string) error {
	err := retryOnEINTR(func() error {
		return unix.Exec(cmd, args, env)
	})
	if err != nil {
		return &os.PathError{Op: "exec", Path: cmd, Err: err}
	}
	return nil
}

// Open wraps [unix.Open].
func Open(path string, mode int, perm uint32) (fd int, err error) {
	fd, err = retryOnEINTR2(func() (int, error) {
		return unix.Open(path, mode, perm)
	})
	if err != nil {
		return -1, &os.PathError{Op: "open", Path: path, Err: err}
	}
	return fd, nil
}

// Openat wraps [unix.Openat].
func Openat(dirfd int, path string, mode int, perm uint32) (fd int, err error) {
	fd, err = retryOnEINTR2(func() (int, error) {
		return unix.Openat(dirfd, path, mode, perm)
	})
	if err != nil {
		return -1, &os.PathError{Op: "openat", Path: path, Err: err}
	}
	return fd, nil
}

// Write wraps [unix.Write].
func Write(fd int, p []byte) (int, error) {
	n, err := retryOnEINTR2(func() (int, error) {
		return unix.Write(fd, p)
	})
	return n, os.NewSyscallError("write", err)
}

// Mount wraps [unix.Mount].
func Mount(source, target, fstype string, flags uintptr, data string) error {
	err := retryOnEINTR(func() error {
		return unix.Mount(source, target, fstype, flags, data)
	})
	return os.NewSyscallError("mount", err)
}

// Mknod wraps [unix.Mknod].
func Mknod(path string, mode uint32, dev int) error {
	err := retryOnEINTR(func() error {
		return unix.Mknod(path, mode, dev)
	})
	if err != nil {
		return &os.PathError{Op: "mknod", Path: path, Err: err}
	}
	return nil
}

// Unlink wraps [unix.Unlink].
func Unlink(path string) error {
	err := retryOnEINTR(func() error {
		return unix.Unlink(path)
	})
	if err != nil {
		return &os.PathError{Op: "unlink", Path: path, Err: err}
	}
	return nil
}

// Unlinkat wraps [unix.Unlinkat].
func Unlinkat(dirfd int, path string, flags int) error {
	err := retryOnEINTR(func() error {
		return unix.Unlinkat(dirfd, path, flags)
	})
	if err != nil {
		return &os.PathError{Op: "unlinkat", Path: path, Err: err}
	}
	return nil
}

// Sendmsg wraps [unix.Sendmsg].
func Sendmsg(fd int, p, oob []byte, to unix.Sockaddr, flags int) error {
	err := retryOnEINTR(func() error {
		return unix.Sendmsg(fd, p, oob, to, flags)
	})
	return os.NewSyscallError("sendmsg", err)
}

// Recvmsg wraps [unix.Recvmsg].
func Recvmsg(fd int, p, oob []byte, flags int) (n, oobn int, err error) {
	type result struct{ n, oobn int }
	res, err := retryOnEINTR2(func() (result, error) {
		n, oobn, _, _, err := unix.Recvmsg(fd, p, oob, flags)
		return result{n, oobn}, err
	})
	return res.n, res.oobn, os.NewSyscallError("recvmsg", err)
}

// Setsid wraps [unix.Setsid].
func Setsid() (int, error) {
	sid, err := retryOnEINTR2(unix.Setsid)
	return sid, os.NewSyscallError("setsid", err)
}

// Kill wraps [unix.Kill].
func Kill(pid int, sig unix.Signal) error {
	err := retryOnEINTR(func() error {
		return unix.Kill(pid, sig)
	})
	return os.NewSyscallError("kill", err)
}

// GetPtyPeer opens the peer end of the pty master fd with the given
// open flags, using TIOCGPTPEER so no path resolution through a
// (possibly attacker-controlled) /dev/pts is involved.
func GetPtyPeer(fd uintptr, flags int) (int, error) {
	peer, err := retryOnEINTR2(func() (int, error) {
		p, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, unix.TIOCGPTPEER, uintptr(flags))
		if errno != 0 {
			return -1, errno
		}
		return int(p), nil
	})
	if err != nil {
		return -1, os.NewSyscallError("ioctl TIOCGPTPEER", err)
	}
	return peer, nil
}
