// Package libsandbox implements the privileged setup protocol for an
// unprivileged sandbox launcher: an outer helper sibling process that
// installs the target process's id maps, persists its namespace files
// and creates its network interfaces while host credentials are still
// available, a detached cgroup lifetime watcher, and a pty relay
// brokering the target's controlling terminal.
package libsandbox

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"syscall"

	"github.com/moby/sys/capability"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/nsbox-dev/nsbox/internal/linux"
	"github.com/nsbox-dev/nsbox/libsandbox/capabilities"
	"github.com/nsbox-dev/nsbox/libsandbox/configs"
	"github.com/nsbox-dev/nsbox/libsandbox/idmap"
	"github.com/nsbox-dev/nsbox/libsandbox/utils"
)

// Environment variables naming the fds handed to re-executed commands.
// The first ExtraFile lands on fd 3.
const (
	OuterPipeEnv = "_NSBOX_OUTER_PIPE"
	CgroupDirEnv = "_NSBOX_CGROUP_DIR"
	SyncPipeEnv  = "_NSBOX_SYNC_PIPE"
	ConsoleEnv   = "_NSBOX_CONSOLE_PIPE"

	stdioFdCount = 3
	okSentinel   = uint32(1)
)

// ErrPeerClosed reports that the other end of the setup protocol went
// away before completing its half. The peer has presumably already
// reported the reason, so readers treat this as a silent exit.
var ErrPeerClosed = errors.New("setup peer closed the control socket")

// OuterHelper is the launcher's handle on the privileged helper
// sibling. The helper is spawned before the target is cloned into its
// fresh namespaces and, holding the credentials nsbox was started with,
// performs the privileged steps on the target's behalf.
//
// This reimplements what the setuid newuidmap/newgidmap utilities do so
// no external helper binary needs to be installed on the host.
type OuterHelper struct {
	Pid int

	cmd  *exec.Cmd
	file *os.File
}

// SpawnOuterHelper re-executes the current binary as the outer helper
// and ships it the bootstrap config. If cgroupDir is non-nil its fd is
// passed along for the lifetime watcher. The helper is killed by the
// kernel if the launcher dies first.
func SpawnOuterHelper(cfg *configs.OuterConfig, cgroupDir *os.File) (*OuterHelper, error) {
	parent, child, err := utils.NewSockPair("outer")
	if err != nil {
		return nil, fmt.Errorf("outer helper: socketpair: %w", err)
	}
	defer child.Close()

	cmd := exec.Command("/proc/self/exe", "outer-helper")
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{child}
	cmd.Env = append(os.Environ(), fmt.Sprintf("%s=%d", OuterPipeEnv, stdioFdCount))
	cmd.SysProcAttr = &syscall.SysProcAttr{Pdeathsig: unix.SIGKILL}
	if err := cmd.Start(); err != nil {
		parent.Close()
		return nil, fmt.Errorf("outer helper: start: %w", err)
	}

	helper := &OuterHelper{Pid: cmd.Process.Pid, cmd: cmd, file: parent}
	if err := writeBootstrap(parent, cfg); err != nil {
		helper.kill()
		return nil, fmt.Errorf("outer helper: send bootstrap: %w", err)
	}
	if cfg.CgroupEnabled {
		if cgroupDir == nil {
			helper.kill()
			return nil, errors.New("outer helper: cgroup enabled but no cgroup directory")
		}
		if err := utils.SendFile(parent, cgroupDir); err != nil {
			helper.kill()
			return nil, fmt.Errorf("outer helper: send cgroup fd: %w", err)
		}
	}
	return helper, nil
}

// SendPid unblocks the helper with the target process's pid.
func (h *OuterHelper) SendPid(pid int) error {
	var buf [4]byte
	binary.NativeEndian.PutUint32(buf[:], uint32(pid))
	if _, err := h.file.Write(buf[:]); err != nil {
		return fmt.Errorf("outer helper: send pid: %w", err)
	}
	return nil
}

// Sync blocks until the helper reports that every privileged setup step
// completed. An EOF means the helper died mid-setup, which is fatal.
func (h *OuterHelper) Sync() error {
	var buf [4]byte
	if _, err := io.ReadFull(h.file, buf[:]); err != nil {
		return fmt.Errorf("outer helper died before finishing setup: %w", err)
	}
	// Reap; the helper exits right after writing OK.
	_ = h.cmd.Wait()
	return nil
}

// Close releases the launcher's end of the control socket.
func (h *OuterHelper) Close() error {
	return h.file.Close()
}

func (h *OuterHelper) kill() {
	_ = h.cmd.Process.Kill()
	_, _ = h.cmd.Process.Wait()
	h.file.Close()
}

// writeBootstrap frames the config as length-prefixed JSON so the
// fixed-width protocol messages that follow on the same socket are not
// swallowed by a buffering decoder.
func writeBootstrap(w io.Writer, cfg *configs.OuterConfig) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	var size [4]byte
	binary.BigEndian.PutUint32(size[:], uint32(len(data)))
	if _, err := w.Write(size[:]); err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

func readBootstrap(r io.Reader) (*configs.OuterConfig, error) {
	var size [4]byte
	if _, err := io.ReadFull(r, size[:]); err != nil {
		return nil, err
	}
	data := make([]byte, binary.BigEndian.Uint32(size[:]))
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	cfg := new(configs.OuterConfig)
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// RunOuterHelper is the helper-side half of the protocol, entered from
// the re-executed "outer-helper" command with the control socket. The
// privileged steps run in order; OK is written only on full success, so
// the target observes either a completely set up environment or an EOF.
func RunOuterHelper(pipe *os.File) error {
	cfg, err := readBootstrap(pipe)
	if err != nil {
		return fmt.Errorf("outer helper: read bootstrap: %w", err)
	}

	var cgroupDir *os.File
	if cfg.CgroupEnabled {
		if cgroupDir, err = utils.RecvFile(pipe); err != nil {
			return fmt.Errorf("outer helper: receive cgroup fd: %w", err)
		}
	}

	pid, err := readPid(pipe)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			// The launcher died before writing the pid, e.g. Ctrl-C.
			// Not worth warning against.
			return ErrPeerClosed
		}
		return fmt.Errorf("outer helper: read pid: %w", err)
	}

	if cgroupDir != nil {
		if err := spawnCgroupWatcher(cgroupDir, cfg.RootPid); err != nil {
			return err
		}
		cgroupDir.Close()
	}

	if cfg.UnshareUser {
		if err := burnIDMaps(pid, cfg); err != nil {
			return err
		}
	}

	if err := persistNamespaceFiles(pid, cfg.Persist); err != nil {
		return err
	}

	if cfg.UnshareNet && len(cfg.NICs) > 0 {
		err := capabilities.Raised([]capability.Cap{capabilities.NetAdmin}, func() error {
			for i := range cfg.NICs {
				cfg.NICs[i].NetNSPid = pid
				if err := createNIC(&cfg.NICs[i]); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	// Notify the launcher that the target's proc files are persisted and
	// its [ug]id maps are in place; the launcher then releases the target.
	var ok [4]byte
	binary.NativeEndian.PutUint32(ok[:], okSentinel)
	if _, err := linux.Write(int(pipe.Fd()), ok[:]); err != nil {
		return fmt.Errorf("outer helper: send ok: %w", err)
	}
	return nil
}

func readPid(r io.Reader) (int, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return int(binary.NativeEndian.Uint32(buf[:])), nil
}

// spawnCgroupWatcher starts the detached lifetime watcher. The process
// is intentionally orphaned: it must outlive both the helper and the
// launcher so it can observe the cgroup emptying after they exit.
func spawnCgroupWatcher(cgroupDir *os.File, rootPid int) error {
	cmd := exec.Command("/proc/self/exe", "cgroup-watcher", strconv.Itoa(rootPid))
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{cgroupDir}
	cmd.Env = append(os.Environ(), fmt.Sprintf("%s=%d", CgroupDirEnv, stdioFdCount))
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("outer helper: start cgroup watcher: %w", err)
	}
	logrus.Debugf("cgroup watcher running as pid %d", cmd.Process.Pid)
	return cmd.Process.Release()
}

// burnIDMaps computes and writes the target's uid and gid maps. Each
// map file accepts exactly one write ever, so the full text is buffered
// and burned with a single write syscall.
func burnIDMaps(pid int, cfg *configs.OuterConfig) error {
	procPath := "/proc/" + strconv.Itoa(pid)
	procfd, err := linux.Open(procPath, unix.O_DIRECTORY|unix.O_PATH|unix.O_CLOEXEC, 0)
	if err != nil {
		return err
	}
	defer unix.Close(procfd)

	uid := idmap.LoadUser(unix.Getuid())
	gid := idmap.LoadGroup(unix.Getgid())

	uidMap, err := idmap.Make("uid", idmap.SubUIDFile, "/proc/self/uid_map", uid, cfg.UIDDesired)
	if err != nil {
		return err
	}
	gidMap, err := idmap.Make("gid", idmap.SubGIDFile, "/proc/self/gid_map", gid, cfg.GIDDesired)
	if err != nil {
		return err
	}

	caps := []capability.Cap{capabilities.Setuid, capabilities.Setgid, capabilities.DacOverride}
	return capabilities.Raised(caps, func() error {
		if err := burn(procfd, "uid_map", uidMap); err != nil {
			return err
		}
		return burn(procfd, "gid_map", gidMap)
	})
}

// burn opens the file pointed to by path relative to dirfd, burns the
// data into it using exactly one write syscall, then closes it. Files
// like /proc/<pid>/[ug]id_map reject any second write, so a short write
// is a hard error, never a retry.
func burn(dirfd int, path, data string) error {
	fd, err := linux.Openat(dirfd, path, unix.O_WRONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("burn %s: %w", path, err)
	}
	n, err := unix.Write(fd, []byte(data))
	if err != nil {
		unix.Close(fd)
		return fmt.Errorf("burn %s: write: %w", path, err)
	}
	if n != len(data) {
		unix.Close(fd)
		return fmt.Errorf("burn %s: short write (%d of %d bytes)", path, n, len(data))
	}
	if err := unix.Close(fd); err != nil {
		return fmt.Errorf("burn %s: close: %w", path, err)
	}
	return nil
}
