package libsandbox

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/nsbox-dev/nsbox/libsandbox/configs"
	"github.com/nsbox-dev/nsbox/libsandbox/utils"
)

// InitSetIDEnv marks the target init half as having a user namespace
// whose maps pin the caller to the root of the namespace.
const InitSetIDEnv = "_NSBOX_INIT_SETID"

// Sandbox drives the setup protocol for one target process: spawn the
// outer helper while host credentials are still intact, create the
// target in its fresh namespaces, feed the helper the target's pid,
// wait for the privileged steps to finish, and only then release the
// target towards its payload.
type Sandbox struct {
	config *configs.Config

	helper  *OuterHelper
	initCmd *exec.Cmd
	sync    *os.File
	console *os.File
	tty     *TTYParent
}

func New(config *configs.Config) *Sandbox {
	return &Sandbox{config: config}
}

// Start spawns the helper and the target and runs the setup protocol to
// completion. On return the target is executing (or about to execute)
// its payload with maps burned, namespace files persisted and
// interfaces created.
func (s *Sandbox) Start(payload []string) (Err error) {
	ns := s.config.Namespaces

	persist := make(map[string]string)
	for t, path := range ns.PersistPaths() {
		persist[configs.NsName(t)] = path
	}
	outerCfg := &configs.OuterConfig{
		UnshareUser:   ns.Contains(configs.NEWUSER),
		UnshareNet:    ns.Contains(configs.NEWNET),
		CgroupEnabled: s.config.CgroupPath != "",
		RootPid:       os.Getpid(),
		UIDDesired:    s.config.UIDDesired,
		GIDDesired:    s.config.GIDDesired,
		Persist:       persist,
		NICs:          s.config.NICs,
	}

	var cgroupDir *os.File
	if s.config.CgroupPath != "" {
		fd, err := unix.Open(s.config.CgroupPath, unix.O_DIRECTORY|unix.O_RDONLY|unix.O_CLOEXEC, 0)
		if err != nil {
			return &os.PathError{Op: "open", Path: s.config.CgroupPath, Err: err}
		}
		cgroupDir = os.NewFile(uintptr(fd), s.config.CgroupPath)
		defer cgroupDir.Close()
	}

	helper, err := SpawnOuterHelper(outerCfg, cgroupDir)
	if err != nil {
		return err
	}
	s.helper = helper
	defer func() {
		if Err != nil {
			helper.kill()
		}
	}()

	syncParent, syncChild, err := utils.NewSockPair("sync")
	if err != nil {
		return fmt.Errorf("sync socketpair: %w", err)
	}
	defer syncChild.Close()
	s.sync = syncParent

	cmd := exec.Command("/proc/self/exe", append([]string{"init", "--"}, payload...)...)
	cmd.ExtraFiles = []*os.File{syncChild}
	cmd.Env = append(os.Environ(), fmt.Sprintf("%s=%d", SyncPipeEnv, stdioFdCount))
	if outerCfg.UnshareUser {
		cmd.Env = append(cmd.Env, InitSetIDEnv+"=1")
	}
	if s.config.TTY {
		consoleParent, consoleChild, err := utils.NewSockPair("console")
		if err != nil {
			return fmt.Errorf("console socketpair: %w", err)
		}
		defer consoleChild.Close()
		s.console = consoleParent
		cmd.ExtraFiles = append(cmd.ExtraFiles, consoleChild)
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%d", ConsoleEnv, stdioFdCount+1))
		// Setup errors must reach the caller even before the slave is
		// dup'd onto the standard fds.
		cmd.Stderr = os.Stderr
	} else {
		cmd.Stdin = os.Stdin
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Cloneflags: ns.CloneFlags()}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start target: %w", err)
	}
	s.initCmd = cmd
	defer func() {
		if Err != nil {
			_ = cmd.Process.Kill()
			_, _ = cmd.Process.Wait()
		}
	}()
	logrus.Debugf("target process running as pid %d (namespaces: %s)", cmd.Process.Pid, nsNames(ns))

	// Unblock the privileged helper with the target's pid, and wait for
	// it to finish every setup step.
	if err := helper.SendPid(cmd.Process.Pid); err != nil {
		return err
	}
	if err := helper.Sync(); err != nil {
		return err
	}
	helper.Close()

	// Republish OK so the target may proceed to setuid and exec.
	var ok [4]byte
	binary.NativeEndian.PutUint32(ok[:], okSentinel)
	if _, err := syncParent.Write(ok[:]); err != nil {
		return fmt.Errorf("release target: %w", err)
	}

	if s.config.TTY {
		if s.tty, err = NewTTYParent(s.console); err != nil {
			return err
		}
	}
	return nil
}

// Wait relays the target's terminal (when one was allocated) until the
// target exits, reaps it, and returns its exit status.
func (s *Sandbox) Wait() (int, error) {
	if s.tty != nil {
		defer s.tty.Close()
		for {
			done, err := s.tty.Select(s.initCmd.Process.Pid)
			if err != nil {
				return 1, err
			}
			if done {
				break
			}
		}
	}
	if err := s.initCmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return 1, fmt.Errorf("wait for target: %w", err)
		}
	}
	ws, ok := s.initCmd.ProcessState.Sys().(syscall.WaitStatus)
	if !ok {
		return 1, fmt.Errorf("unexpected wait status %v", s.initCmd.ProcessState)
	}
	return utils.ExitStatus(unix.WaitStatus(ws)), nil
}

func nsNames(ns configs.Namespaces) string {
	names := make([]string, 0, len(ns))
	for _, n := range ns {
		names = append(names, configs.NsName(n.Type))
	}
	return strings.Join(names, ",")
}
