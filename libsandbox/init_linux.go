package libsandbox

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/nsbox-dev/nsbox/internal/linux"
)

// FileFromEnv returns the inherited file descriptor named by the given
// environment variable.
func FileFromEnv(env string) (*os.File, error) {
	val := os.Getenv(env)
	if val == "" {
		return nil, fmt.Errorf("%s is not set", env)
	}
	fd, err := strconv.Atoi(val)
	if err != nil {
		return nil, fmt.Errorf("%s=%q is not an fd number", env, val)
	}
	return os.NewFile(uintptr(fd), env), nil
}

// RunInit is the target half of the setup protocol, entered from the
// re-executed "init" command inside the fresh namespaces. It blocks
// until the launcher confirms the privileged setup completed, assumes
// the mapped identity, optionally allocates the controlling terminal,
// and execs the payload. Nothing here may touch the process's ids
// before the confirmation arrives.
func RunInit(payload []string) error {
	syncPipe, err := FileFromEnv(SyncPipeEnv)
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}

	var buf [4]byte
	if _, err := io.ReadFull(syncPipe, buf[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			// Setup failed; the launcher already reported why.
			return ErrPeerClosed
		}
		return fmt.Errorf("init: wait for setup: %w", err)
	}
	syncPipe.Close()

	if os.Getenv(InitSetIDEnv) != "" {
		// The burned maps pin the launching user to the namespace root.
		if err := unix.Setgroups([]int{0}); err != nil {
			return fmt.Errorf("init: setgroups: %w", err)
		}
		if err := unix.Setgid(0); err != nil {
			return fmt.Errorf("init: setgid: %w", err)
		}
		if err := unix.Setuid(0); err != nil {
			return fmt.Errorf("init: setuid: %w", err)
		}
	}

	if os.Getenv(ConsoleEnv) != "" {
		consolePipe, err := FileFromEnv(ConsoleEnv)
		if err != nil {
			return fmt.Errorf("init: %w", err)
		}
		if err := TTYChild(consolePipe); err != nil {
			return err
		}
		consolePipe.Close()
	}

	if len(payload) == 0 {
		return errors.New("init: no payload to execute")
	}
	name, err := exec.LookPath(payload[0])
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}
	return linux.Exec(name, payload, os.Environ())
}
