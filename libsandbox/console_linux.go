package libsandbox

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/containerd/console"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/nsbox-dev/nsbox/internal/linux"
	"github.com/nsbox-dev/nsbox/libsandbox/utils"
)

// spliceLen is how much each relay edge moves per pass.
const spliceLen = 1024

// Slots of the relay's fixed poll tables.
const (
	rStdin = iota
	rTerm
	rSig
	rInPipe
	rOutPipe
	rNfds
)

const (
	wStdout = iota
	wTerm
	wInPipe
	wOutPipe
	wNfds
)

// rawTermios computes the raw-mode state for the launcher's stdin. The
// output flags are kept as they were so post-processing such as ONLCR
// still applies to whatever the launcher itself prints.
func rawTermios(orig unix.Termios) unix.Termios {
	raw := orig
	raw.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP |
		unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	raw.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	raw.Cflag &^= unix.CSIZE | unix.PARENB
	raw.Cflag |= unix.CS8
	raw.Cc[unix.VMIN] = 1
	raw.Cc[unix.VTIME] = 0
	return raw
}

// TTYParent is the launcher half of the pty relay. It receives the pty
// master allocated inside the sandbox and splices it to the launcher's
// stdio in raw mode, forwarding signals and window-size changes to the
// target process. Closing it restores the caller's terminal; a process
// constructs at most one.
type TTYParent struct {
	term    console.Console
	stdin   console.Console
	sigR    *os.File
	sigW    *os.File
	sigCh   chan os.Signal
	inPipe  [2]int
	outPipe [2]int
	rfds    [rNfds]unix.PollFd
	wfds    [wNfds]unix.PollFd
	orig    unix.Termios
	isTTY   bool
}

// NewTTYParent puts the launcher's stdin in raw mode (keeping the
// original output flags so post-processing such as ONLCR is untouched),
// waits for the sandbox side to pass the pty master over socket, and
// wires up the relay plumbing.
func NewTTYParent(socket *os.File) (_ *TTYParent, Err error) {
	t := &TTYParent{}
	defer func() {
		if Err != nil {
			t.Close()
		}
	}()

	if tios, err := unix.IoctlGetTermios(int(os.Stdin.Fd()), unix.TCGETS); err == nil {
		t.isTTY = true
		t.orig = *tios
		raw := rawTermios(*tios)
		if err := unix.IoctlSetTermios(int(os.Stdin.Fd()), unix.TCSETS, &raw); err != nil {
			return nil, fmt.Errorf("tty parent: set raw mode: %w", err)
		}
		if t.stdin, err = console.ConsoleFromFile(os.Stdin); err != nil {
			return nil, fmt.Errorf("tty parent: %w", err)
		}
	}

	// Wait for the sandbox side to create the pty pair and pass the
	// master back.
	master, err := utils.RecvFile(socket)
	if err != nil {
		return nil, fmt.Errorf("tty parent: receive master: %w", err)
	}
	if t.term, err = console.ConsoleFromFile(master); err != nil {
		return nil, fmt.Errorf("tty parent: %w", err)
	}
	// Turn off output post-processing on the master, otherwise the
	// relayed stream picks up ^Ms.
	tios, err := unix.IoctlGetTermios(int(t.term.Fd()), unix.TCGETS)
	if err != nil {
		return nil, fmt.Errorf("tty parent: master termios: %w", err)
	}
	tios.Oflag &^= unix.OPOST
	if err := unix.IoctlSetTermios(int(t.term.Fd()), unix.TCSETSF, tios); err != nil {
		return nil, fmt.Errorf("tty parent: master termios: %w", err)
	}

	// Drain every catchable signal through a pipe so it composes with
	// poll below.
	if t.sigR, t.sigW, err = os.Pipe(); err != nil {
		return nil, fmt.Errorf("tty parent: signal pipe: %w", err)
	}
	t.sigCh = make(chan os.Signal, 32)
	signal.Notify(t.sigCh)
	go func() {
		var buf [4]byte
		for s := range t.sigCh {
			sig, ok := s.(unix.Signal)
			if !ok {
				continue
			}
			binary.NativeEndian.PutUint32(buf[:], uint32(sig))
			if _, err := t.sigW.Write(buf[:]); err != nil {
				return
			}
		}
	}()

	// The pipes decouple the blocking stdio fds from the master so data
	// moves kernel-buffer to kernel-buffer.
	if err := unix.Pipe2(t.inPipe[:], unix.O_CLOEXEC); err != nil {
		return nil, fmt.Errorf("tty parent: pipe: %w", err)
	}
	if err := unix.Pipe2(t.outPipe[:], unix.O_CLOEXEC); err != nil {
		return nil, fmt.Errorf("tty parent: pipe: %w", err)
	}

	if flags, err := unix.FcntlInt(os.Stdout.Fd(), unix.F_GETFL, 0); err == nil {
		_, _ = unix.FcntlInt(os.Stdout.Fd(), unix.F_SETFL, flags&^unix.O_APPEND)
	}

	t.rfds = [rNfds]unix.PollFd{
		rStdin:   {Fd: int32(os.Stdin.Fd()), Events: unix.POLLIN},
		rTerm:    {Fd: int32(t.term.Fd()), Events: unix.POLLIN},
		rSig:     {Fd: int32(t.sigR.Fd()), Events: unix.POLLIN},
		rInPipe:  {Fd: int32(t.inPipe[0]), Events: unix.POLLIN},
		rOutPipe: {Fd: int32(t.outPipe[0]), Events: unix.POLLIN},
	}
	t.wfds = [wNfds]unix.PollFd{
		wStdout:  {Fd: int32(os.Stdout.Fd()), Events: unix.POLLOUT},
		wTerm:    {Fd: int32(t.term.Fd()), Events: unix.POLLOUT},
		wInPipe:  {Fd: int32(t.inPipe[1]), Events: unix.POLLOUT},
		wOutPipe: {Fd: int32(t.outPipe[1]), Events: unix.POLLOUT},
	}

	if t.isTTY {
		if err := t.setWinsize(); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Close tears the relay down and restores the caller's terminal state
// to the snapshot taken at setup.
func (t *TTYParent) Close() error {
	if t.sigCh != nil {
		signal.Stop(t.sigCh)
		close(t.sigCh)
	}
	if t.sigR != nil {
		t.sigR.Close()
		t.sigW.Close()
	}
	for _, p := range [][2]int{t.inPipe, t.outPipe} {
		for _, fd := range p {
			if fd > 0 {
				_ = unix.Close(fd)
			}
		}
	}
	if t.term != nil {
		t.term.Close()
	}
	if t.isTTY {
		if err := unix.IoctlSetTermios(int(os.Stdin.Fd()), unix.TCSETSW, &t.orig); err != nil {
			return fmt.Errorf("tty parent: restore termios: %w", err)
		}
	}
	return nil
}

// setWinsize copies the caller's window size onto the master.
func (t *TTYParent) setWinsize() error {
	size, err := t.stdin.Size()
	if err != nil {
		return fmt.Errorf("tty parent: read window size: %w", err)
	}
	if err := t.term.Resize(size); err != nil {
		return fmt.Errorf("tty parent: write window size: %w", err)
	}
	return nil
}

// handleSignal consumes signals the relay owns; anything it does not
// handle is forwarded to the target by the caller.
func (t *TTYParent) handleSignal(sig unix.Signal) bool {
	if sig == unix.SIGWINCH {
		if !t.isTTY {
			return false
		}
		if err := t.setWinsize(); err != nil {
			logrus.Warnf("%v", err)
		}
		return true
	}
	return false
}

// dropRead takes a read slot out of the poll set.
func (t *TTYParent) dropRead(slot int) { t.rfds[slot].Fd = -1 }

// dropWrite takes a write slot out of the poll set.
func (t *TTYParent) dropWrite(slot int) { t.wfds[slot].Fd = -1 }

func readable(p unix.PollFd) bool { return p.Fd >= 0 && p.Revents&unix.POLLIN != 0 }
func writable(p unix.PollFd) bool { return p.Fd >= 0 && p.Revents&unix.POLLOUT != 0 }

// Select runs one pass of the relay: it waits for any of the read fds,
// snapshots write readiness, and splices at most one chunk per ready
// edge. Short transfers are not retried within a pass; the caller loops
// and polls again. It reports true once SIGCHLD was observed, at which
// point the caller reaps the target and tears the relay down.
func (t *TTYParent) Select(pid int) (bool, error) {
	n, err := unix.Poll(t.rfds[:], -1)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return false, nil
		}
		return false, os.NewSyscallError("poll", err)
	}
	if n == 0 {
		return false, nil
	}
	if n, err := unix.Poll(t.wfds[:], 0); err != nil || n <= 0 {
		return false, nil
	}

	if readable(t.rfds[rStdin]) && writable(t.wfds[wInPipe]) {
		n, err := unix.Splice(int(os.Stdin.Fd()), nil, t.inPipe[1], nil, spliceLen, 0)
		if n <= 0 {
			if err != nil {
				logrus.Warnf("reading from stdin: %v", err)
			}
			t.dropRead(rStdin)
			t.dropWrite(wInPipe)
			_ = unix.Close(t.inPipe[1])
			t.inPipe[1] = -1
		}
	}
	if readable(t.rfds[rInPipe]) && writable(t.wfds[wTerm]) {
		n, err := unix.Splice(t.inPipe[0], nil, int(t.term.Fd()), nil, spliceLen, 0)
		if n <= 0 {
			if err != nil {
				logrus.Warnf("reading from input pipe: %v", err)
			}
			t.dropRead(rInPipe)
			t.dropWrite(wTerm)
			// Input is exhausted: hand the line discipline an EOT so
			// the sandbox side sees end-of-input.
			if _, err := t.term.Write([]byte{4}); err != nil {
				logrus.Warnf("writing EOT to terminal: %v", err)
			}
		}
	}
	if readable(t.rfds[rTerm]) && writable(t.wfds[wOutPipe]) {
		n, err := unix.Splice(int(t.term.Fd()), nil, t.outPipe[1], nil, spliceLen, 0)
		if n <= 0 {
			// EIO is how a master reads once the slave side is gone.
			if err != nil && !errors.Is(err, unix.EIO) {
				logrus.Warnf("reading from terminal: %v", err)
			}
			t.dropRead(rTerm)
			t.dropWrite(wOutPipe)
			_ = unix.Close(t.outPipe[1])
			t.outPipe[1] = -1
		}
	}
	if readable(t.rfds[rOutPipe]) && writable(t.wfds[wStdout]) {
		n, err := unix.Splice(t.outPipe[0], nil, int(os.Stdout.Fd()), nil, spliceLen, 0)
		if n <= 0 {
			if err != nil {
				logrus.Warnf("reading from output pipe: %v", err)
			}
			t.dropRead(rOutPipe)
			t.dropWrite(wStdout)
		}
	}

	if readable(t.rfds[rSig]) {
		var buf [4]byte
		if _, err := t.sigR.Read(buf[:]); err == nil {
			sig := unix.Signal(binary.NativeEndian.Uint32(buf[:]))
			if !t.handleSignal(sig) {
				sigForward(sig, pid)
			}
			return sig == unix.SIGCHLD, nil
		}
	}
	return false, nil
}

// sigForward relays a signal the launcher received to the target
// process.
func sigForward(sig unix.Signal, pid int) {
	if err := linux.Kill(pid, sig); err != nil {
		logrus.Debugf("forwarding signal %d to pid %d: %v", sig, pid, err)
	}
}

// TTYChild is the sandbox half of the relay. It runs in the target
// right after namespace entry and before the payload executes: it
// allocates the pty pair, hands the master back over socket, and makes
// the slave its controlling terminal on the standard fds.
func TTYChild(socket *os.File) error {
	mfd, err := linux.Open("/dev/pts/ptmx", unix.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("tty child: open ptmx: %w", err)
	}
	if err := unix.IoctlSetPointerInt(mfd, unix.TIOCSPTLCK, 0); err != nil {
		return fmt.Errorf("tty child: unlock pty: %w", err)
	}
	sfd, err := linux.GetPtyPeer(uintptr(mfd), unix.O_RDWR|unix.O_NOCTTY)
	if err != nil {
		return fmt.Errorf("tty child: open pty peer: %w", err)
	}

	master := os.NewFile(uintptr(mfd), "/dev/pts/ptmx")
	if err := utils.SendFile(socket, master); err != nil {
		master.Close()
		return fmt.Errorf("tty child: send master: %w", err)
	}
	master.Close()

	if _, err := linux.Setsid(); err != nil {
		return fmt.Errorf("tty child: %w", err)
	}
	if err := unix.IoctlSetInt(sfd, unix.TIOCSCTTY, 0); err != nil {
		return fmt.Errorf("tty child: set controlling terminal: %w", err)
	}
	for _, std := range []int{0, 1, 2} {
		if err := linux.Dup3(sfd, std, 0); err != nil {
			return fmt.Errorf("tty child: dup slave onto fd %d: %w", std, err)
		}
	}
	if sfd > 2 {
		_ = unix.Close(sfd)
	}
	return nil
}
