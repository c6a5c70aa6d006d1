package utils

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/nsbox-dev/nsbox/internal/linux"
)

// MaxNameLen is the maximum length of the name of a file descriptor
// being sent using SendFile. The name of the file handle returned by
// RecvFile will never be larger than this value.
const MaxNameLen = 4096

// oobSpace is the size of the oob slice required to store one file
// descriptor. Note that unix.UnixRights appears to make the assumption
// that fd is always int32, so sizeof(fd) = 4.
var oobSpace = unix.CmsgSpace(4)

// RecvFile waits for a file descriptor to be sent over the given unix
// socket. The file name of the remote file descriptor will be recreated
// locally (it is sent as non-auxiliary data in the same payload). The
// first control message must be a SCM_RIGHTS message carrying exactly
// one descriptor; anything else is an error.
func RecvFile(socket *os.File) (_ *os.File, Err error) {
	name := make([]byte, MaxNameLen)
	oob := make([]byte, oobSpace)

	sockfd := socket.Fd()
	n, oobn, err := linux.Recvmsg(int(sockfd), name, oob, unix.MSG_CMSG_CLOEXEC)
	if err != nil {
		return nil, err
	}
	if n >= MaxNameLen || oobn != oobSpace {
		return nil, fmt.Errorf("recvfile: incorrect number of bytes read (n=%d oobn=%d)", n, oobn)
	}
	// Truncate the name so we only handle the bytes we read.
	name = name[:n]
	oob = oob[:oobn]

	scms, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, err
	}

	// We cannot control how many SCM_RIGHTS we receive, and upon receiving
	// them all of the descriptors are installed in our fd table, so we
	// need to parse all of the SCM_RIGHTS we received in order to close
	// all of the descriptors on error.
	var fds []int
	for _, scm := range scms {
		if scm.Header.Level != unix.SOL_SOCKET || scm.Header.Type != unix.SCM_RIGHTS {
			return nil, fmt.Errorf("recvfile: control message is not SCM_RIGHTS (level=%d type=%d)",
				scm.Header.Level, scm.Header.Type)
		}
		scmFds, err := unix.ParseUnixRights(&scm)
		if err != nil {
			return nil, err
		}
		fds = append(fds, scmFds...)
	}
	defer func() {
		if Err != nil {
			for _, fd := range fds {
				_ = unix.Close(fd)
			}
		}
	}()

	if len(scms) != 1 {
		return nil, fmt.Errorf("recvfile: expected a single control message, got %d", len(scms))
	}
	if len(fds) != 1 {
		return nil, fmt.Errorf("recvfile: expected a single fd, got %d", len(fds))
	}
	return os.NewFile(uintptr(fds[0]), string(name)), nil
}

// SendFile sends a file over the given unix socket.
func SendFile(socket *os.File, file *os.File) error {
	name := file.Name()
	if len(name) >= MaxNameLen {
		return fmt.Errorf("sendfile: filename too long: %s", name)
	}
	return SendRawFd(socket, name, file.Fd())
}

// SendRawFd sends a specific file descriptor over the given unix
// socket, with msg as the non-ancillary payload. The receiver treats
// the payload as opaque.
func SendRawFd(socket *os.File, msg string, fd uintptr) error {
	oob := unix.UnixRights(int(fd))
	return linux.Sendmsg(int(socket.Fd()), []byte(msg), oob, nil, 0)
}
