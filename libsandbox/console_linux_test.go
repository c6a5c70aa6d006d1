package libsandbox

import (
	"testing"

	"golang.org/x/sys/unix"
)

func TestRawTermiosKeepsOflag(t *testing.T) {
	orig := unix.Termios{
		Iflag: unix.ICRNL | unix.IXON,
		Oflag: unix.OPOST | unix.ONLCR,
		Cflag: unix.CS8 | unix.CREAD,
		Lflag: unix.ECHO | unix.ICANON | unix.ISIG,
	}
	raw := rawTermios(orig)

	if raw.Oflag != orig.Oflag {
		t.Errorf("raw mode must not disturb output flags: %#x != %#x", raw.Oflag, orig.Oflag)
	}
	if raw.Lflag&(unix.ECHO|unix.ICANON|unix.ISIG) != 0 {
		t.Errorf("expected echo and canonical mode to be off, got %#x", raw.Lflag)
	}
	if raw.Iflag&(unix.ICRNL|unix.IXON) != 0 {
		t.Errorf("expected input translation to be off, got %#x", raw.Iflag)
	}
	if raw.Cc[unix.VMIN] != 1 || raw.Cc[unix.VTIME] != 0 {
		t.Errorf("expected VMIN=1 VTIME=0, got %d %d", raw.Cc[unix.VMIN], raw.Cc[unix.VTIME])
	}
}

func TestRawTermiosRestoresBitIdentical(t *testing.T) {
	// Close restores the snapshot taken at setup; the snapshot must not
	// be aliased by the raw transformation.
	orig := unix.Termios{
		Iflag: unix.ICRNL,
		Oflag: unix.OPOST,
		Lflag: unix.ECHO,
	}
	snapshot := orig
	_ = rawTermios(orig)
	if snapshot != orig {
		t.Error("computing the raw state must not modify the snapshot")
	}
}
