package utils

import (
	"os"
	"testing"

	"golang.org/x/sys/unix"
)

func TestSendRecvFile(t *testing.T) {
	parent, child, err := NewSockPair("test")
	if err != nil {
		t.Fatal(err)
	}
	defer parent.Close()
	defer child.Close()

	f, err := os.Open(os.DevNull)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	if err := SendFile(child, f); err != nil {
		t.Fatalf("SendFile: %v", err)
	}
	recv, err := RecvFile(parent)
	if err != nil {
		t.Fatalf("RecvFile: %v", err)
	}
	defer recv.Close()

	if recv.Name() != os.DevNull {
		t.Errorf("expected received name %q, got %q", os.DevNull, recv.Name())
	}

	var sent, got unix.Stat_t
	if err := unix.Fstat(int(f.Fd()), &sent); err != nil {
		t.Fatal(err)
	}
	if err := unix.Fstat(int(recv.Fd()), &got); err != nil {
		t.Fatal(err)
	}
	if sent.Dev != got.Dev || sent.Ino != got.Ino {
		t.Errorf("received fd does not reference the sent file: %v != %v", got, sent)
	}
}

func TestRecvFileClosedSocket(t *testing.T) {
	parent, child, err := NewSockPair("test")
	if err != nil {
		t.Fatal(err)
	}
	defer parent.Close()
	child.Close()

	if _, err := RecvFile(parent); err == nil {
		t.Fatal("expected an error when the peer closed without sending")
	}
}

func TestRecvFileNoAncillary(t *testing.T) {
	parent, child, err := NewSockPair("test")
	if err != nil {
		t.Fatal(err)
	}
	defer parent.Close()
	defer child.Close()

	if _, err := child.Write([]byte("x")); err != nil {
		t.Fatal(err)
	}
	if _, err := RecvFile(parent); err == nil {
		t.Fatal("expected an error when no descriptor was passed")
	}
}
