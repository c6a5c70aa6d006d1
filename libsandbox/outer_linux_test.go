package libsandbox

import (
	"bytes"
	"errors"
	"io"
	"os/exec"
	"reflect"
	"testing"

	"github.com/nsbox-dev/nsbox/libsandbox/configs"
	"github.com/nsbox-dev/nsbox/libsandbox/idmap"
	"github.com/nsbox-dev/nsbox/libsandbox/utils"
)

func TestBootstrapRoundTrip(t *testing.T) {
	cfg := &configs.OuterConfig{
		UnshareUser:   true,
		UnshareNet:    true,
		CgroupEnabled: false,
		RootPid:       4321,
		UIDDesired:    idmap.Map{{Inner: 0, Outer: 1000, Length: 1}},
		Persist:       map[string]string{"net": "/tmp/netns"},
		NICs:          []configs.NIC{{Name: "eth0", Type: "macvlan", Link: "eno1"}},
	}
	var buf bytes.Buffer
	if err := writeBootstrap(&buf, cfg); err != nil {
		t.Fatal(err)
	}
	got, err := readBootstrap(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, cfg) {
		t.Errorf("bootstrap round trip changed the config: %+v != %+v", got, cfg)
	}
}

func TestReadPidShortRead(t *testing.T) {
	// A truncated pid means the launcher died mid-write.
	_, err := readPid(bytes.NewReader([]byte{1, 2}))
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected unexpected EOF, got %v", err)
	}
}

func TestSendPidReadPid(t *testing.T) {
	parent, child, err := utils.NewSockPair("outer-test")
	if err != nil {
		t.Fatal(err)
	}
	defer parent.Close()
	defer child.Close()

	h := &OuterHelper{file: parent}
	if err := h.SendPid(12345); err != nil {
		t.Fatal(err)
	}
	pid, err := readPid(child)
	if err != nil {
		t.Fatal(err)
	}
	if pid != 12345 {
		t.Errorf("expected pid 12345, got %d", pid)
	}
}

func TestSyncHelperDied(t *testing.T) {
	parent, child, err := utils.NewSockPair("outer-test")
	if err != nil {
		t.Fatal(err)
	}
	defer parent.Close()

	cmd := exec.Command("true")
	if err := cmd.Start(); err != nil {
		t.Fatal(err)
	}
	defer cmd.Wait()

	h := &OuterHelper{cmd: cmd, file: parent}
	// The helper end closing without an OK is how a dead helper looks.
	child.Close()
	if err := h.Sync(); err == nil {
		t.Fatal("expected sync to fail when the helper died")
	}
}
