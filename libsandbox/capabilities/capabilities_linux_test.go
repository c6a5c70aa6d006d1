//go:build linux

package capabilities

import (
	"errors"
	"runtime"
	"testing"

	"github.com/moby/sys/capability"
)

func TestRaisedRunsAndResets(t *testing.T) {
	ran := false
	if err := Raised(nil, func() error {
		ran = true
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if !ran {
		t.Fatal("expected the closure to run")
	}
}

func TestRaisedPropagatesError(t *testing.T) {
	want := errors.New("boom")
	err := Raised(nil, func() error { return want })
	if !errors.Is(err, want) {
		t.Errorf("expected the closure error, got %v", err)
	}
}

func TestEffectiveDroppedAfterReset(t *testing.T) {
	// Capability sets are per thread; read back on the thread Reset ran on.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	if err := Reset(); err != nil {
		t.Fatal(err)
	}
	caps, err := capability.NewPid2(0)
	if err != nil {
		t.Fatal(err)
	}
	if err := caps.Load(); err != nil {
		t.Fatal(err)
	}
	for _, c := range []capability.Cap{Setuid, Setgid, DacOverride, NetAdmin, SysAdmin, SysPtrace} {
		if caps.Get(capability.EFFECTIVE, c) {
			t.Errorf("expected CAP %v to be dropped from the effective set", c)
		}
	}
}
