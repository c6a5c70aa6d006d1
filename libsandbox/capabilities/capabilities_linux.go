//go:build linux

// Package capabilities implements the scoped raise/drop of effective
// capabilities around individual privileged syscalls. The process keeps
// its permitted set untouched at all times; only the effective set moves.
package capabilities

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/moby/sys/capability"
)

// The capabilities the privileged setup path ever raises.
const (
	Setuid      = capability.CAP_SETUID
	Setgid      = capability.CAP_SETGID
	DacOverride = capability.CAP_DAC_OVERRIDE
	NetAdmin    = capability.CAP_NET_ADMIN
	SysAdmin    = capability.CAP_SYS_ADMIN
	SysPtrace   = capability.CAP_SYS_PTRACE
)

func load() (capability.Capabilities, error) {
	caps, err := capability.NewPid2(0)
	if err != nil {
		return nil, err
	}
	if err := caps.Load(); err != nil {
		return nil, err
	}
	return caps, nil
}

// MakeCapable raises the listed capabilities into the effective set of
// the calling OS thread. Every listed capability must already be in the
// permitted set.
func MakeCapable(want ...capability.Cap) error {
	caps, err := load()
	if err != nil {
		return fmt.Errorf("make capable: %w", err)
	}
	for _, c := range want {
		if !caps.Get(capability.PERMITTED, c) {
			return fmt.Errorf("make capable: CAP_%s is not in the permitted set", strings.ToUpper(c.String()))
		}
	}
	caps.Set(capability.EFFECTIVE, want...)
	if err := caps.Apply(capability.CAPS); err != nil {
		return fmt.Errorf("make capable: %w", err)
	}
	return nil
}

// Reset drops every effective capability of the calling OS thread,
// returning it to the permitted-only state.
func Reset() error {
	caps, err := load()
	if err != nil {
		return fmt.Errorf("reset capabilities: %w", err)
	}
	caps.Clear(capability.EFFECTIVE)
	if err := caps.Apply(capability.CAPS); err != nil {
		return fmt.Errorf("reset capabilities: %w", err)
	}
	return nil
}

// Raised runs fn with the listed capabilities raised, and drops them
// again on every return path, error included. The drop error wins only
// when fn itself succeeded. The goroutine stays on one OS thread
// throughout, since capability sets are per thread.
func Raised(want []capability.Cap, fn func() error) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	if err := MakeCapable(want...); err != nil {
		return err
	}
	fnErr := fn()
	if err := Reset(); err != nil && fnErr == nil {
		return err
	}
	return fnErr
}
