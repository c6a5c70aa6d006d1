package configs

import "github.com/nsbox-dev/nsbox/libsandbox/idmap"

// Config is the launcher-side description of a sandbox: which namespaces
// to unshare, how to map ids, which interfaces to create, and whether the
// payload gets a fresh controlling terminal.
type Config struct {
	Namespaces Namespaces `json:"namespaces"`

	// UIDDesired and GIDDesired are the user-requested id maps. Inner ids
	// are authoritative; outer ids are as the calling user sees them.
	// Empty maps mean "generate a default map from /etc/sub[ug]id".
	UIDDesired idmap.Map `json:"uid_desired,omitempty"`
	GIDDesired idmap.Map `json:"gid_desired,omitempty"`

	NICs []NIC `json:"nics,omitempty"`

	// CgroupPath is a cgroup v2 directory whose nsbox.<launcher pid>
	// sub-cgroup is reaped once its last process exits. The sub-cgroup
	// must already exist; it is not created here. Empty disables the
	// lifetime watcher.
	CgroupPath string `json:"cgroup_path,omitempty"`

	// TTY allocates a pseudo-terminal inside the sandbox and relays it to
	// the launcher's stdio.
	TTY bool `json:"tty,omitempty"`
}

// OuterConfig is the bootstrap document sent to the outer helper when it
// is spawned, before any pid is known.
type OuterConfig struct {
	UnshareUser   bool      `json:"unshare_user"`
	UnshareNet    bool      `json:"unshare_net"`
	CgroupEnabled bool      `json:"cgroup_enabled"`
	RootPid       int       `json:"root_pid"`
	UIDDesired    idmap.Map `json:"uid_desired,omitempty"`
	GIDDesired    idmap.Map `json:"gid_desired,omitempty"`

	// Persist maps namespace short names to destination paths.
	Persist map[string]string `json:"persist,omitempty"`

	NICs []NIC `json:"nics,omitempty"`
}
