//go:build linux

package configs

import "golang.org/x/sys/unix"

type NamespaceType string

const (
	NEWUSER   NamespaceType = "NEWUSER"
	NEWNS     NamespaceType = "NEWNS"
	NEWNET    NamespaceType = "NEWNET"
	NEWPID    NamespaceType = "NEWPID"
	NEWUTS    NamespaceType = "NEWUTS"
	NEWIPC    NamespaceType = "NEWIPC"
	NEWCGROUP NamespaceType = "NEWCGROUP"
	NEWTIME   NamespaceType = "NEWTIME"
)

// nsInfo maps each namespace type to its stable short name (the name
// used under /proc/<pid>/ns, which nsenter relies on) and its clone flag.
var nsInfo = map[NamespaceType]struct {
	name string
	flag int
}{
	NEWUSER:   {"user", unix.CLONE_NEWUSER},
	NEWNS:     {"mnt", unix.CLONE_NEWNS},
	NEWNET:    {"net", unix.CLONE_NEWNET},
	NEWPID:    {"pid", unix.CLONE_NEWPID},
	NEWUTS:    {"uts", unix.CLONE_NEWUTS},
	NEWIPC:    {"ipc", unix.CLONE_NEWIPC},
	NEWCGROUP: {"cgroup", unix.CLONE_NEWCGROUP},
	NEWTIME:   {"time", unix.CLONE_NEWTIME},
}

// NamespaceTypes returns all namespace types in a stable order.
func NamespaceTypes() []NamespaceType {
	return []NamespaceType{
		NEWUSER,
		NEWNS,
		NEWNET,
		NEWPID,
		NEWUTS,
		NEWIPC,
		NEWCGROUP,
		NEWTIME,
	}
}

// NsName converts the namespace type to its /proc/<pid>/ns file name.
func NsName(ns NamespaceType) string {
	return nsInfo[ns].name
}

// IsNamespaceSupported reports whether the namespace short name is known.
func IsNamespaceSupported(name string) bool {
	for _, ns := range NamespaceTypes() {
		if NsName(ns) == name {
			return true
		}
	}
	return false
}

// NamespaceByName returns the namespace type for the given short name.
func NamespaceByName(name string) (NamespaceType, bool) {
	for _, ns := range NamespaceTypes() {
		if NsName(ns) == name {
			return ns, true
		}
	}
	return "", false
}

type Namespace struct {
	Type NamespaceType `json:"type"`
	// Persist, if non-empty, is a host path the namespace file should be
	// bind-mounted onto once the target process exists.
	Persist string `json:"persist,omitempty"`
}

func (n *Namespace) Syscall() int {
	return nsInfo[n.Type].flag
}

type Namespaces []Namespace

// CloneFlags parses the namespace set into the flag argument for
// clone/unshare.
func (n Namespaces) CloneFlags() uintptr {
	var flag int
	for _, v := range n {
		flag |= nsInfo[v.Type].flag
	}
	return uintptr(flag)
}

// Contains reports whether the set requests a namespace of type t.
func (n Namespaces) Contains(t NamespaceType) bool {
	for _, v := range n {
		if v.Type == t {
			return true
		}
	}
	return false
}

// PersistPaths returns the requested persist destinations, indexed by
// namespace type. Namespaces without a persist path are left out.
func (n Namespaces) PersistPaths() map[NamespaceType]string {
	paths := make(map[NamespaceType]string)
	for _, v := range n {
		if v.Persist != "" {
			paths[v.Type] = v.Persist
		}
	}
	return paths
}
