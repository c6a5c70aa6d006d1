package idmap

import (
	"bufio"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/moby/sys/user"
)

// Paths of the subordinate id files consulted for the caller.
const (
	SubUIDFile = "/etc/subuid"
	SubGIDFile = "/etc/subgid"
)

// ID names a host user or group. Name may be empty when the id has no
// passwd/group entry; subordinate allocations then only match the
// numeric form.
type ID struct {
	ID   uint32
	Name string
}

// LoadUser builds the ID for a host uid, resolving its login name when
// one exists.
func LoadUser(uid int) ID {
	id := ID{ID: uint32(uid)}
	if u, err := user.LookupUid(uid); err == nil {
		id.Name = u.Name
	}
	return id
}

// LoadGroup builds the ID for a host gid.
func LoadGroup(gid int) ID {
	id := ID{ID: uint32(gid)}
	if g, err := user.LookupGid(gid); err == nil {
		id.Name = g.Name
	}
	return id
}

// stripComments drops blank lines and '#' comment lines so the
// remainder can be handed to the subid parser, which takes every
// remaining line at face value.
func stripComments(data []byte) string {
	var b strings.Builder
	s := bufio.NewScanner(strings.NewReader(string(data)))
	for s.Scan() {
		line := s.Text()
		if t := strings.TrimSpace(line); t == "" || strings.HasPrefix(t, "#") {
			continue
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}

// LoadSubIDs parses a subordinate id file and returns the ranges
// delegated to id, as identity ranges (inner == outer == first host id).
// Entries match when their owner field equals either the numeric id or
// its name; entries for other owners are ignored. Malformed entries and
// ranges whose end overflows uint32 fail the load.
func LoadSubIDs(path string, id ID) (Map, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	text := stripComments(data)
	// The subid parser silently skips missing, extra and non-numeric
	// fields, so the shape of every entry is checked here.
	for _, line := range strings.FieldsFunc(text, func(r rune) bool { return r == '\n' }) {
		fields := strings.Split(strings.TrimSpace(line), ":")
		ok := len(fields) == 3 && fields[0] != ""
		for _, f := range fields[1:] {
			if _, err := strconv.ParseUint(f, 10, 64); err != nil {
				ok = false
			}
		}
		if !ok {
			return nil, fmt.Errorf("parse %s: malformed entry %q", path, line)
		}
	}
	numeric := strconv.FormatUint(uint64(id.ID), 10)
	entries, err := user.ParseSubIDFilter(strings.NewReader(text), func(e user.SubID) bool {
		return e.Name == numeric || (id.Name != "" && e.Name == id.Name)
	})
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	var m Map
	for _, e := range entries {
		if e.SubID < 0 || e.Count < 0 || e.SubID+e.Count > math.MaxUint32 {
			return nil, fmt.Errorf("parse %s: range %d:%d out of uint32 bounds", path, e.SubID, e.Count)
		}
		start := uint32(e.SubID)
		m = append(m, Range{Inner: start, Outer: start, Length: uint32(e.Count)})
	}
	return m, nil
}
