package idmap

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// identityProcMap is what /proc/self/[ug]id_map reads in the initial
// user namespace.
const identityProcMap = "         0          0 4294967295\n"

func TestMakeDefaultMap(t *testing.T) {
	subuid := writeFile(t, "subuid", "1000:100000:65536\n")
	procmap := writeFile(t, "uid_map", identityProcMap)

	got, err := Make("uid", subuid, procmap, ID{ID: 1000, Name: "alice"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	want := "0 1000 1\n1 100000 65536\n"
	if got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

func TestMakeDesiredWithinAllowed(t *testing.T) {
	subuid := writeFile(t, "subuid", "1000:100000:65536\n")
	procmap := writeFile(t, "uid_map", identityProcMap)

	desired := Map{
		{Inner: 0, Outer: 1000, Length: 1},
		{Inner: 1, Outer: 100000, Length: 5},
	}
	got, err := Make("uid", subuid, procmap, ID{ID: 1000}, desired)
	if err != nil {
		t.Fatal(err)
	}
	want := "0 1000 1\n1 100000 5\n"
	if got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

func TestMakeDesiredOutsideAllowed(t *testing.T) {
	subuid := writeFile(t, "subuid", "1000:100000:65536\n")
	procmap := writeFile(t, "uid_map", identityProcMap)

	desired := Map{
		{Inner: 0, Outer: 0, Length: 1},
		{Inner: 1, Outer: 1, Length: 10},
	}
	_, err := Make("uid", subuid, procmap, ID{ID: 1000}, desired)
	if err == nil {
		t.Fatal("expected an error for ids outside the allowed ranges")
	}
	if !strings.Contains(err.Error(), "not in the uids allowed in "+subuid) {
		t.Errorf("unexpected error message %q", err)
	}
}

func TestMakeTooManyIDs(t *testing.T) {
	subuid := writeFile(t, "subuid", "1000:0:4294967295\n")
	procmap := writeFile(t, "uid_map", identityProcMap)

	desired := Map{{Inner: 0, Outer: 0, Length: 4294967295}}
	_, err := Make("uid", subuid, procmap, ID{ID: 1000}, desired)
	if err == nil {
		t.Fatal("expected an error for too many ids")
	}
	if !strings.Contains(err.Error(), "too many uids to map") {
		t.Errorf("unexpected error message %q", err)
	}
}

func TestMakeRelocatesThroughCurrentMap(t *testing.T) {
	// The caller already lives in a user namespace whose id 0 is host id
	// 1000 and whose ids 1..65536 are host 100000 onwards.
	subuid := writeFile(t, "subgid", "0:1:65536\n")
	procmap := writeFile(t, "gid_map", "0 1000 1\n1 100000 65536\n")

	got, err := Make("gid", subuid, procmap, ID{ID: 0}, nil)
	if err != nil {
		t.Fatal(err)
	}
	// Caller-relative id 0 becomes host 1000, caller-relative 1..65536
	// become host 100000 onwards.
	want := "0 1000 1\n1 100000 65536\n"
	if got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

func TestMakeMalformedProcMap(t *testing.T) {
	subuid := writeFile(t, "subuid", "1000:100000:65536\n")
	procmap := writeFile(t, "uid_map", "0 0 10\n5 100 10\n")

	if _, err := Make("uid", subuid, procmap, ID{ID: 1000}, nil); err == nil {
		t.Fatal("expected an overlapping current map to be rejected")
	}
}
