package main

import (
	"reflect"
	"testing"

	"github.com/nsbox-dev/nsbox/libsandbox/configs"
	"github.com/nsbox-dev/nsbox/libsandbox/idmap"
)

func TestParseIDMapFlags(t *testing.T) {
	got, err := parseIDMapFlags([]string{"0:1000:1", "1:100000:65536"})
	if err != nil {
		t.Fatal(err)
	}
	want := idmap.Map{
		{Inner: 0, Outer: 1000, Length: 1},
		{Inner: 1, Outer: 100000, Length: 65536},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}

	for _, bad := range []string{"0:1000", "0:1000:1:2", "a:b:c", "0:1000:4294967296"} {
		if _, err := parseIDMapFlags([]string{bad}); err == nil {
			t.Errorf("expected %q to be rejected", bad)
		}
	}
}

func TestParseNICFlags(t *testing.T) {
	got, err := parseNICFlags([]string{"eth0,macvlan,link=eno1,mode=bridge,mtu=1400"})
	if err != nil {
		t.Fatal(err)
	}
	want := []configs.NIC{{
		Name: "eth0",
		Type: "macvlan",
		Link: "eno1",
		Mode: "bridge",
		MTU:  1400,
	}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("expected %+v, got %+v", want, got)
	}

	for _, bad := range []string{"eth0", "eth0,dummy,bogus", "eth0,dummy,mtu=x", "eth0,dummy,color=red"} {
		if _, err := parseNICFlags([]string{bad}); err == nil {
			t.Errorf("expected %q to be rejected", bad)
		}
	}
}

func TestParseNamespacesDefaultsToAll(t *testing.T) {
	ns, err := parseNamespaces(nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(ns) != len(configs.NamespaceTypes()) {
		t.Errorf("expected all namespaces by default, got %v", ns)
	}
}

func TestParseNamespacesPersist(t *testing.T) {
	ns, err := parseNamespaces([]string{"net"}, []string{"net=/tmp/netns"})
	if err != nil {
		t.Fatal(err)
	}
	if len(ns) != 1 || ns[0].Type != configs.NEWNET || ns[0].Persist != "/tmp/netns" {
		t.Errorf("unexpected namespaces %v", ns)
	}

	if _, err := parseNamespaces([]string{"net"}, []string{"pid=/tmp/pidns"}); err == nil {
		t.Error("expected persisting a namespace that is not unshared to fail")
	}
	if _, err := parseNamespaces(nil, []string{"bogus=/tmp/x"}); err == nil {
		t.Error("expected an unknown namespace name to fail")
	}
	if _, err := parseNamespaces(nil, []string{"netns"}); err == nil {
		t.Error("expected a persist spec without a path to fail")
	}
}
