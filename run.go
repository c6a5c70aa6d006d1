package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/moby/sys/userns"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/nsbox-dev/nsbox/libsandbox"
	"github.com/nsbox-dev/nsbox/libsandbox/configs"
	"github.com/nsbox-dev/nsbox/libsandbox/idmap"
)

var runCommand = cli.Command{
	Name:      "run",
	Usage:     "run a command inside fresh namespaces",
	ArgsUsage: `[command options] -- <command> [args...]`,
	Flags: []cli.Flag{
		cli.StringSliceFlag{
			Name:  "unshare",
			Usage: "namespace to unshare: user, mnt, net, pid, uts, ipc, cgroup, time (repeatable; default: all)",
		},
		cli.StringSliceFlag{
			Name:  "persist",
			Usage: "persist a namespace file as <ns>=<path> (repeatable)",
		},
		cli.StringSliceFlag{
			Name:  "map-uid",
			Usage: "add a uid mapping as <inner>:<outer>:<length> (repeatable)",
		},
		cli.StringSliceFlag{
			Name:  "map-gid",
			Usage: "add a gid mapping as <inner>:<outer>:<length> (repeatable)",
		},
		cli.StringSliceFlag{
			Name:  "nic",
			Usage: "create an interface as <name>,<type>[,<key>=<value>...] (repeatable)",
		},
		cli.StringFlag{
			Name:  "cgroup",
			Usage: "cgroup v2 directory whose nsbox.<pid> sub-cgroup is reaped once it empties",
		},
		cli.BoolFlag{
			Name:  "tty",
			Usage: "allocate a pseudo-terminal for the command",
		},
	},
	Action: func(context *cli.Context) error {
		payload := context.Args()
		if len(payload) > 0 && payload[0] == "--" {
			payload = payload[1:]
		}
		if len(payload) == 0 {
			return fmt.Errorf("run: no command given")
		}

		config, err := buildConfig(context)
		if err != nil {
			return err
		}
		if userns.RunningInUserNS() {
			logrus.Debug("already running inside a user namespace")
		}

		sandbox := libsandbox.New(config)
		if err := sandbox.Start(payload); err != nil {
			return err
		}
		status, err := sandbox.Wait()
		if err != nil {
			return err
		}
		return cli.NewExitError("", status)
	},
}

func buildConfig(context *cli.Context) (*configs.Config, error) {
	namespaces, err := parseNamespaces(context.StringSlice("unshare"), context.StringSlice("persist"))
	if err != nil {
		return nil, err
	}
	uidDesired, err := parseIDMapFlags(context.StringSlice("map-uid"))
	if err != nil {
		return nil, err
	}
	gidDesired, err := parseIDMapFlags(context.StringSlice("map-gid"))
	if err != nil {
		return nil, err
	}
	nics, err := parseNICFlags(context.StringSlice("nic"))
	if err != nil {
		return nil, err
	}
	return &configs.Config{
		Namespaces: namespaces,
		UIDDesired: uidDesired,
		GIDDesired: gidDesired,
		NICs:       nics,
		CgroupPath: context.String("cgroup"),
		TTY:        context.Bool("tty"),
	}, nil
}

func parseNamespaces(unshare, persist []string) (configs.Namespaces, error) {
	var namespaces configs.Namespaces
	if len(unshare) == 0 {
		for _, t := range configs.NamespaceTypes() {
			namespaces = append(namespaces, configs.Namespace{Type: t})
		}
	} else {
		for _, name := range unshare {
			t, ok := configs.NamespaceByName(name)
			if !ok {
				return nil, fmt.Errorf("unknown namespace type %q", name)
			}
			if namespaces.Contains(t) {
				continue
			}
			namespaces = append(namespaces, configs.Namespace{Type: t})
		}
	}
	for _, spec := range persist {
		name, path, ok := strings.Cut(spec, "=")
		if !ok || path == "" {
			return nil, fmt.Errorf("malformed persist spec %q (want <ns>=<path>)", spec)
		}
		t, ok := configs.NamespaceByName(name)
		if !ok {
			return nil, fmt.Errorf("unknown namespace type %q", name)
		}
		found := false
		for i := range namespaces {
			if namespaces[i].Type == t {
				namespaces[i].Persist = path
				found = true
			}
		}
		if !found {
			return nil, fmt.Errorf("cannot persist %s: namespace is not being unshared", name)
		}
	}
	return namespaces, nil
}

func parseIDMapFlags(specs []string) (idmap.Map, error) {
	var m idmap.Map
	for _, spec := range specs {
		fields := strings.Split(spec, ":")
		if len(fields) != 3 {
			return nil, fmt.Errorf("malformed id mapping %q (want <inner>:<outer>:<length>)", spec)
		}
		var vals [3]uint32
		for i, f := range fields {
			v, err := strconv.ParseUint(f, 10, 32)
			if err != nil {
				return nil, fmt.Errorf("malformed id mapping %q: %w", spec, err)
			}
			vals[i] = uint32(v)
		}
		m = append(m, idmap.Range{Inner: vals[0], Outer: vals[1], Length: vals[2]})
	}
	return m, nil
}

func parseNICFlags(specs []string) ([]configs.NIC, error) {
	var nics []configs.NIC
	for _, spec := range specs {
		fields := strings.Split(spec, ",")
		if len(fields) < 2 || fields[0] == "" || fields[1] == "" {
			return nil, fmt.Errorf("malformed nic spec %q (want <name>,<type>[,<key>=<value>...])", spec)
		}
		nic := configs.NIC{Name: fields[0], Type: fields[1]}
		for _, opt := range fields[2:] {
			key, value, ok := strings.Cut(opt, "=")
			if !ok {
				return nil, fmt.Errorf("malformed nic option %q in %q", opt, spec)
			}
			switch key {
			case "link":
				nic.Link = value
			case "mode":
				nic.Mode = value
			case "peer":
				nic.PeerName = value
			case "address":
				nic.Address = value
			case "mtu":
				mtu, err := strconv.Atoi(value)
				if err != nil {
					return nil, fmt.Errorf("malformed nic mtu %q in %q", value, spec)
				}
				nic.MTU = mtu
			default:
				return nil, fmt.Errorf("unknown nic option %q in %q", key, spec)
			}
		}
		nics = append(nics, nic)
	}
	return nics, nil
}
