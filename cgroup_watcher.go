package main

import (
	"fmt"
	"strconv"

	"github.com/urfave/cli"

	"github.com/nsbox-dev/nsbox/libsandbox"
	"github.com/nsbox-dev/nsbox/libsandbox/cgroups"
)

var cgroupWatcherCommand = cli.Command{
	Name:      "cgroup-watcher",
	Hidden:    true,
	HideHelp:  true,
	Usage:     "cgroup lifetime watcher, do not call it outside nsbox",
	ArgsUsage: "<root-pid>",
	Action: func(context *cli.Context) error {
		dir, err := libsandbox.FileFromEnv(libsandbox.CgroupDirEnv)
		if err != nil {
			return err
		}
		rootPid, err := strconv.Atoi(context.Args().First())
		if err != nil {
			return fmt.Errorf("cgroup watcher: bad root pid %q", context.Args().First())
		}
		return cgroups.Watch(int(dir.Fd()), rootPid)
	},
}
