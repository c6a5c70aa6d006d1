package main

import (
	"github.com/urfave/cli"

	"github.com/nsbox-dev/nsbox/libsandbox"
)

var outerHelperCommand = cli.Command{
	Name:     "outer-helper",
	Hidden:   true,
	HideHelp: true,
	Usage:    "privileged setup helper, do not call it outside nsbox",
	Action: func(context *cli.Context) error {
		pipe, err := libsandbox.FileFromEnv(libsandbox.OuterPipeEnv)
		if err != nil {
			return err
		}
		return libsandbox.RunOuterHelper(pipe)
	},
}
