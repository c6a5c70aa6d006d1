package main

import (
	"github.com/urfave/cli"

	"github.com/nsbox-dev/nsbox/libsandbox"
)

var initCommand = cli.Command{
	Name:            "init",
	Hidden:          true,
	HideHelp:        true,
	SkipFlagParsing: true,
	Usage:           "target process bootstrap, do not call it outside nsbox",
	Action: func(context *cli.Context) error {
		payload := context.Args()
		if len(payload) > 0 && payload[0] == "--" {
			payload = payload[1:]
		}
		return libsandbox.RunInit(payload)
	},
}
