package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/nsbox-dev/nsbox/libsandbox"
)

const (
	version = "0.1.0"
	usage   = `lightweight namespace sandbox launcher

nsbox runs a command inside fresh Linux namespaces without relying on
setuid helper binaries. A privileged sibling process installs the
uid/gid maps delegated to you in /etc/subuid and /etc/subgid, persists
namespace files, and creates virtual network interfaces before the
command starts; an optional pseudo-terminal is relayed back to your
terminal in raw mode.`
)

func main() {
	app := cli.NewApp()
	app.Name = "nsbox"
	app.Usage = usage
	app.Version = version
	app.Flags = []cli.Flag{
		cli.BoolFlag{
			Name:  "debug",
			Usage: "enable debug output for logging",
		},
		cli.StringFlag{
			Name:  "log-format",
			Value: "text",
			Usage: "set the format used by logs ('text' or 'json')",
		},
	}
	app.Commands = []cli.Command{
		runCommand,
		initCommand,
		outerHelperCommand,
		cgroupWatcherCommand,
	}
	app.Before = func(context *cli.Context) error {
		if context.GlobalBool("debug") {
			logrus.SetLevel(logrus.DebugLevel)
		}
		switch f := context.GlobalString("log-format"); f {
		case "text":
			// retain logrus's default
		case "json":
			logrus.SetFormatter(new(logrus.JSONFormatter))
		default:
			return fmt.Errorf("unknown log-format %q", f)
		}
		return nil
	}

	if err := app.Run(os.Args); err != nil {
		fatal(err)
	}
}

// fatal prints the error and exits nonzero. A peer-closed protocol
// error exits silently; the other side of the socket already reported
// the real failure.
func fatal(err error) {
	if !errors.Is(err, libsandbox.ErrPeerClosed) {
		fmt.Fprintln(os.Stderr, "nsbox:", err)
	}
	os.Exit(1)
}
