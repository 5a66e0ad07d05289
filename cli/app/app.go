package app

import (
	"fmt"
	"os"
	"runtime"

	"github.com/nspcc-dev/msgmon/cli/monitor"
	"github.com/nspcc-dev/msgmon/pkg/config"
	"github.com/urfave/cli"
)

func versionPrinter(c *cli.Context) {
	_, _ = fmt.Fprintf(c.App.Writer, "msgmon\nVersion: %s\nGoVersion: %s\n",
		config.Version,
		runtime.Version(),
	)
}

// New creates a msgmon instance of [cli.App] with all commands included.
func New() *cli.App {
	cli.VersionPrinter = versionPrinter
	ctl := cli.NewApp()
	ctl.Name = "msgmon"
	ctl.Version = config.Version
	ctl.Usage = "Message delivery monitoring tool"
	ctl.ErrWriter = os.Stdout

	ctl.Commands = append(ctl.Commands, monitor.NewCommands()...)
	return ctl
}
