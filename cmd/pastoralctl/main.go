// Command pastoralctl boots task images atop pkg/kernel: "boot" runs a
// unit until it exits and records its exit status in a state file, "run"
// boots and prints the status without a state file, "wait" polls for a
// unit's state file from another process.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"

	"pastoral.dev/kernel/cmd/pastoralctl/cmd"
	"pastoral.dev/kernel/pkg/kernel/klog"
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")
	subcommands.Register(&cmd.Boot{}, "")
	subcommands.Register(&cmd.Run{}, "")
	subcommands.Register(&cmd.Wait{}, "")

	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()
	if *debug {
		klog.SetLevel(logrus.DebugLevel)
	}

	os.Exit(int(subcommands.Execute(context.Background())))
}
