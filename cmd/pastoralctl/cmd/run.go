package cmd

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"

	"pastoral.dev/kernel/pkg/bootconfig"
	"pastoral.dev/kernel/pkg/control"
	"pastoral.dev/kernel/pkg/elf"
	"pastoral.dev/kernel/pkg/hostarch"
	"pastoral.dev/kernel/pkg/kernel"
	"pastoral.dev/kernel/pkg/mm"
	"pastoral.dev/kernel/pkg/mm/memfake"
	"pastoral.dev/kernel/pkg/vfsio"
)

// Run implements subcommands.Command for "run": a synchronous,
// one-shot boot-and-wait with no state file — use boot plus a later
// wait for a long-running unit, run for a quick foreground invocation.
type Run struct {
	manifest string
}

func (*Run) Name() string     { return "run" }
func (*Run) Synopsis() string { return "boot a task image and block until it exits, printing its status" }
func (*Run) Usage() string {
	return "run -manifest <path>\n"
}

func (r *Run) SetFlags(f *flag.FlagSet) {
	f.StringVar(&r.manifest, "manifest", "", "path to the TOML boot manifest")
}

func (r *Run) Execute(ctx context.Context, f *flag.FlagSet, rest ...any) subcommands.ExitStatus {
	if r.manifest == "" {
		fmt.Fprintln(os.Stderr, "run: -manifest is required")
		return subcommands.ExitUsageError
	}

	cfg, err := bootconfig.Load(r.manifest)
	if err != nil {
		fmt.Fprintf(os.Stderr, "run: %v\n", err)
		return subcommands.ExitFailure
	}
	tick, err := cfg.TickInterval()
	if err != nil {
		fmt.Fprintf(os.Stderr, "run: %v\n", err)
		return subcommands.ExitFailure
	}

	asset, err := vfsio.OpenOSFile(cfg.Boot.Binary)
	if err != nil {
		fmt.Fprintf(os.Stderr, "run: open %s: %v\n", cfg.Boot.Binary, err)
		return subcommands.ExitFailure
	}
	defer asset.Close()

	k := kernel.New(elf.New(), vfsio.NewOSFS("/"), func() mm.AddressSpace { return memfake.New() })
	lc := control.New(k)

	unit, err := lc.BootInit("init", cfg.Boot.Binary, asset, hostarch.Arguments{Argv: cfg.Boot.Argv, Envp: cfg.Boot.Envp})
	if err != nil {
		fmt.Fprintf(os.Stderr, "run: %v\n", err)
		return subcommands.ExitFailure
	}

	lc.RunCores(cfg.Boot.Cores, tick)
	status := waitForExit(ctx, k, unit)
	_ = lc.Shutdown(context.Background())

	fmt.Fprintf(os.Stdout, "exit status: %#x\n", status)
	if status&0xff != 0 {
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
