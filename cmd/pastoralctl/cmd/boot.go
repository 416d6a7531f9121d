package cmd

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/subcommands"

	"pastoral.dev/kernel/pkg/bootconfig"
	"pastoral.dev/kernel/pkg/control"
	"pastoral.dev/kernel/pkg/elf"
	"pastoral.dev/kernel/pkg/hostarch"
	"pastoral.dev/kernel/pkg/kernel"
	"pastoral.dev/kernel/pkg/kernel/klog"
	"pastoral.dev/kernel/pkg/mm"
	"pastoral.dev/kernel/pkg/mm/memfake"
	"pastoral.dev/kernel/pkg/vfsio"
)

// pollInterval is how often Boot checks whether the init task has left
// the kernel's task table. There is no real SIGCHLD-equivalent to push
// this notification, so a poll loop stands in.
const pollInterval = 5 * time.Millisecond

// Boot implements subcommands.Command for "boot": it reads a boot
// manifest, constructs a fresh Kernel and Lifecycle, boots the manifest's
// binary as pid 1, runs the scheduler's per-core goroutines, and blocks
// until pid 1 exits.
type Boot struct {
	manifest string
	root     string
	name     string
}

func (*Boot) Name() string     { return "boot" }
func (*Boot) Synopsis() string { return "boot a task image as pid 1 and wait for it to exit" }
func (*Boot) Usage() string {
	return "boot -manifest <path> [-root <dir>] [-name <unit>]\n"
}

func (b *Boot) SetFlags(f *flag.FlagSet) {
	f.StringVar(&b.manifest, "manifest", "", "path to the TOML boot manifest")
	f.StringVar(&b.root, "root", defaultRootDir, "directory for unit state files")
	f.StringVar(&b.name, "name", "init", "name under which to track the booted unit")
}

func (b *Boot) Execute(ctx context.Context, f *flag.FlagSet, rest ...any) subcommands.ExitStatus {
	if b.manifest == "" {
		fmt.Fprintln(os.Stderr, "boot: -manifest is required")
		return subcommands.ExitUsageError
	}

	cfg, err := bootconfig.Load(b.manifest)
	if err != nil {
		fmt.Fprintf(os.Stderr, "boot: %v\n", err)
		return subcommands.ExitFailure
	}
	tick, err := cfg.TickInterval()
	if err != nil {
		fmt.Fprintf(os.Stderr, "boot: %v\n", err)
		return subcommands.ExitFailure
	}

	asset, err := vfsio.OpenOSFile(cfg.Boot.Binary)
	if err != nil {
		fmt.Fprintf(os.Stderr, "boot: open %s: %v\n", cfg.Boot.Binary, err)
		return subcommands.ExitFailure
	}
	defer asset.Close()

	// The real page-table / COW virtual memory manager lives outside
	// this repository; every entry point wires the in-memory fake in
	// its place. Path syscalls and interpreter lookup resolve against
	// the host filesystem.
	k := kernel.New(elf.New(), vfsio.NewOSFS("/"), func() mm.AddressSpace { return memfake.New() })
	lc := control.New(k)

	unit, err := lc.BootInit(b.name, cfg.Boot.Binary, asset, hostarch.Arguments{Argv: cfg.Boot.Argv, Envp: cfg.Boot.Envp})
	if err != nil {
		fmt.Fprintf(os.Stderr, "boot: %v\n", err)
		return subcommands.ExitFailure
	}

	lc.RunCores(cfg.Boot.Cores, tick)
	klog.Std().Infof("boot: pid 1 running, %d core(s) at %s tick", cfg.Boot.Cores, tick)

	status := waitForExit(ctx, k, unit)
	lc.NotifyExit(b.name, status)

	if err := lc.Shutdown(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "boot: shutdown: %v\n", err)
	}

	if err := writeUnitState(b.root, b.name, UnitState{ID: b.name, ExitStatus: status}); err != nil {
		fmt.Fprintf(os.Stderr, "boot: %v\n", err)
		return subcommands.ExitFailure
	}

	return subcommands.ExitSuccess
}

// waitForExit polls until pid 1 leaves k's task table, then reads the
// process-wait-encoded status Kernel.Exit recorded on unit's task.
func waitForExit(ctx context.Context, k *kernel.Kernel, unit *control.Unit) int {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return 0
		case <-ticker.C:
			if !k.IsAlive(1) {
				return unit.ExitStatus()
			}
		}
	}
}
