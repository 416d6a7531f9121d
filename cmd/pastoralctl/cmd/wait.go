package cmd

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/subcommands"
)

// Wait implements subcommands.Command for "wait": it polls for a unit's
// state file to appear (written by Boot once the unit's task exits) and
// prints the resulting exit status as JSON.
type Wait struct {
	root    string
	timeout time.Duration
}

func (*Wait) Name() string     { return "wait" }
func (*Wait) Synopsis() string { return "wait for a booted unit to exit" }
func (*Wait) Usage() string {
	return "wait [-root <dir>] [-timeout <duration>] <unit>\n"
}

func (w *Wait) SetFlags(f *flag.FlagSet) {
	f.StringVar(&w.root, "root", defaultRootDir, "directory for unit state files")
	f.DurationVar(&w.timeout, "timeout", 0, "give up after this long (0 = wait forever)")
}

func (w *Wait) Execute(ctx context.Context, f *flag.FlagSet, rest ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "wait: expected exactly one unit name")
		return subcommands.ExitUsageError
	}
	name := f.Arg(0)

	if w.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}

	expo := backoff.NewExponentialBackOff()
	expo.MaxElapsedTime = 0 // stop only when ctx ends
	policy := backoff.WithContext(expo, ctx)

	var state UnitState
	err := backoff.Retry(func() error {
		s, err := readUnitState(w.root, name)
		if err != nil {
			return err
		}
		state = s
		return nil
	}, policy)
	if err != nil {
		fmt.Fprintf(os.Stderr, "wait: %s: %v\n", name, err)
		return subcommands.ExitFailure
	}

	if err := json.NewEncoder(os.Stdout).Encode(state); err != nil {
		fmt.Fprintf(os.Stderr, "wait: encode result: %v\n", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
