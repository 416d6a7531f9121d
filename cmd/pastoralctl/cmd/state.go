// Package cmd implements cmd/pastoralctl's subcommands: boot, run, and
// wait.
package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// defaultRootDir is where unit state files and the boot lock live
// absent an explicit -root flag.
const defaultRootDir = "/var/run/pastoralctl"

// UnitState is the JSON record written to <root>/<name>.json once a
// booted unit exits, since there is no running kernel process left to
// query once it has exited.
type UnitState struct {
	ID         string `json:"id"`
	ExitStatus int    `json:"exitStatus"`
}

func statePath(root, name string) string {
	return filepath.Join(root, name+".json")
}

// writeUnitState persists state to <root>/<name>.json under an exclusive
// flock on the root directory, so two processes never race writing the
// same unit's state file.
func writeUnitState(root, name string, state UnitState) error {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return fmt.Errorf("pastoralctl: create root dir %s: %w", root, err)
	}

	lockPath := filepath.Join(root, ".lock")
	lock := flock.New(lockPath)
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("pastoralctl: lock %s: %w", lockPath, err)
	}
	defer lock.Unlock()

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("pastoralctl: marshal unit state: %w", err)
	}
	return os.WriteFile(statePath(root, name), data, 0o644)
}

// readUnitState loads the state file written by writeUnitState, or
// returns an error (including os.ErrNotExist) if the unit has not
// exited yet.
func readUnitState(root, name string) (UnitState, error) {
	data, err := os.ReadFile(statePath(root, name))
	if err != nil {
		return UnitState{}, err
	}
	var state UnitState
	if err := json.Unmarshal(data, &state); err != nil {
		return UnitState{}, fmt.Errorf("pastoralctl: unmarshal unit state: %w", err)
	}
	return state, nil
}
