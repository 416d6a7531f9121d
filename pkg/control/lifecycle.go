// Package control boots and tracks running units atop pkg/kernel: it
// starts tasks inside one simulated kernel and tracks their
// Created/Running/Stopped states.
package control

import (
	"context"
	"fmt"
	"sync"
	"time"

	"pastoral.dev/kernel/pkg/hostarch"
	"pastoral.dev/kernel/pkg/kernel"
	"pastoral.dev/kernel/pkg/kernel/klog"
	"pastoral.dev/kernel/pkg/vfsio"
)

// unitState tracks a unit through its created/running/stopped lifecycle.
type unitState int

const (
	stateCreated unitState = iota
	stateRunning
	stateStopped
)

// Unit is one named task tracked by a Lifecycle, the counterpart of the
// teacher's Container (one task per unit rather than one thread group
// per container, since this kernel has no pid-namespace nesting).
type Unit struct {
	name  string
	task  *kernel.Task
	state unitState

	exitStatus int
	exited     chan struct{}
}

// Lifecycle owns one Kernel and the named units booted into it, plus the
// cancelable context driving the scheduler's per-core goroutines.
type Lifecycle struct {
	Kernel *kernel.Kernel

	mu    sync.RWMutex
	units map[string]*Unit

	cancel context.CancelFunc
	runErr chan error
}

// New returns a Lifecycle wrapping k with no units started yet.
func New(k *kernel.Kernel) *Lifecycle {
	return &Lifecycle{Kernel: k, units: make(map[string]*Unit)}
}

// RunCores starts the scheduler's per-core goroutines on the given
// interval; call Shutdown to stop them.
func (l *Lifecycle) RunCores(ncores int, tick time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.runErr = make(chan error, 1)
	go func() {
		l.runErr <- l.Kernel.Scheduler().RunCores(ctx, ncores, tick)
	}()
}

// StartUnit loads asset (the unit's ELF image) as a new task named name
// and tracks it, moving it from Created to Running before it returns. The teacher's StartContainer takes a single
// struct of urpc arguments; here the same shape collapses to plain
// parameters since there is no RPC boundary to marshal across.
func (l *Lifecycle) StartUnit(name, path string, asset vfsio.Asset, args hostarch.Arguments) (*Unit, error) {
	l.mu.Lock()
	if _, exists := l.units[name]; exists {
		l.mu.Unlock()
		return nil, fmt.Errorf("control: unit %q already started", name)
	}
	l.mu.Unlock()

	task, err := l.Kernel.TaskExec(path, asset, 0x43, args, kernel.StatusWaiting, nil)
	if err != nil {
		return nil, fmt.Errorf("control: start unit %q: %w", name, err)
	}

	unit := &Unit{name: name, task: task, state: stateCreated, exited: make(chan struct{})}
	l.mu.Lock()
	l.units[name] = unit
	l.mu.Unlock()

	klog.ForTask(int(task.Pid), 0).Infof("control: unit %q created", name)
	l.transition(name, stateRunning)
	return unit, nil
}

// transition validates and applies a unit's state change, panicking on
// an invalid transition the way updateContainerState does — a state
// machine violation here means the caller's bookkeeping is broken, not
// that the unit failed to start.
func (l *Lifecycle) transition(name string, next unitState) {
	l.mu.Lock()
	defer l.mu.Unlock()

	unit, ok := l.units[name]
	if !ok {
		panic(fmt.Sprintf("control: transition on unknown unit %q", name))
	}

	switch next {
	case stateCreated:
		panic(fmt.Sprintf("control: invalid state transition %v => %v", unit.state, next))
	case stateRunning:
		if unit.state != stateCreated {
			panic(fmt.Sprintf("control: invalid state transition %v => %v", unit.state, next))
		}
	case stateStopped:
		// Valid from any prior state.
	default:
		panic(fmt.Sprintf("control: invalid new state %v", next))
	}
	unit.state = next
}

// Pid returns the pid of the task backing u.
func (u *Unit) Pid() kernel.Pid { return u.task.Pid }

// ExitStatus reads the wait-encoded status Kernel.Exit recorded on u's
// task. Only meaningful after the task has left the kernel's task table;
// callers typically learn that by polling Kernel.IsAlive(u.Pid()) == false
// and then call this, the same two-step "is it gone, then read its
// status" shape waitpid's candidate/trigger split uses internally.
func (u *Unit) ExitStatus() int { return u.task.ProcessStatus }

// Unit returns the tracked unit named name, or nil.
func (l *Lifecycle) Unit(name string) *Unit {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.units[name]
}

// Wait blocks until name's task exits and returns its wait-encoded
// process status.
func (l *Lifecycle) Wait(name string) (int, error) {
	unit := l.Unit(name)
	if unit == nil {
		return 0, fmt.Errorf("control: unit %q not started", name)
	}
	<-unit.exited
	return unit.exitStatus, nil
}

// NotifyExit records that name's task has exited with status, releasing
// any Wait callers. The boot harness calls this once it observes the
// task leave the kernel's task table (there is no SIGCHLD-equivalent to
// push this asynchronously, so the caller polls Kernel.IsAlive and
// forwards the status read from Unit.ExitStatus here).
func (l *Lifecycle) NotifyExit(name string, status int) {
	l.mu.Lock()
	unit, ok := l.units[name]
	l.mu.Unlock()
	if !ok {
		return
	}
	unit.exitStatus = status
	l.transition(name, stateStopped)
	close(unit.exited)
}

// BootInit starts path as the kernel's first task (pid 1), attaching a
// fresh controlling terminal to its stdio fds the way Kernel.Boot does,
// and tracks it under name (the caller's choice of unit id — pid 1 is
// unique per Kernel, but the name is what Wait/NotifyExit key on).
func (l *Lifecycle) BootInit(name, path string, asset vfsio.Asset, args hostarch.Arguments) (*Unit, error) {
	l.mu.Lock()
	if _, exists := l.units[name]; exists {
		l.mu.Unlock()
		return nil, fmt.Errorf("control: unit %q already started", name)
	}
	l.mu.Unlock()

	task, err := l.Kernel.Boot(path, asset, args)
	if err != nil {
		return nil, fmt.Errorf("control: boot init: %w", err)
	}

	unit := &Unit{name: name, task: task, state: stateCreated, exited: make(chan struct{})}
	l.mu.Lock()
	l.units[name] = unit
	l.mu.Unlock()

	klog.ForTask(int(task.Pid), 0).Infof("control: init booted as unit %q", name)
	l.transition(name, stateRunning)
	return unit, nil
}

// Shutdown stops every scheduler core goroutine and returns once they
// have all exited (or ctx is canceled first).
func (l *Lifecycle) Shutdown(ctx context.Context) error {
	if l.cancel == nil {
		return nil
	}
	l.cancel()
	select {
	case err := <-l.runErr:
		if err != nil && err != context.Canceled {
			return err
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
