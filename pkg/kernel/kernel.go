// Package kernel implements the scheduler and process-lifecycle core:
// task/thread identity, the ready/yield/run state machine, the event
// wait/fire primitive, fork/execve/exit/waitpid, sessions and process
// groups, and signal delivery at return-to-user.
package kernel

import (
	"pastoral.dev/kernel/pkg/devices/ttydev"
	"pastoral.dev/kernel/pkg/hostarch"
	"pastoral.dev/kernel/pkg/kernel/klog"
	"pastoral.dev/kernel/pkg/vfsio"
)

// Boot constructs the first task (pid 1) from the given binary image,
// attaches fd 0/1/2 to a fresh controlling terminal, and leaves it
// WAITING for the scheduler to pick up — TaskExec invoked once at
// startup instead of from execve.
func (k *Kernel) Boot(path string, asset vfsio.Asset, args hostarch.Arguments) (*Task, error) {
	task, err := k.TaskExec(path, asset, 0x43, args, StatusWaiting, nil)
	if err != nil {
		return nil, err
	}

	tty, err := ttydev.Open()
	if err != nil {
		klog.Std().WithError(err).Warn("boot: no controlling terminal available")
	} else {
		stdin := vfsio.NewFileHandle(tty, vfsio.FDFlags{})
		task.AddFD(stdin)
		task.AddFD(stdin.IncRef())
		task.AddFD(stdin.IncRef())
	}

	klog.ForTask(int(task.Pid), 0).Info("boot: task_exec complete")
	return task, nil
}
