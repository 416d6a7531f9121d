package kernel

import (
	"sync"

	"pastoral.dev/kernel/pkg/bitmap"
	"pastoral.dev/kernel/pkg/elf"
	"pastoral.dev/kernel/pkg/mm"
	"pastoral.dev/kernel/pkg/vfsio"
)

// Kernel is the process-wide singleton: the global task table, pid/sid
// bitmaps, session table, and the big lock (sched_lock) that serializes
// all of them. There is exactly one Kernel per simulated machine and it
// is never torn down.
type Kernel struct {
	mu sync.Mutex // sched_lock

	pidBitmap *bitmap.Set
	sidBitmap *bitmap.Set

	tasks    map[Pid]*Task
	sessions map[Pid]*Session

	sched  *Scheduler
	loader elf.Loader
	fs     vfsio.Filesystem

	newAddressSpace func() mm.AddressSpace
}

// New returns a freshly initialized, empty Kernel. fs is the VFS
// collaborator path-taking syscalls (open, execve, chdir) resolve
// against; it may be nil, in which case those syscalls fail with
// ENOENT. newAddressSpace is called once per TaskExec (boot and execve)
// to obtain an empty mm.AddressSpace for the out-of-scope VMM to
// populate; fork clones the parent's through AddressSpace.Fork instead.
func New(loader elf.Loader, fs vfsio.Filesystem, newAddressSpace func() mm.AddressSpace) *Kernel {
	k := &Kernel{
		pidBitmap:       bitmap.New(),
		sidBitmap:       bitmap.New(),
		tasks:           make(map[Pid]*Task),
		sessions:        make(map[Pid]*Session),
		loader:          loader,
		fs:              fs,
		newAddressSpace: newAddressSpace,
	}
	// Pid and sid 0 are reserved (no task is ever pid 0, matching
	// Waitpid's pid==0 "caller's own process group" sentinel), so the
	// first task created is pid 1, as every caller of Boot/TaskExec
	// assumes.
	k.pidBitmap.Set(0)
	k.sidBitmap.Set(0)
	k.sched = newScheduler(k)
	return k
}

// Translate returns the task named by pid, or nil. Does not lock —
// callers already holding k.mu (or not caring about a race with a
// concurrent exit) call this directly.
func (k *Kernel) Translate(pid Pid) *Task {
	return k.tasks[pid]
}

// IsAlive reports whether pid still names a live task, taking the big
// lock itself — unlike Translate, safe to call from a goroutine that
// does not already hold k.mu (a boot harness polling for exit, say).
func (k *Kernel) IsAlive(pid Pid) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.tasks[pid] != nil
}

// TranslateThread returns the thread named by (pid, tid), or nil.
func (k *Kernel) TranslateThread(pid Pid, tid Tid) *Thread {
	task := k.Translate(pid)
	if task == nil {
		return nil
	}
	return task.Thread(tid)
}

// Scheduler returns k's scheduler, for callers that need to drive ticks
// or inspect per-core state directly.
func (k *Kernel) Scheduler() *Scheduler { return k.sched }
