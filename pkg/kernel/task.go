package kernel

import (
	"sync"

	"pastoral.dev/kernel/pkg/bitmap"
	"pastoral.dev/kernel/pkg/kernel/auth"
	"pastoral.dev/kernel/pkg/mm"
	"pastoral.dev/kernel/pkg/vfsio"
)

// Pid identifies a task in the global task table.
type Pid int

// fdEntry pairs a fd table slot with its shared handle.
type fdEntry struct {
	handle *vfsio.FileHandle
}

// Task is a process: one address space, one credential set, one or more
// threads.
type Task struct {
	mu sync.Mutex

	Pid  Pid
	Ppid Pid

	Status  ThreadStatus
	IdleCnt uint64

	Creds *auth.Credentials
	Cwd   string

	AddressSpace mm.AddressSpace

	fds       map[int]fdEntry
	fdBitmap  *bitmap.Set
	tidBitmap *bitmap.Set
	threads   map[Tid]*Thread

	Pgid Pid
	Sid  Pid

	group   *ProcessGroup
	session *Session

	HasExecved bool

	sigactions [sigMax]Sigaction

	event       *Event
	exitTrigger *Trigger

	Children      []*Task
	ProcessStatus int

	// eventWaiting is set while the task is parked in an event wait
	// and cleared by the next dispatch.
	eventWaiting bool
}

// newTask allocates a fresh pid, installs the task into k's table, and
// initializes credentials to root and umask to 022.
func (k *Kernel) newTask(parent *Task) *Task {
	pid := Pid(k.pidBitmap.Alloc())
	task := &Task{
		Pid:       pid,
		Status:    StatusYield,
		Creds:     auth.NewRootCredentials(),
		fds:       make(map[int]fdEntry),
		fdBitmap:  bitmap.New(),
		tidBitmap: bitmap.New(),
		threads:   make(map[Tid]*Thread),
	}
	if parent != nil {
		task.Ppid = parent.Pid
		task.Pgid = parent.Pgid
		task.Sid = parent.Sid
		task.group = parent.group
		task.session = parent.session
		task.Cwd = parent.Cwd
		if task.group != nil {
			task.group.Processes = append(task.group.Processes, task)
		}
	} else {
		task.Ppid = -1
	}
	k.tasks[pid] = task
	return task
}

// Thread returns task's thread tid, or nil.
func (t *Task) Thread(tid Tid) *Thread {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.threads[tid]
}

// AddFD installs handle at the lowest free fd number and returns it,
// matching the fd bitmap allocation contract.
func (t *Task) AddFD(handle *vfsio.FileHandle) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	fd := t.fdBitmap.Alloc()
	t.fds[fd] = fdEntry{handle: handle}
	return fd
}

// InstallFD places handle at a specific fd number (dup2's target slot),
// claiming the bitmap bit if it was free.
func (t *Task) InstallFD(fd int, handle *vfsio.FileHandle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fdBitmap.Set(fd)
	t.fds[fd] = fdEntry{handle: handle}
}

// FD returns the handle installed at fd, or nil.
func (t *Task) FD(fd int) *vfsio.FileHandle {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.fds[fd]
	if !ok {
		return nil
	}
	return entry.handle
}

// CloseFD releases fd's handle and frees the bitmap bit.
func (t *Task) CloseFD(fd int) {
	t.mu.Lock()
	entry, ok := t.fds[fd]
	if ok {
		delete(t.fds, fd)
		t.fdBitmap.Clear(fd)
	}
	t.mu.Unlock()
	if ok {
		entry.handle.Close()
	}
}

// cloneFDTable shallow-copies every fd_handle from t into a new task's fd
// table, incrementing each handle's refcount (fork step 4 / execve's
// non-CLOEXEC copy).
func (t *Task) cloneFDTable(closeOnExec bool) map[int]fdEntry {
	t.mu.Lock()
	defer t.mu.Unlock()

	cloned := make(map[int]fdEntry, len(t.fds))
	for fd, entry := range t.fds {
		if closeOnExec && entry.handle.Flags.CloseOnExec {
			continue
		}
		cloned[fd] = fdEntry{handle: entry.handle.IncRef()}
	}
	return cloned
}
