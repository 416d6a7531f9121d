package kernel

import (
	"pastoral.dev/kernel/pkg/bitmap"
	"pastoral.dev/kernel/pkg/hostarch"
	"pastoral.dev/kernel/pkg/kernel/auth"
	"pastoral.dev/kernel/pkg/vfsio"
)

// stackBufSize bounds the scratch buffer BuildInitialStack lays argv,
// envp, and the auxv into before it is copied to the thread's mapped
// user stack.
const stackBufSize = userStackSize

// interpBias is where a dynamic binary's interpreter image is mapped.
const interpBias = 0x40000000

// TaskExec allocates a new task, maps asset's ELF image into a fresh
// address space, lays out argv/envp/auxv on a new user stack, and
// returns the task WAITING to run — the shared body behind both the
// first task's boot and execve.
//
// If the binary names a PT_INTERP interpreter, it is resolved through
// the kernel's filesystem, mapped at interpBias, and its entry point is
// used in place of the binary's own; the auxv still carries the
// binary's phdr/entry values so the interpreter can find the program it
// is to link.
func (k *Kernel) TaskExec(path string, asset vfsio.Asset, cs uint16, args hostarch.Arguments, status ThreadStatus, parent *Task) (*Task, error) {
	k.mu.Lock()

	task := k.newTask(parent)
	task.AddressSpace = k.newAddressSpace()

	img, err := k.loader.Load(task.AddressSpace, asset, 0)
	if err != nil {
		k.freeTaskLocked(task)
		k.mu.Unlock()
		return nil, errEIO
	}

	entry := img.Aux.Entry
	if img.Interp != "" {
		if k.fs == nil {
			k.freeTaskLocked(task)
			k.mu.Unlock()
			return nil, errENOENT
		}
		iasset, _, err := k.fs.Open(img.Interp)
		if err != nil {
			k.freeTaskLocked(task)
			k.mu.Unlock()
			return nil, errENOENT
		}
		iimg, err := k.loader.Load(task.AddressSpace, iasset, interpBias)
		if err != nil {
			k.freeTaskLocked(task)
			k.mu.Unlock()
			return nil, errEIO
		}
		entry = iimg.Aux.Entry
	}

	thread := newThread(task)
	thread.Status = StatusYield
	thread.SigWait = newEvent(k.sched, task, thread)

	if cs&0x3 != 0 {
		base, err := task.AddressSpace.NewAnonRegion(userStackSize)
		if err != nil {
			k.freeTaskLocked(task)
			k.mu.Unlock()
			return nil, errEIO
		}
		top := base + userStackSize

		buf := make([]byte, stackBufSize)
		rspOffset := hostarch.BuildInitialStack(buf, top, args, img.Aux)
		if err := task.AddressSpace.Write(base, buf); err != nil {
			k.freeTaskLocked(task)
			k.mu.Unlock()
			return nil, errEIO
		}
		thread.Regs = NewUserFrame(entry, rspOffset)
	} else {
		thread.Regs = NewKernelFrame(entry, thread.KernelStack)
	}

	task.event = newEvent(k.sched, task, thread)
	task.exitTrigger = &Trigger{AgentTask: task, AgentThread: thread, Type: EventProcExit}
	if parent != nil {
		task.exitTrigger.Event = parent.event
	}

	task.Status = status
	thread.Status = StatusWaiting

	k.mu.Unlock()
	return task, nil
}

// freeTaskLocked undoes newTask on a construction failure: the task
// leaves the table, its group membership, and its pid bit returns to
// the allocator. Caller holds k.mu.
func (k *Kernel) freeTaskLocked(task *Task) {
	if task.group != nil {
		task.group.Processes = removeTask(task.group.Processes, task)
		task.group = nil
	}
	delete(k.tasks, task.Pid)
	k.pidBitmap.Clear(int(task.Pid))
}

// Fork clones current into a new child task: copy-on-write address
// space, duplicated fd table, inherited credentials/group/session, a
// fresh thread carrying the caller's saved registers with rax forced to
// 0.
func (k *Kernel) Fork(current *Task, currentThread *Thread) (*Task, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if current == nil || currentThread == nil {
		panicf("kernel: fork with nil current task/thread")
	}

	child := k.newTask(current)
	child.Status = StatusWaiting

	childAS, err := current.AddressSpace.Fork()
	if err != nil {
		k.freeTaskLocked(child)
		return nil, errEIO
	}
	child.AddressSpace = childAS

	child.Creds = current.Creds.Copy()
	child.sigactions = copySigactions(&current.sigactions)

	childThread := newThread(child)
	childThread.Regs = currentThread.Regs
	childThread.UserFSBase = currentThread.UserFSBase
	childThread.UserGSBase = currentThread.UserGSBase
	childThread.Regs.Rax = 0
	childThread.Status = StatusWaiting
	childThread.SigWait = newEvent(k.sched, child, childThread)

	child.event = newEvent(k.sched, child, childThread)
	child.exitTrigger = &Trigger{AgentTask: child, AgentThread: childThread, Event: current.event, Type: EventProcExit}

	child.fds = current.cloneFDTable(false)
	for fd := range child.fds {
		child.fdBitmap.Set(fd)
	}

	current.mu.Lock()
	current.Children = append(current.Children, child)
	current.mu.Unlock()

	currentThread.Regs.Rax = uint64(child.Pid)

	return child, nil
}

// Execve replaces current's address space and thread state in place
// with a new image. On success current itself has been mutated (no new
// task is returned); the caller's prior register state is discarded, since the
// calling thread never returns to its pre-exec instruction stream.
func (k *Kernel) Execve(current *Task, path string, asset vfsio.Asset, stat vfsio.Stat, args hostarch.Arguments) error {
	if err := vfsio.CheckAccess(stat, 0o001); err != nil {
		return errEACCES
	}

	fresh, err := k.TaskExec(path, asset, 0x43, args, StatusWaiting, nil)
	if err != nil {
		return err
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	// The graft target is current's pid; fresh's own pid was only ever
	// scaffolding and goes straight back to the allocator.
	k.freeTaskLocked(fresh)

	isSUID, isSGID := stat.IsSetUID(), stat.IsSetGID()
	current.Creds.UpdateForExecve(isSUID, isSGID, auth.KUID(stat.UID), auth.KGID(stat.GID))

	if current.AddressSpace != nil {
		current.AddressSpace.Release()
	}
	current.AddressSpace = fresh.AddressSpace
	current.HasExecved = true

	kept := current.cloneFDTable(true)
	closeable := current.fds
	current.fds = kept
	current.fdBitmap = bitmap.New()
	for fd := range kept {
		current.fdBitmap.Set(fd)
	}
	for _, entry := range closeable {
		entry.handle.Close()
	}

	current.mu.Lock()
	for _, old := range current.threads {
		old.mu.Lock()
		old.Status = StatusYield
		old.mu.Unlock()
	}
	current.threads = make(map[Tid]*Thread, len(fresh.threads))
	for tid, th := range fresh.threads {
		th.Pid = current.Pid
		current.threads[tid] = th
	}
	current.tidBitmap = fresh.tidBitmap
	current.mu.Unlock()

	// fresh's event/exitTrigger are discarded: current keeps its own
	// event, exit trigger, group, session, cwd, and umask — rebound to
	// the grafted main thread so a later fire requeues the right one.
	newMain := current.threads[0]
	current.event.owner = current
	current.event.ownerThread = newMain
	if current.exitTrigger != nil {
		current.exitTrigger.AgentTask = current
		current.exitTrigger.AgentThread = newMain
	}
	return nil
}

// ExecvePath is the syscall-facing execve: it resolves path through
// the kernel's filesystem (ENOENT when the path does not resolve,
// EACCES when it is not executable) and replaces current's image.
func (k *Kernel) ExecvePath(current *Task, path string, args hostarch.Arguments) error {
	if k.fs == nil {
		return errENOENT
	}
	asset, stat, err := k.fs.Open(resolvePath(current, path))
	if err != nil {
		return errENOENT
	}
	return k.Execve(current, path, asset, stat, args)
}

// Exit tears down task: closes every fd, yields every thread, releases
// the address space (decrementing page refcounts), reparents children to
// pid 1, encodes process_status, fires the exit trigger, and removes
// task from the global table. The pid bit is freed for immediate reuse.
func (k *Kernel) Exit(task *Task, status int) {
	if task == nil {
		panicf("kernel: exit with nil current task")
	}

	task.mu.Lock()
	fds := make([]int, 0, len(task.fds))
	for fd := range task.fds {
		fds = append(fds, fd)
	}
	task.mu.Unlock()
	for _, fd := range fds {
		task.CloseFD(fd)
	}

	task.mu.Lock()
	for _, thread := range task.threads {
		thread.mu.Lock()
		thread.Status = StatusYield
		thread.mu.Unlock()
	}
	task.threads = make(map[Tid]*Thread)
	task.mu.Unlock()

	if task.AddressSpace != nil {
		task.AddressSpace.Release()
	}

	k.mu.Lock()
	initTask := k.tasks[1]
	task.mu.Lock()
	children := task.Children
	task.mu.Unlock()
	for _, child := range children {
		child.mu.Lock()
		child.Ppid = 1
		child.mu.Unlock()
		if initTask != nil {
			initTask.mu.Lock()
			initTask.Children = append(initTask.Children, child)
			initTask.mu.Unlock()
		}
	}

	if parent := k.tasks[task.Ppid]; parent != nil {
		parent.mu.Lock()
		parent.Children = removeTask(parent.Children, task)
		parent.mu.Unlock()
	}

	// Invalidate the hot group pointer before anything can free the
	// group: the id fields survive for the parent's waitpid scoping.
	if group := task.group; group != nil {
		group.Processes = removeTask(group.Processes, task)
		if group.Leader == task {
			group.Leader = nil
		}
	}
	task.group = nil
	task.session = nil

	task.mu.Lock()
	task.ProcessStatus = (status & 0xff) | 0x200
	task.Status = StatusYield
	task.mu.Unlock()

	delete(k.tasks, task.Pid)
	k.pidBitmap.Clear(int(task.Pid))
	k.mu.Unlock()

	if task.exitTrigger != nil && task.exitTrigger.Event != nil {
		Fire(task.exitTrigger)
	}
}

func removeTask(list []*Task, target *Task) []*Task {
	out := list[:0]
	for _, t := range list {
		if t != target {
			out = append(out, t)
		}
	}
	return out
}

// Waitpid blocks the calling goroutine until a child matching pid exits.
// pid>0 names a task, pid==-1 means any child, pid==0 means children in
// the caller's own process group, and pid<-1 means children in process
// group -pid (scoped against the process-group table).
func (k *Kernel) Waitpid(current *Task, pid Pid, options int) (Pid, int, error) {
	k.mu.Lock()
	var candidates []*Task
	switch {
	case pid > 0:
		if t := k.Translate(pid); t != nil {
			candidates = []*Task{t}
		}
	case pid == -1:
		current.mu.Lock()
		candidates = append(candidates, current.Children...)
		current.mu.Unlock()
	case pid == 0:
		candidates = k.childrenInGroup(current, current.Pgid)
	default: // pid < -1
		candidates = k.childrenInGroup(current, -pid)
	}

	k.mu.Unlock()

	if len(candidates) == 0 {
		return 0, 0, errESRCH
	}

	// Trigger installation happens outside sched_lock so the event
	// lock is never taken under it (Wait's park path takes them in the
	// opposite order). A candidate that exits in the gap already fires
	// at current's event: the trigger's target was bound at fork time.
	for _, child := range candidates {
		if child.exitTrigger != nil {
			child.exitTrigger.Event = current.event
			current.event.AppendTrigger(child.exitTrigger)
		}
	}

	trigger := current.event.Wait(EventProcExit)
	agent := trigger.AgentTask

	agent.mu.Lock()
	status := agent.ProcessStatus
	agent.mu.Unlock()

	return agent.Pid, status, nil
}

// childrenInGroup returns current's children whose process group is
// pgid. Caller holds k.mu.
func (k *Kernel) childrenInGroup(current *Task, pgid Pid) []*Task {
	var out []*Task
	current.mu.Lock()
	defer current.mu.Unlock()
	for _, child := range current.Children {
		if child.Pgid == pgid {
			out = append(out, child)
		}
	}
	return out
}
