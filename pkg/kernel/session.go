package kernel

import "pastoral.dev/kernel/pkg/bitmap"

// ProcessGroup is a set of tasks sharing a pgid within one session.
type ProcessGroup struct {
	Pgid       Pid
	Sid        Pid
	PidLeader  Pid
	Leader     *Task
	Processes  []*Task
}

// Session is a set of process groups sharing a controlling terminal (the
// terminal reference itself is out of scope here).
type Session struct {
	Sid         Pid
	PgidLeader  Pid
	pgidBitmap  *bitmap.Set
	groups      map[Pid]*ProcessGroup
}

// Setsid creates a new session led by task, failing with EPERM if task
// already leads a process group.
func (k *Kernel) Setsid(task *Task) (Pid, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if task.group != nil && task.group.PidLeader == task.Pid {
		return 0, errEPERM
	}

	session := &Session{
		pgidBitmap: bitmap.New(),
		groups:     make(map[Pid]*ProcessGroup),
	}
	// Pgid 0 is reserved: waitpid uses it to mean "the caller's own
	// process group", so no group may legitimately carry it.
	session.pgidBitmap.Set(0)
	sid := Pid(k.sidBitmap.Alloc())
	pgid := Pid(session.pgidBitmap.Alloc())

	session.Sid = sid
	session.PgidLeader = pgid

	group := &ProcessGroup{
		Pgid:      pgid,
		Sid:       sid,
		PidLeader: task.Pid,
		Leader:    task,
		Processes: []*Task{task},
	}
	session.groups[pgid] = group
	k.sessions[sid] = session

	if old := task.group; old != nil {
		old.Processes = removeTask(old.Processes, task)
	}
	task.Sid = sid
	task.session = session
	task.Pgid = pgid
	task.group = group

	return sid, nil
}

// Setpgid moves task into process group pgid on behalf of caller,
// creating the group if it does not yet exist in task's session. Fails
// with EPERM if caller and task are in different sessions, task is
// already a group leader, or task has execve'd.
func (k *Kernel) Setpgid(caller, task *Task, pgid Pid) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if task.Pgid == pgid {
		return nil
	}
	if caller.Sid != task.Sid {
		return errEPERM
	}
	if task.group != nil && task.group.PidLeader == task.Pid {
		return errEPERM
	}
	if task.HasExecved {
		return errEPERM
	}
	if task.session == nil {
		return errEPERM
	}

	session := task.session
	group, ok := session.groups[pgid]
	if !ok {
		group = &ProcessGroup{
			Pgid:      pgid,
			Sid:       session.Sid,
			PidLeader: task.Pid,
			Leader:    task,
		}
		session.groups[pgid] = group
		session.pgidBitmap.Set(int(pgid))
	}

	if old := task.group; old != nil {
		old.Processes = removeTask(old.Processes, task)
	}
	group.Processes = append(group.Processes, task)
	task.Pgid = pgid
	task.group = group
	return nil
}

// Getpgid returns the process-group id of the task named by pid.
func (k *Kernel) Getpgid(pid Pid) (Pid, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	task := k.Translate(pid)
	if task == nil {
		return 0, errESRCH
	}
	return task.Pgid, nil
}

// Getsid returns the session id of the task named by pid.
func (k *Kernel) Getsid(pid Pid) (Pid, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	task := k.Translate(pid)
	if task == nil {
		return 0, errESRCH
	}
	return task.Sid, nil
}
