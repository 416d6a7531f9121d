package kernel

import "testing"

func TestSetsidCreatesNewSessionAndGroup(t *testing.T) {
	k, task, _ := newInitTask(t)

	sid, err := k.Setsid(task)
	if err != nil {
		t.Fatalf("Setsid: %v", err)
	}
	if task.Sid != sid {
		t.Fatalf("task.Sid = %d, want %d", task.Sid, sid)
	}
	if task.Pgid != task.group.Pgid {
		t.Fatalf("task.Pgid = %d, want %d (own group leader)", task.Pgid, task.group.Pgid)
	}
	if task.group.PidLeader != task.Pid {
		t.Fatalf("group leader = %d, want %d", task.group.PidLeader, task.Pid)
	}
}

func TestSetsidFailsWhenAlreadyGroupLeader(t *testing.T) {
	k, task, _ := newInitTask(t)
	if _, err := k.Setsid(task); err != nil {
		t.Fatalf("first Setsid: %v", err)
	}
	if _, err := k.Setsid(task); err != errEPERM {
		t.Fatalf("second Setsid: err = %v, want errEPERM", err)
	}
}

func TestSetpgidMovesTaskIntoNewGroup(t *testing.T) {
	k, parent, _ := newInitTask(t)
	if _, err := k.Setsid(parent); err != nil {
		t.Fatalf("Setsid: %v", err)
	}

	child, err := k.Fork(parent, firstThread(parent))
	if err != nil {
		t.Fatalf("Fork: %v", err)
	}

	newPgid := child.Pid
	if err := k.Setpgid(parent, child, newPgid); err != nil {
		t.Fatalf("Setpgid: %v", err)
	}
	if child.Pgid != newPgid {
		t.Fatalf("child.Pgid = %d, want %d", child.Pgid, newPgid)
	}
	if child.Sid != parent.Sid {
		t.Fatalf("child.Sid = %d, want %d (session unchanged)", child.Sid, parent.Sid)
	}
}

func TestSetpgidRejectsAfterExecve(t *testing.T) {
	k, parent, _ := newInitTask(t)
	if _, err := k.Setsid(parent); err != nil {
		t.Fatalf("Setsid: %v", err)
	}
	child, err := k.Fork(parent, firstThread(parent))
	if err != nil {
		t.Fatalf("Fork: %v", err)
	}
	child.HasExecved = true

	if err := k.Setpgid(parent, child, child.Pid); err != errEPERM {
		t.Fatalf("Setpgid after execve: err = %v, want errEPERM", err)
	}
}

func TestSetpgidRejectsAcrossSessions(t *testing.T) {
	k, parent, _ := newInitTask(t)
	if _, err := k.Setsid(parent); err != nil {
		t.Fatalf("Setsid: %v", err)
	}
	child, err := k.Fork(parent, firstThread(parent))
	if err != nil {
		t.Fatalf("Fork: %v", err)
	}
	// The child leaves for a session of its own; the parent may no
	// longer move it between groups.
	if _, err := k.Setsid(child); err != nil {
		t.Fatalf("child Setsid: %v", err)
	}
	if parent.Sid == child.Sid {
		t.Fatal("child Setsid did not move it to a new session")
	}

	if err := k.Setpgid(parent, child, child.Pid+1); err != errEPERM {
		t.Fatalf("cross-session Setpgid: err = %v, want errEPERM", err)
	}
}

func TestGetpgidAndGetsidUnknownPid(t *testing.T) {
	k, _, _ := newInitTask(t)
	if _, err := k.Getpgid(999); err != errESRCH {
		t.Fatalf("Getpgid unknown pid: err = %v, want errESRCH", err)
	}
	if _, err := k.Getsid(999); err != errESRCH {
		t.Fatalf("Getsid unknown pid: err = %v, want errESRCH", err)
	}
}
