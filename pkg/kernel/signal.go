package kernel

import (
	"github.com/mohae/deepcopy"
	"golang.org/x/sys/unix"
)

// sigMax bounds the per-task sigaction table and per-thread pending/queue
// arrays.
const sigMax = 32

// SigInfo is the payload handed to a SA_SIGINFO handler.
type SigInfo struct {
	Signum int
	Code   int
	Pid    Pid
}

// Sigaction is one entry of a task's signal-disposition table.
type Sigaction struct {
	Handler uintptr
	Flags   uint64
	SigInfo bool // SA_SIGINFO
}

const sigInfoFlag = 1 << 0

// SASigInfo is the flag bit requesting the three-argument (signum,
// siginfo, ucontext) handler calling convention.
const SASigInfo = sigInfoFlag

// QueuedSignal is the last queued signal for a given signal number on
// a thread; a newer kill for the same number overwrites it.
type QueuedSignal struct {
	Signum int
	Info   SigInfo
	Action *Sigaction
	queued bool
}

// copySigactions returns a fork-time snapshot of a parent's
// signal-disposition table for installation on the child.
func copySigactions(src *[sigMax]Sigaction) [sigMax]Sigaction {
	return deepcopy.Copy(*src).([sigMax]Sigaction)
}

// Sigaction installs action as the disposition for signum on task,
// returning the previous action.
func (t *Task) Sigaction(signum int, action Sigaction) (Sigaction, error) {
	if signum <= 0 || signum >= sigMax {
		return Sigaction{}, errEINVAL
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	old := t.sigactions[signum]
	t.sigactions[signum] = action
	return old, nil
}

// Sigprocmask updates thread's signal mask according to how (SIG_BLOCK,
// SIG_UNBLOCK, SIG_SETMASK — encoded by the caller as a combining
// function) and returns the prior mask.
func (th *Thread) Sigprocmask(set uint64, combine func(old, set uint64) uint64) uint64 {
	th.mu.Lock()
	defer th.mu.Unlock()
	old := th.SigMask
	th.SigMask = combine(old, set)
	return old
}

// Sigpending returns thread's pending-signal bitmask.
func (th *Thread) Sigpending() uint64 {
	th.mu.Lock()
	defer th.mu.Unlock()
	return th.SigPending
}

// Kill sets the pending bit for signum on target's first thread and
// fires its sig-wait event if one is installed, matching kill(pid,
// signum)'s effect on the target's main thread.
func (k *Kernel) Kill(target *Task, signum int) error {
	if signum <= 0 || signum >= sigMax {
		return errEINVAL
	}
	target.mu.Lock()
	thread := target.threads[0]
	target.mu.Unlock()
	if thread == nil {
		return errESRCH
	}

	thread.mu.Lock()
	thread.SigPending |= 1 << uint(signum)
	thread.SigQueue[signum] = QueuedSignal{
		Signum: signum,
		Info:   SigInfo{Signum: signum, Pid: target.Pid},
		Action: &target.sigactions[signum],
	}
	sigWait := thread.SigWait
	thread.mu.Unlock()

	if sigWait != nil {
		Fire(&Trigger{Event: sigWait, Type: EventSignal})
	}
	return nil
}

// deliverPending rewrites the thread's saved frame to dispatch the
// lowest-numbered pending, unmasked signal — the frame forging a
// dispatch performs just before returning to user mode. It returns
// true if a signal was delivered; at most one signal is delivered per
// dispatch, the rest stay pending for later ticks.
//
// The arithmetic models "skip the 128-byte red zone, 16-byte-align,
// push siginfo and a saved context" directly on the saved Rsp without
// needing an actual mapped user stack in tests that don't care about
// the bytes.
func deliverPending(thread *Thread, sigactions *[sigMax]Sigaction) bool {
	thread.mu.Lock()
	defer thread.mu.Unlock()

	for sig := 1; sig < sigMax; sig++ {
		bit := uint64(1) << uint(sig)
		if thread.SigPending&bit == 0 {
			continue
		}
		if thread.SigMask&bit != 0 {
			continue
		}

		action := sigactions[sig]
		frame := &thread.Regs

		frame.Rsp -= 128
		frame.Rsp &^= 15

		if action.SigInfo {
			frame.Rsp -= sigInfoSize
			frame.Rsp -= registersSize
			frame.Rdi = uint64(sig)
			frame.Rsi = frame.Rsp + registersSize
			frame.Rdx = frame.Rsp
		} else {
			frame.Rdi = uint64(sig)
		}
		frame.Rip = uint64(action.Handler)

		thread.SigPending &^= bit
		return true
	}
	return false
}

const (
	sigInfoSize   = 32
	registersSize = 168
)

// Signal number constants re-exported from x/sys/unix for callers that
// want POSIX names instead of bare ints.
const (
	SIGHUP  = int(unix.SIGHUP)
	SIGINT  = int(unix.SIGINT)
	SIGKILL = int(unix.SIGKILL)
	SIGUSR1 = int(unix.SIGUSR1)
	SIGUSR2 = int(unix.SIGUSR2)
	SIGCHLD = int(unix.SIGCHLD)
	SIGTERM = int(unix.SIGTERM)
)
