package kernel

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"pastoral.dev/kernel/pkg/kernel/klog"
)

// coreState is one simulated core's current pid/tid pair: -1/-1 means
// idle.
type coreState struct {
	pid Pid
	tid Tid
}

// Scheduler implements the single global ready set: every tick ages
// each WAITING task and thread, and the highest idle count wins. One
// goroutine per simulated core drives the tick loop under an
// errgroup.Group, so the first fatal invariant violation on any core
// stops every core.
type Scheduler struct {
	k      *Kernel
	mu     sync.Mutex
	cores  []coreState
	timers *TimerQueue
}

func newScheduler(k *Kernel) *Scheduler {
	return &Scheduler{k: k, timers: NewTimerQueue()}
}

// findNextTask scans the task table incrementing IdleCnt on every
// WAITING task and returns the one with the greatest accumulated count.
// Ties must break deterministically per tick, and Go leaves map
// iteration order undefined, so the scan runs in ascending pid order.
func (s *Scheduler) findNextTask() *Task {
	var best *Task
	var bestCnt uint64

	pids := make([]Pid, 0, len(s.k.tasks))
	for pid := range s.k.tasks {
		pids = append(pids, pid)
	}
	sortPids(pids)

	for _, pid := range pids {
		task := s.k.tasks[pid]
		task.mu.Lock()
		if task.Status == StatusWaiting {
			if task.IdleCnt != ^uint64(0) {
				task.IdleCnt++
			}
			if best == nil || bestCnt < task.IdleCnt {
				bestCnt = task.IdleCnt
				best = task
			}
		}
		task.mu.Unlock()
	}
	return best
}

// findNextThread scans task's threads the same way findNextTask scans
// the task table.
func (s *Scheduler) findNextThread(task *Task) *Thread {
	task.mu.Lock()
	tids := make([]Tid, 0, len(task.threads))
	for tid := range task.threads {
		tids = append(tids, tid)
	}
	task.mu.Unlock()
	sortTids(tids)

	var best *Thread
	var bestCnt uint64
	for _, tid := range tids {
		thread := task.Thread(tid)
		if thread == nil {
			continue
		}
		thread.mu.Lock()
		if thread.Status == StatusWaiting {
			if thread.IdleCnt != ^uint64(0) {
				thread.IdleCnt++
			}
			if best == nil || bestCnt < thread.IdleCnt {
				bestCnt = thread.IdleCnt
				best = thread
			}
		}
		thread.mu.Unlock()
	}
	return best
}

// Tick runs one selection pass for core — the save-outgoing /
// load-incoming sequence of a reschedule minus the actual register
// switch (no real CPU to return to): it marks the previously-running
// task/thread WAITING (unless YIELD), selects the next WAITING
// task/thread, resets its IdleCnt, and marks it RUNNING. It returns the
// newly dispatched (task, thread), or (nil, nil) if the core goes idle
// or keeps running what it already has.
func (s *Scheduler) Tick(core int) (*Task, *Thread) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tickLocked(core)
}

// TryTick is the timer-interrupt entry: a core that cannot take
// sched_lock immediately returns without switching rather than spinning
// inside its interrupt handler.
func (s *Scheduler) TryTick(core int) (*Task, *Thread, bool) {
	if !s.mu.TryLock() {
		return nil, nil, false
	}
	defer s.mu.Unlock()
	task, thread := s.tickLocked(core)
	return task, thread, true
}

func (s *Scheduler) tickLocked(core int) (*Task, *Thread) {
	s.k.mu.Lock()
	defer s.k.mu.Unlock()

	for len(s.cores) <= core {
		s.cores = append(s.cores, coreState{pid: -1, tid: -1})
	}
	prev := s.cores[core]

	nextTask := s.findNextTask()
	if nextTask == nil {
		s.idleIfGone(core, prev)
		return nil, nil
	}
	nextThread := s.findNextThread(nextTask)
	if nextThread == nil {
		s.idleIfGone(core, prev)
		return nil, nil
	}

	if prev.pid != -1 {
		if lastTask := s.k.Translate(prev.pid); lastTask != nil {
			if lastThread := lastTask.Thread(prev.tid); lastThread != nil {
				lastThread.mu.Lock()
				if lastThread.Status != StatusYield {
					lastThread.Status = StatusWaiting
				}
				lastThread.mu.Unlock()

				lastTask.mu.Lock()
				if lastTask.Status != StatusYield {
					lastTask.Status = StatusWaiting
				}
				lastTask.mu.Unlock()
			}
		}
	}

	nextTask.mu.Lock()
	nextTask.IdleCnt = 0
	nextTask.Status = StatusRunning
	nextTask.eventWaiting = false
	nextTask.mu.Unlock()

	nextThread.mu.Lock()
	nextThread.IdleCnt = 0
	nextThread.Status = StatusRunning
	nextThread.mu.Unlock()

	// Signal delivery happens only on the way back to user mode; a
	// kernel-mode frame is never rewritten.
	if nextThread.Regs.Cs&0x3 != 0 {
		deliverPending(nextThread, &nextTask.sigactions)
	}

	s.cores[core] = coreState{pid: nextTask.Pid, tid: nextThread.Tid}
	return nextTask, nextThread
}

// idleIfGone resets core to the idle (-1, -1) pair when whatever it was
// running no longer exists or can no longer run; a still-running
// previous thread is kept (nothing better to run, so keep running it).
// Caller holds s.mu and k.mu.
func (s *Scheduler) idleIfGone(core int, prev coreState) {
	if prev.pid == -1 {
		return
	}
	if task := s.k.Translate(prev.pid); task != nil {
		if thread := task.Thread(prev.tid); thread != nil {
			thread.mu.Lock()
			running := thread.Status == StatusRunning
			thread.mu.Unlock()
			if running {
				return
			}
		}
	}
	s.cores[core] = coreState{pid: -1, tid: -1}
}

// Dequeue transitions task/thread to YIELD under the big lock, making
// them invisible to selection.
func (s *Scheduler) Dequeue(task *Task, thread *Thread) {
	s.k.mu.Lock()
	defer s.k.mu.Unlock()
	task.mu.Lock()
	task.Status = StatusYield
	task.mu.Unlock()
	thread.mu.Lock()
	thread.Status = StatusYield
	thread.mu.Unlock()
}

// Requeue transitions task/thread back to WAITING with maximal
// IdleCnt, so a just-woken waiter is picked on the very next tick.
func (s *Scheduler) Requeue(task *Task, thread *Thread) {
	s.k.mu.Lock()
	defer s.k.mu.Unlock()
	task.mu.Lock()
	task.Status = StatusWaiting
	task.IdleCnt = ^uint64(0)
	task.mu.Unlock()
	thread.mu.Lock()
	thread.Status = StatusWaiting
	thread.IdleCnt = ^uint64(0)
	thread.mu.Unlock()
}

// Current reports the (pid, tid) pair core last dispatched, or
// (-1, -1) when the core is idle.
func (s *Scheduler) Current(core int) (Pid, Tid) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if core >= len(s.cores) {
		return -1, -1
	}
	return s.cores[core].pid, s.cores[core].tid
}

// RunCores starts ncores goroutines, one per simulated CPU, each ticking
// the scheduler on the given interval until ctx is canceled. It mirrors
// every core independently consulting the global ready set on its own
// local-APIC timer.
func (s *Scheduler) RunCores(ctx context.Context, ncores int, tick time.Duration) error {
	g, ctx := errgroup.WithContext(ctx)
	for core := 0; core < ncores; core++ {
		core := core
		g.Go(func() error {
			ticker := time.NewTicker(tick)
			defer ticker.Stop()
			log := klog.ForCore(core)
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-ticker.C:
					s.timers.Expire(time.Now().UnixNano())
					task, thread, ok := s.TryTick(core)
					if !ok {
						continue // another core holds sched_lock
					}
					if task != nil {
						log.Debugf("dispatched pid=%d tid=%d", task.Pid, thread.Tid)
					}
				}
			}
		})
	}
	return g.Wait()
}

func sortPids(pids []Pid) {
	for i := 1; i < len(pids); i++ {
		for j := i; j > 0 && pids[j-1] > pids[j]; j-- {
			pids[j-1], pids[j] = pids[j], pids[j-1]
		}
	}
}

func sortTids(tids []Tid) {
	for i := 1; i < len(tids); i++ {
		for j := i; j > 0 && tids[j-1] > tids[j]; j-- {
			tids[j-1], tids[j] = tids[j], tids[j-1]
		}
	}
}
