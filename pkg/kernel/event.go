package kernel

import "sync"

// EventType tags a Trigger with the kind of rendezvous it services.
type EventType int

const (
	EventProcExit EventType = iota
	EventFDRead
	EventFDWrite
	EventTimerTrigger
	EventSignal
)

// Trigger is installed on an Event by a prospective firer. Triggers are
// owned by their agent and are never freed on fire.
type Trigger struct {
	AgentTask   *Task
	AgentThread *Thread

	Event *Event
	Type  EventType
}

// Event is a level-triggered rendezvous object owned by exactly one
// task. Wait blocks until a Trigger whose Type matches is fired; Fire
// always satisfies exactly one dequeued waiter.
type Event struct {
	mu       sync.Mutex
	triggers []*Trigger
	pending  chan *Trigger

	// owner identifies the task/thread this event belongs to, so
	// Fire can requeue it via the scheduler.
	owner       *Task
	ownerThread *Thread
	sched       *Scheduler
}

// newEvent returns an Event owned by task/thread, backed by sched for
// requeueing on fire. The pending channel is generously buffered so a
// firer never blocks on a slow waiter.
func newEvent(sched *Scheduler, task *Task, thread *Thread) *Event {
	return &Event{
		pending:     make(chan *Trigger, 4096),
		owner:       task,
		ownerThread: thread,
		sched:       sched,
	}
}

// AppendTrigger installs trigger on e so a later Fire can find it.
func (e *Event) AppendTrigger(trigger *Trigger) {
	e.mu.Lock()
	e.triggers = append(e.triggers, trigger)
	e.mu.Unlock()
}

// Wait blocks the calling goroutine until a trigger of the given type
// fires against e, looping past triggers of any other type.
//
// A fire that landed before Wait was called is consumed without
// suspending — the pending counter's level-triggered guarantee. When
// nothing is pending, the owning task/thread is dequeued (invisible to
// selection) with eventWaiting set until Fire requeues it.
func (e *Event) Wait(eventType EventType) *Trigger {
	for {
		if trigger := e.takeOrPark(); trigger != nil {
			if trigger.Type == eventType {
				return trigger
			}
			continue
		}

		trigger := <-e.pending
		if trigger.Type == eventType {
			return trigger
		}
		// A trigger of some other type fired against the same
		// event; keep the waiter parked and re-block on the
		// channel until the right one arrives.
	}
}

// takeOrPark atomically either consumes an already-pending trigger or
// makes the owner invisible to the scheduler (dequeue plus the
// eventWaiting flag). Holding e.mu across the check-and-dequeue closes
// the race against Fire, which takes the same lock before it sends and
// requeues — the software stand-in for an interrupts-disabled window.
// Events constructed without an owner (bare rendezvous in tests) skip
// the scheduler interaction and just block on the channel.
func (e *Event) takeOrPark() *Trigger {
	e.mu.Lock()
	defer e.mu.Unlock()

	select {
	case trigger := <-e.pending:
		return trigger
	default:
	}

	if e.sched != nil && e.owner != nil && e.ownerThread != nil {
		e.sched.Dequeue(e.owner, e.ownerThread)
		e.owner.mu.Lock()
		e.owner.eventWaiting = true
		e.owner.mu.Unlock()
	}
	return nil
}

// Fire delivers trigger to its target event: it increments pending
// (buffered channel send), requeues the owning task/thread to WAITING,
// and records the trigger as satisfying exactly one waiter. The event
// lock orders Fire against a concurrent Wait's check-and-dequeue.
func Fire(trigger *Trigger) {
	event := trigger.Event
	if event == nil {
		panicf("event: fire on trigger with nil event")
	}

	event.mu.Lock()
	event.pending <- trigger
	if event.sched != nil && event.owner != nil && event.ownerThread != nil {
		event.sched.Requeue(event.owner, event.ownerThread)
	}
	event.mu.Unlock()
}

// CreateTimer installs a timer trigger on e that fires once the
// scheduler's clock reaches deadline.
func (e *Event) CreateTimer(sched *Scheduler, deadline int64) *Trigger {
	trigger := &Trigger{Event: e, Type: EventTimerTrigger}
	sched.timers.Schedule(deadline, trigger)
	return trigger
}
