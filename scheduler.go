package minikern

import (
	"runtime"

	log "github.com/sirupsen/logrus"
)

// SchedCause is the reason a thread entered Yield. The feedback policy
// reacts to it: quantum expiry demotes, I/O promotes, mutex contention
// parks the thread at the bottom until its next non-mutex yield.
type SchedCause int

const (
	SchedQuantum SchedCause = iota
	SchedIO
	SchedMutex
	SchedPipe
	SchedPoll
	SchedIdle
	SchedUser
)

func (c SchedCause) String() string {
	switch c {
	case SchedQuantum:
		return "QUANTUM"
	case SchedIO:
		return "IO"
	case SchedMutex:
		return "MUTEX"
	case SchedPipe:
		return "PIPE"
	case SchedPoll:
		return "POLL"
	case SchedIdle:
		return "IDLE"
	case SchedUser:
		return "USER"
	}
	return "UNKNOWN"
}

// Scheduler tunables.
const (
	// PriorityLists is the number of feedback levels.
	PriorityLists  = 8
	TopPriority    = PriorityLists - 1
	LowestPriority = 0

	// Quantum is the base timeslice in microseconds. The timeslice a
	// thread actually gets is Quantum / (priority + 1), so high-priority
	// threads come back quickly for re-evaluation.
	Quantum TimerDuration = 10000

	// MaxCongestion is the starvation-pressure threshold that triggers a
	// priority boost.
	MaxCongestion = 10

	// failSafePeriod forces a boost every this many selections even when
	// the congestion heuristic never fires.
	failSafePeriod = 500
)

/*
  Scheduler queues.

  SCHED is an array of FIFO ready queues, one per priority level. The
  timeout list holds sleeping threads sorted ascending by absolute wakeup
  time. Both, together with every TCB scheduling field, are protected by
  the scheduler spinlock.

  All sched* helpers below must be called with schedLock held.
*/

// schedRegisterTimeout possibly puts t on the timeout list, keyed by
// absolute wakeup time. Insertion is stable for equal times.
func (k *Kernel) schedRegisterTimeout(t *TCB, timeout TimerDuration) {
	if timeout == NoTimeout {
		return
	}
	t.wakeupTime = k.biosClock() + timeout

	n := k.timeoutList.next
	for ; n != &k.timeoutList; n = n.next {
		// skip earlier (and equal) entries
		if t.wakeupTime < n.tcb.wakeupTime {
			break
		}
	}
	spliceBefore(n, &t.schedNode)
}

// schedQueueAdd appends t to the ready queue of its priority level and
// pokes one halted core so an idle core picks it up.
func (k *Kernel) schedQueueAdd(t *TCB) {
	k.sched[t.priority].pushBack(&t.schedNode)
	k.cpuCoreRestartOne()
}

// schedMakeReady transitions a Stopped or Init thread to Ready. If the
// thread still has a dirty context, the enqueue is left to the gain of
// the core that is releasing it.
func (k *Kernel) schedMakeReady(t *TCB) {
	if t.state != Stopped && t.state != Init {
		log.WithField("state", t.state).Panic("[SCHED] make ready: thread is neither STOPPED nor INIT")
	}

	// Possibly remove from the timeout list.
	if t.wakeupTime != NoTimeout {
		t.schedNode.unlink()
		t.wakeupTime = NoTimeout
	}

	t.state = Ready

	if t.phase == CtxClean {
		k.schedQueueAdd(t)
	}
}

// schedQueueSelect picks the next thread to run: it first wakes every
// expired sleeper, then pops the head of the highest non-empty queue.
// It also drives the congestion heuristic and the fail-safe tick, either
// of which may trigger a boost. Returns nil when every queue is empty.
func (k *Kernel) schedQueueSelect() *TCB {
	// Empty the timeout list up to the current time.
	curtime := k.biosClock()
	for !k.timeoutList.isEmpty() {
		t := k.timeoutList.next.tcb
		if t.wakeupTime > curtime {
			break
		}
		k.schedMakeReady(t)
	}

	// Search the queues from top to bottom.
	var sel *TCB
	level := LowestPriority - 1
	for i := TopPriority; i >= LowestPriority; i-- {
		if n := k.sched[i].popFront(); n != nil {
			sel = n.tcb
			level = i
			break
		}
	}

	if level <= LowestPriority {
		// Nothing found, or the pick came from the bottom. Pressure drops.
		k.congestion--
	} else {
		// Found somewhere above the bottom: if any lower level still has
		// work, those threads are starving and pressure grows.
		for i := level - 1; i >= LowestPriority; i-- {
			if !k.sched[i].isEmpty() {
				k.congestion++
				break
			}
			if i == LowestPriority {
				k.congestion--
				break
			}
		}
	}

	if k.congestion < 0 {
		k.congestion = 0
	}

	k.failSafe++

	if k.congestion >= MaxCongestion || k.failSafe >= failSafePeriod {
		k.boost()
	}

	return sel
}

// boost promotes every thread below the top level one level up, preserving
// order within each level, and resets the congestion state. Must be called
// with schedLock held.
func (k *Kernel) boost() {
	log.WithFields(log.Fields{
		"congestion": k.congestion,
		"failSafe":   k.failSafe,
	}).Debug("[SCHED] boost")

	k.congestion = 0
	k.failSafe = 0

	// Push all the threads one priority up, starting from the second list
	// from the top.
	for i := TopPriority - 1; i >= LowestPriority; i-- {
		for {
			n := k.sched[i].popFront()
			if n == nil {
				break
			}
			n.tcb.priority++
			k.sched[i+1].pushBack(n)
		}
	}
}

// Wakeup makes t ready if it is currently Stopped or Init and reports
// whether it did so. Waking a thread that is already Ready, Running or
// Exited is a no-op.
func (k *Kernel) Wakeup(t *TCB) bool {
	ret := false

	k.schedLock.Lock()
	if t.state == Stopped || t.state == Init {
		k.schedMakeReady(t)
		ret = true
	}
	k.schedLock.Unlock()

	if ret {
		log.Trace("[SCHED] wakeup")
	}
	return ret
}

// SleepReleasing atomically puts the calling thread to sleep and releases
// mx. The thread is marked unschedulable before mx is unlocked, so a
// concurrent Wakeup through mx cannot be lost. state must be Stopped or
// Exited; an Exited thread never returns from this call.
//
// A timeout other than NoTimeout bounds the sleep: the thread becomes
// ready again no later than the first selection at or after the deadline.
// A Wakeup racing the deadline simply wins; the caller has to inspect its
// own condition state to tell the two apart.
func (t *TCB) SleepReleasing(state ThreadState, mx *Mutex, cause SchedCause, timeout TimerDuration) {
	if state != Stopped && state != Exited {
		log.WithField("state", state).Panic("[SCHED] SleepReleasing: state must be STOPPED or EXITED")
	}

	k := t.kern
	preempt := t.preemptOff()

	k.schedLock.Lock()

	t.state = state

	if state != Exited {
		k.schedRegisterTimeout(t, timeout)
	}

	if mx != nil {
		mx.Unlock()
	}

	// The scheduler spinlock must be free before Yield.
	k.schedLock.Unlock()

	t.Yield(cause)

	if preempt {
		t.preemptOn()
	}
}

// Yield is the entry point to context switching. The calling thread gives
// up the core; cause drives the feedback policy on its priority. Control
// returns (possibly on a different core) when the thread is dispatched
// again — unless it yielded as Exited, in which case its goroutine ends
// inside this call.
func (t *TCB) Yield(cause SchedCause) {
	c := t.context.core

	// Quiet the quantum timer and enter the non-preemptive domain.
	c.biosCancelTimer()
	preempt := t.preemptOff()

	k := t.kern
	currentReady := false

	k.schedLock.Lock()

	// Feedback policy: adjust priority by cause.
	switch cause {
	case SchedQuantum:
		// End of quantum: the thread was greedy, demote it.
		t.priority--
	case SchedIO:
		// I/O wait: the thread was responsive, promote it.
		t.priority++
	case SchedMutex:
		// Park at the bottom while contending; remember where we were
		// before the first mutex-induced demotion.
		if !t.mutexFlag {
			t.prevQueue = t.priority
		}
		t.priority = LowestPriority
		t.mutexFlag = true
	case SchedPipe, SchedPoll, SchedIdle, SchedUser:
	}

	if t.priority < LowestPriority {
		t.priority = LowestPriority
	} else if t.priority > TopPriority {
		t.priority = TopPriority
	}

	// The first non-mutex yield after a mutex demotion restores the
	// saved priority, overriding whatever the cause adjusted above.
	if t.mutexFlag && cause != SchedMutex {
		t.mutexFlag = false
		t.priority = t.prevQueue
	}

	switch t.state {
	case Running:
		t.state = Ready
		fallthrough
	case Ready:
		// Ready here means we were awakened before we managed to sleep.
		currentReady = true
	case Stopped, Exited:
	default:
		log.WithFields(log.Fields{
			"state": t.state,
			"pcb":   t.ownerPCB.ID,
		}).Panic("[SCHED] bad state for current thread in Yield")
	}

	next := k.schedQueueSelect()

	// Maybe nothing was ready in the scheduler queues.
	if next == nil {
		if currentReady {
			next = t
		} else {
			next = &c.idleThread
		}
	}

	// Link current and next for the gain phase.
	t.next = next
	next.prev = t

	k.schedLock.Unlock()

	if next != t {
		c.currentThread = next

		log.WithFields(log.Fields{
			"core":  c.id,
			"cause": cause,
		}).Trace("[SCHED] context switch")

		if t.state == Exited {
			// Hand the core over and terminate: the successor's gain
			// reaps this TCB, nobody ever swaps back to it.
			handoffContext(&next.context, c)
			runtime.Goexit()
		}
		cpuSwapContext(&t.context, &next.context, c)
	}

	// We get here when we are switched back on, possibly much later and
	// possibly on another core. Start a new timeslice.
	t.gain(preempt)
}

// gain runs at the beginning of each new timeslice, on the incoming
// thread: from the tail of Yield, or once from the spawn trampoline. It
// finishes the two-phase handoff by doing the bookkeeping the outgoing
// thread could not do while its context was still live: enqueueing it,
// or reaping it if it exited.
//
// preempt says whether to re-enter the preemptive domain; threads parked
// inside non-preemptive code must come back with preemption still off.
func (t *TCB) gain(preempt bool) {
	k := t.kern
	k.schedLock.Lock()

	prev := t.prev

	t.state = Running
	t.phase = CtxDirty

	if prev != t {
		// Take care of the thread we displaced.
		prev.phase = CtxClean
		switch prev.state {
		case Ready:
			if prev.typ != IdleThread {
				k.schedQueueAdd(prev)
			}
		case Exited:
			if prev.ownerPTCB != nil {
				// Joiners learn about the death through the process layer.
				prev.ownerPTCB.exited.Store(true)
			}
			prev.ownerPCB.threadCount--
			log.WithFields(log.Fields{
				"pcb":     prev.ownerPCB.ID,
				"threads": prev.ownerPCB.threadCount,
			}).Debug("[SCHED] reaped exited thread")
			k.releaseTCB(prev)
		case Stopped:
			// Already parked on the timeout list or awaiting Wakeup.
		default:
			log.WithField("state", prev.state).Panic("[SCHED] bad state for displaced thread in gain")
		}
	}

	k.schedLock.Unlock()

	if preempt {
		t.preemptOn()
	}

	// Arm the new quantum: shorter slices at higher priority.
	t.context.core.biosSetTimer(Quantum / TimerDuration(t.priority+1))
}
