package minikern

import (
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

// TimerDuration is a time value of the virtual machine, in microseconds.
// It is used both for durations and for absolute times read off the clock.
type TimerDuration int64

// NoTimeout is the sentinel meaning "no scheduled wakeup".
const NoTimeout TimerDuration = -1

// Context is the saved machine context of a thread. In this virtual CPU
// a thread is backed by a goroutine that parks on the resume channel; a
// context switch is a channel handoff. The value sent across the channel
// is the core the thread is being dispatched on, which is how a thread
// learns its core after a migration.
type Context struct {
	resume chan *core

	// The simulated machine stack backing this context. sp points at the
	// base of the usable stack region inside the thread's allocation.
	sp        []byte
	stackSize int

	// core the context last ran on. Written by cpuSwapContext on the
	// receiving side and by the trampoline on first dispatch; only ever
	// read by the thread that owns the context while it is running.
	core *core
}

// core models one hardware core together with its CCB: the core id, the
// dedicated idle thread and the pointer to the currently running thread.
type core struct {
	id   int
	kern *Kernel

	idleThread    TCB
	currentThread *TCB

	// preempt is true when the core is in the preemptive domain (the
	// ALARM interrupt is unmasked). Only the thread currently running on
	// this core touches it.
	preempt bool

	// pendingAlarm latches a fired quantum timer until the running thread
	// reaches an interrupt point.
	pendingAlarm atomic.Bool

	// handlers is the core's interrupt vector table.
	handlers [maxVector]InterruptHandler

	// halt/restart latch. Capacity 1 so a restart delivered before the
	// core actually halts is not lost.
	wake   chan struct{}
	halted atomic.Bool

	alarm *time.Timer
}

// cpuInitializeContext installs a context that, when first swapped in,
// executes entry on its own goroutine. The goroutine starts parked; the
// first dispatch through cpuSwapContext releases it.
func cpuInitializeContext(ctx *Context, sp []byte, stackSize int, entry func()) {
	ctx.resume = make(chan *core)
	ctx.sp = sp
	ctx.stackSize = stackSize
	go func() {
		ctx.core = <-ctx.resume
		entry()
	}()
}

// cpuSwapContext switches from out to in on core c. It returns when some
// future swap targets out again, and records in out.core the core out was
// resumed on.
func cpuSwapContext(out, in *Context, c *core) {
	in.resume <- c
	out.core = <-out.resume
}

// handoffContext resumes in on core c without arranging to ever come back.
// Used on the exit path, where the outgoing thread's goroutine terminates.
func handoffContext(in *Context, c *core) {
	in.resume <- c
}

// halt parks the core until an interrupt (a restart token) arrives.
func (c *core) halt() {
	c.halted.Store(true)
	<-c.wake
	c.halted.Store(false)
}

// restart wakes the core if it is (or is about to be) halted. Extra
// tokens are dropped; a core observing a stale token just re-checks its
// condition and halts again.
func (c *core) restart() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// cpuCoreRestartOne wakes one halted core, if any. Called after enqueueing
// work so an idle core picks it up.
func (k *Kernel) cpuCoreRestartOne() {
	for _, c := range k.cores {
		if c.halted.Load() {
			c.restart()
			return
		}
	}
}

// cpuCoreRestartAll wakes every core. Used at scheduler teardown so halted
// cores get to observe termination.
func (k *Kernel) cpuCoreRestartAll() {
	for _, c := range k.cores {
		c.restart()
	}
}

// biosSetTimer arms the core's quantum alarm. When it fires the ALARM is
// latched and the core is woken in case it was halted; the running thread
// takes the interrupt at its next interrupt point.
func (c *core) biosSetTimer(d TimerDuration) {
	if d < 1 {
		d = 1
	}
	c.biosCancelTimer()
	c.alarm = time.AfterFunc(time.Duration(d)*time.Microsecond, func() {
		c.pendingAlarm.Store(true)
		c.restart()
	})
}

// biosCancelTimer disarms the quantum alarm and drops any latched ALARM.
func (c *core) biosCancelTimer() {
	if c.alarm != nil {
		c.alarm.Stop()
		c.alarm = nil
	}
	c.pendingAlarm.Store(false)
}

// biosClock returns the current virtual time: microseconds since the
// kernel was constructed.
func (k *Kernel) biosClock() TimerDuration {
	return TimerDuration(time.Since(k.epoch).Microseconds())
}

// cpuInterruptHandler installs fn as the core's handler for vector
// (nil uninstalls).
func (c *core) cpuInterruptHandler(vector int, fn InterruptHandler) {
	if vector < 0 || vector >= maxVector {
		log.WithField("vector", vector).Panic("[CPU] install handler: bad interrupt vector")
	}
	c.handlers[vector] = fn
}

// PreemptPoint is where the running thread takes pending interrupts. Every
// blocking kernel entry point calls it on the way in, so a thread that
// talks to the kernel is preempted without doing anything; compute-bound
// thread code that never enters the kernel must call it periodically
// itself. It is a no-op while the core is in the non-preemptive domain.
// This is the virtual-CPU stand-in for asynchronous delivery of the ALARM
// interrupt: a goroutine cannot be interrupted from outside, so delivery
// happens at these points, the way a cooperatively-preempted runtime
// checks at safepoints.
func (t *TCB) PreemptPoint() {
	c := t.context.core
	if c == nil || !c.preempt {
		return
	}
	if c.pendingAlarm.CompareAndSwap(true, false) {
		if h := c.handlers[IntrAlarm]; h != nil {
			h(t)
		}
	}
}

// preemptOff enters the non-preemptive domain on t's core and returns the
// previous state.
func (t *TCB) preemptOff() bool {
	c := t.context.core
	old := c.preempt
	c.preempt = false
	return old
}

// preemptOn re-enters the preemptive domain on t's core.
func (t *TCB) preemptOn() {
	t.context.core.preempt = true
}
