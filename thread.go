package minikern

import (
	"unsafe"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// ThreadFunc is the entry point of a kernel thread. It receives the
// thread's own TCB; all thread-scoped scheduler operations (Yield,
// SleepReleasing, PreemptPoint) hang off it.
type ThreadFunc func(t *TCB)

// ThreadType distinguishes normal threads from the per-core idle threads.
type ThreadType int

const (
	NormalThread ThreadType = iota
	IdleThread
)

// ThreadState is the scheduling state of a thread.
type ThreadState int

const (
	Init ThreadState = iota
	Ready
	Running
	Stopped
	Exited
)

func (s ThreadState) String() string {
	switch s {
	case Init:
		return "INIT"
	case Ready:
		return "READY"
	case Running:
		return "RUNNING"
	case Stopped:
		return "STOPPED"
	case Exited:
		return "EXITED"
	}
	return "UNKNOWN"
}

// ThreadPhase records whether some core is currently executing on the
// thread's context. While CtxDirty, no other core may enqueue, free or
// swap to the TCB.
type ThreadPhase int

const (
	CtxClean ThreadPhase = iota
	CtxDirty
)

/*
   The thread layout.
  --------------------

  A thread occupies one page-aligned mapping holding a region sized for
  the TCB header first and the stack right after it, with an optional
  inaccessible guard page at the far end. The header region is reserved
  only; the TCB struct itself is allocated on the Go heap:

  +--------------+
  |  TCB header  |  round_up(sizeof(TCB), PageSize)
  +--------------+
  |    stack     |  ThreadStackSize, grows upward
  |      ^       |
  +--------------+
  |  guard page  |  PROT_NONE (optional)
  +--------------+

  The stack cannot grow: an overrun walks into the guard page and faults
  instead of corrupting a neighbouring thread.
*/

const (
	// PageSize of the virtual machine.
	PageSize = 4096

	// ThreadStackSize is the fixed stack size of every thread. Must be a
	// multiple of PageSize.
	ThreadStackSize = 32 * 1024

	// stackGuardPage adds a PROT_NONE page past the end of each stack.
	stackGuardPage = true
)

// threadTCBSize is sizeof(TCB) rounded up to a page multiple.
var threadTCBSize = (int(unsafe.Sizeof(TCB{})) + PageSize - 1) / PageSize * PageSize

// threadSize is the size of the usable part of a thread allocation.
var threadSize = threadTCBSize + ThreadStackSize

// TCB is the thread control block: the per-thread state header. It lives
// on the Go heap, not inside the thread's mapping; block and stack refer
// to that mapping.
type TCB struct {
	ownerPCB  *PCB
	ownerPTCB *PTCB

	typ   ThreadType
	state ThreadState
	phase ThreadPhase

	threadFunc ThreadFunc

	wakeupTime TimerDuration
	priority   int

	// Saved priority around a mutex-induced demotion. mutexFlag marks
	// that priority currently holds LowestPriority because of a mutex
	// wait and prevQueue has the value to restore.
	mutexFlag bool
	prevQueue int

	// schedNode belongs to at most one of: a ready queue, the timeout
	// list, or no list.
	schedNode listNode

	context Context

	// next/prev are the transient handoff links: the outgoing thread sets
	// them in Yield for the incoming thread's gain to consult.
	next, prev *TCB

	kern *Kernel

	// block is the whole mapping backing this thread (header image, stack,
	// optional guard page); stack is the usable stack region inside it.
	block []byte
	stack []byte
}

// allocateThread maps a page-aligned block of the given size, plus a guard
// page when enabled. The mapping is anonymous and private, like a real
// thread stack.
func allocateThread(size int) ([]byte, error) {
	mapSize := size
	if stackGuardPage {
		mapSize += PageSize
	}
	block, err := unix.Mmap(-1, 0, mapSize,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, err
	}
	if stackGuardPage {
		if err := unix.Mprotect(block[size:], unix.PROT_NONE); err != nil {
			_ = unix.Munmap(block)
			return nil, err
		}
	}
	return block, nil
}

// freeThread unmaps a thread block.
func freeThread(block []byte) {
	if err := unix.Munmap(block); err != nil {
		log.WithError(err).Error("[TCB] munmap thread block")
	}
}

// threadStart is the trampoline every normal thread enters exactly once,
// on first dispatch. It never returns.
func (t *TCB) threadStart() {
	t.gain(true)
	t.threadFunc(t)

	// We are not supposed to get here!
	log.WithField("pcb", t.ownerPCB.ID).Panic("[TCB] thread function returned; threads must exit via SleepReleasing(Exited, ...)")
}

// SpawnThread allocates and initializes a new thread owned by pcb. The
// thread starts in state Init and runs nothing until it is made ready
// with Wakeup. Allocation failure is fatal.
func (k *Kernel) SpawnThread(pcb *PCB, fn ThreadFunc) *TCB {
	block, err := allocateThread(threadSize)
	if err != nil {
		log.WithError(err).Panic("[TCB] thread allocation failed")
	}

	t := &TCB{
		ownerPCB:   pcb,
		typ:        NormalThread,
		state:      Init,
		phase:      CtxClean,
		threadFunc: fn,
		wakeupTime: NoTimeout,
		priority:   TopPriority,
		prevQueue:  TopPriority,
		kern:       k,
		block:      block,
		stack:      block[threadTCBSize:threadSize],
	}
	t.schedNode.initNode(t)

	cpuInitializeContext(&t.context, t.stack, ThreadStackSize, t.threadStart)

	k.schedLock.Lock()
	pcb.threadCount++
	k.schedLock.Unlock()

	k.activeLock.Lock()
	k.activeThreads++
	k.activeLock.Unlock()

	log.WithFields(log.Fields{
		"pcb":      pcb.ID,
		"priority": t.priority,
	}).Debug("[TCB] spawned thread")

	return t
}

// releaseTCB frees a thread's backing allocation and drops it from the
// active count. Called only from the successor thread's gain, with the
// scheduler spinlock held, after the dead thread has been switched away.
func (k *Kernel) releaseTCB(t *TCB) {
	freeThread(t.block)
	t.block = nil
	t.stack = nil

	k.activeLock.Lock()
	k.activeThreads--
	k.activeLock.Unlock()
}

// SetOwnerPTCB attaches the per-thread process record that should be
// flagged when this thread exits. Must be called before the thread is
// first made ready.
func (t *TCB) SetOwnerPTCB(p *PTCB) {
	if t.state != Init {
		panic("minikern: SetOwnerPTCB on a thread that already ran")
	}
	t.ownerPTCB = p
}

// Priority returns the thread's current priority level.
func (t *TCB) Priority() int {
	k := t.kern
	k.schedLock.Lock()
	p := t.priority
	k.schedLock.Unlock()
	return p
}

// State returns the thread's current scheduling state.
func (t *TCB) State() ThreadState {
	k := t.kern
	k.schedLock.Lock()
	s := t.state
	k.schedLock.Unlock()
	return s
}
