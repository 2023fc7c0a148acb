package minikern

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// MaxCores bounds the number of virtual cores a Kernel may run.
const MaxCores = 32

// Kernel is the multi-core scheduler instance: it owns the virtual cores,
// the ready queues, the timeout list and the process table. Construct one
// with NewKernel, add work with NewProcess/SpawnThread/Wakeup, then Boot.
type Kernel struct {
	cores []*core

	// schedLock protects the ready queues, the timeout list, every TCB
	// scheduling field (state, phase, priority, handoff links) and the
	// congestion counters.
	schedLock   Mutex
	sched       [PriorityLists]listNode
	timeoutList listNode
	congestion  int
	failSafe    int

	// activeLock guards activeThreads on its own: it is taken at spawn,
	// at release and by ActiveThreads. Release takes it while schedLock is
	// held (sched -> active nesting); it is never held around schedLock.
	activeLock    Mutex
	activeThreads int

	procLock Mutex
	procs    []*PCB

	epoch time.Time
}

// NewKernel builds a kernel with ncores virtual cores, an initialized
// scheduler queue set and a process table holding the kernel process that
// owns the idle threads.
func NewKernel(ncores int) *Kernel {
	if ncores < 1 || ncores > MaxCores {
		log.WithField("ncores", ncores).Panic("[KERNEL] core count out of range")
	}

	k := &Kernel{epoch: time.Now()}

	for i := 0; i < ncores; i++ {
		k.cores = append(k.cores, &core{
			id:   i,
			kern: k,
			wake: make(chan struct{}, 1),
		})
	}

	k.initializeScheduler()

	// PCB 0: the kernel process, owner of every idle thread.
	k.NewProcess()

	log.WithField("cores", ncores).Info("[KERNEL] created")
	return k
}

// initializeScheduler sets up the ready queues and the timeout list.
func (k *Kernel) initializeScheduler() {
	for i := range k.sched {
		k.sched[i].initNode(nil)
	}
	k.timeoutList.initNode(nil)
}

// ActiveThreads returns the number of live normal threads. Idle threads
// never count.
func (k *Kernel) ActiveThreads() int {
	k.activeLock.Lock()
	n := k.activeThreads
	k.activeLock.Unlock()
	return n
}

// idleLoop is the body of a core's idle thread. It yields whenever there
// might be work, halts the core when there is none, and terminates when
// the last normal thread has exited, waking the other cores so they can
// observe termination too.
func (c *core) idleLoop() {
	t := &c.idleThread

	// First entry: give way immediately.
	t.Yield(SchedIdle)

	// We come back here whenever no ready thread exists for this core.
	for c.kern.ActiveThreads() > 0 {
		c.halt()
		t.Yield(SchedIdle)
	}

	// Leaving the scheduler.
	c.biosCancelTimer()
	c.kern.cpuCoreRestartAll()
}

// RunScheduler is the per-core scheduler entry point: it initializes the
// core's CCB and idle thread, installs the interrupt handlers, and runs
// the idle loop on the calling goroutine until the kernel terminates.
func (k *Kernel) RunScheduler(coreID int) {
	c := k.cores[coreID]

	idle := &c.idleThread
	idle.ownerPCB = k.getPCB(0)
	idle.typ = IdleThread
	idle.state = Running
	idle.phase = CtxDirty
	idle.wakeupTime = NoTimeout
	idle.priority = TopPriority
	idle.mutexFlag = false
	idle.prevQueue = TopPriority
	idle.kern = k
	idle.schedNode.initNode(idle)
	idle.context.resume = make(chan *core)
	idle.context.core = c

	c.currentThread = idle

	c.cpuInterruptHandler(IntrAlarm, yieldHandler)
	c.cpuInterruptHandler(IntrICI, iciHandler)

	log.WithField("core", c.id).Info("[KERNEL] core entering scheduler")

	idle.preemptOn()
	c.idleLoop()

	if c.currentThread != idle {
		log.WithField("core", c.id).Panic("[KERNEL] scheduler exit: core not running its idle thread")
	}

	c.cpuInterruptHandler(IntrAlarm, nil)
	c.cpuInterruptHandler(IntrICI, nil)

	log.WithField("core", c.id).Info("[KERNEL] core left scheduler")
}

// Boot runs the scheduler on every core and blocks until the last normal
// thread has exited and all cores have left the scheduler. A kernel
// terminates when ActiveThreads drops to zero, so make threads ready
// (Wakeup) before calling Boot, or from other running threads.
func (k *Kernel) Boot() {
	log.WithField("cores", len(k.cores)).Info("[KERNEL] boot")

	var wg sync.WaitGroup
	for i := range k.cores {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			k.RunScheduler(id)
		}(i)
	}
	wg.Wait()

	log.Info("[KERNEL] no active threads left, shutdown")
}
