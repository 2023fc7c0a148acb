package minikern

import (
	"sync/atomic"

	"github.com/google/uuid"
)

// PCB is the slice of a process control block the scheduler needs: an
// identity, and the count of live threads it owns. Everything else about
// processes lives outside this module.
type PCB struct {
	// ID is the process identifier, a UUID string.
	ID string

	// threadCount is the number of live threads owned by this process.
	// Incremented in SpawnThread, decremented when an exited thread is
	// reaped in gain; guarded by the scheduler spinlock.
	threadCount int
}

// PTCB is the per-thread process-layer record. The scheduler only ever
// touches its exited flag: the reaping gain raises it so joiners waiting
// in the process layer can see the thread is gone.
type PTCB struct {
	exited atomic.Bool
}

// Exited reports whether the thread behind this PTCB has been reaped.
func (p *PTCB) Exited() bool {
	return p.exited.Load()
}

// NewProcess registers a new process with the kernel and returns its PCB.
func (k *Kernel) NewProcess() *PCB {
	pcb := &PCB{ID: uuid.NewString()}

	k.procLock.Lock()
	k.procs = append(k.procs, pcb)
	k.procLock.Unlock()

	return pcb
}

// getPCB returns the PCB at index i of the process table. Index 0 is the
// kernel process that owns the idle threads.
func (k *Kernel) getPCB(i int) *PCB {
	k.procLock.Lock()
	pcb := k.procs[i]
	k.procLock.Unlock()
	return pcb
}

// ThreadCount returns the number of live threads pcb owns.
func (k *Kernel) ThreadCount(pcb *PCB) int {
	k.schedLock.Lock()
	n := pcb.threadCount
	k.schedLock.Unlock()
	return n
}
