package minikern

import log "github.com/sirupsen/logrus"

// Interrupt vectors of the virtual CPU.
const (
	// IntrAlarm is the quantum timer interrupt.
	IntrAlarm = iota
	// IntrICI is the inter-core interrupt used to poke halted cores.
	IntrICI

	maxVector
)

// InterruptHandler runs on the thread that was current when the interrupt
// was taken.
type InterruptHandler func(t *TCB)

// yieldHandler is the ALARM handler: the quantum expired, so the running
// thread yields and the feedback policy demotes it.
func yieldHandler(t *TCB) {
	log.WithFields(log.Fields{
		"core":     t.context.core.id,
		"priority": t.priority,
	}).Trace("[INT] ALARM: quantum expired")
	t.Yield(SchedQuantum)
}

// iciHandler handles inter-core interrupts. Their only job is to get a
// halted core out of halt, which the wake latch already did by the time
// we run, so there is nothing left to do.
func iciHandler(t *TCB) {}
