// Package hal defines the hardware-abstraction contracts the kernel core
// depends on and never implements itself: a monotonic clock, an
// interrupt controller exposing the two priority bands plus a
// software-triggerable lowest-priority interrupt standing in for PendSV,
// and a 1kHz periodic tick source. The kernel core only ever calls through
// these interfaces; simhal supplies the one concrete implementation this
// repository ships.
package hal

import "time"

// Clock is the kernel's monotonic time source, underlying every deadline
// computation (snooze, timed acquire, timed lock).
type Clock interface {
	// Now returns nanoseconds on a monotonic, kernel-private clock. Not
	// wall-clock time; only differences between two Now() calls are
	// meaningful.
	Now() int64
}

// PriorityBand distinguishes the two interrupt priority bands the original
// hardware exposes (KIRQPriorityLevels): LowLatency interrupts keep running
// even while the kernel holds its normal-latency critical section;
// NormalLatency interrupts are the ones irq.Gate defers.
type PriorityBand int

const (
	LowLatency PriorityBand = iota
	NormalLatency
)

// InterruptController is the minimal surface the scheduler needs from an
// interrupt controller: a way to request that the lowest-priority
// interrupt (the context-switch trampoline, KSWITCH_CONTEXT's PendSV) fire
// once execution returns to a point where it's safe to switch.
type InterruptController interface {
	// SetHandler installs the callback invoked when a requested
	// context-switch interrupt is dispatched, analogous to installing the
	// PendSV_Handler vector. Called once, during scheduler construction,
	// before any TriggerContextSwitch.
	SetHandler(fn func())
	// TriggerContextSwitch requests a context-switch-boundary callback as
	// soon as it is safe to take one (analogous to setting
	// SCB->ICSR.PENDSVSET). It must be safe to call with interrupts
	// (irq.Gate) held.
	TriggerContextSwitch()
}

// TickSource delivers a periodic callback at a fixed rate — the 1kHz
// SysTick of the original — driving sleep-list expiry. The scheduler's tick
// handler only moves expired sleepers to Ready; it does not time-slice and
// never switches threads itself.
type TickSource interface {
	// Start begins calling onTick once per tick until Stop is called.
	// onTick may run on a goroutine of the tick source's own; it must not
	// block.
	Start(period time.Duration, onTick func())
	Stop()
}
