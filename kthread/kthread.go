// Package kthread defines the thread control block: the kernel's per-thread
// bookkeeping record, grounded on KThreadCB.h/.cpp. It carries the fields
// the scheduler and sync primitives need to drive a thread through its
// state machine, but replaces the original's raw stack/TLS/CPU-register
// plumbing (which has no meaning without real hardware) with a rendezvous
// channel: the mechanism this kernel uses to guarantee only one TCB is
// "Running" at a time despite every thread being a real goroutine.
package kthread

import (
	"fmt"

	"github.com/kavionic/pados/kobject"
	"github.com/kavionic/pados/kpanic"
	"github.com/kavionic/pados/waitlist"
)

// Priority range, exactly as KTHREAD_PRIORITY_MIN/MAX/LEVELS.
const (
	PriorityMin    = -16
	PriorityMax    = 15
	PriorityLevels = PriorityMax - PriorityMin + 1 // 32
)

// DefaultStackSize mirrors THREAD_DEFAULT_STACK_SIZE (1024*32): the nominal
// stack budget a thread gets when spawned without an explicit size. It is a
// bookkeeping quota only — Go threads run on runtime-managed goroutine
// stacks, not the fixed buffer THREAD_DEFAULT_STACK_SIZE originally sized.
const DefaultStackSize = 1024 * 32

// PriorityToLevel converts a signed application priority to the zero-based
// level index the scheduler's ready-list array uses. Out-of-range values
// saturate rather than wrap, mirroring defensive clamping elsewhere in the
// original (e.g. KSemaphore's timeout clamps).
func PriorityToLevel(priority int) int {
	switch {
	case priority < PriorityMin:
		priority = PriorityMin
	case priority > PriorityMax:
		priority = PriorityMax
	}
	return priority - PriorityMin
}

// LevelToPriority is PriorityToLevel's inverse.
func LevelToPriority(level int) int {
	return level + PriorityMin
}

// State is a thread's position in its lifecycle, exactly the set the
// original ThreadState enum carries (Scheduler.cpp): Ready, Running,
// Sleeping, Waiting, Zombie, Deleted.
type State int

const (
	Ready State = iota
	Running
	Sleeping
	Waiting
	Zombie
	Deleted
)

func (s State) String() string {
	switch s {
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Sleeping:
		return "sleeping"
	case Waiting:
		return "waiting"
	case Zombie:
		return "zombie"
	case Deleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// DetachState mirrors PThreadDetachState: whether a dead thread's TCB
// should be reclaimed automatically (Detached) or kept as a Zombie for a
// future WaitThread to collect (Joinable).
type DetachState int

const (
	Detached DetachState = iota
	Joinable
)

// SignalSet is a bitmask of pending/blocked POSIX-style signal numbers,
// exactly sigset_t's role in the original.
type SignalSet uint32

func SignalMask(sig int) SignalSet { return 1 << uint(sig) }

// TCB is one thread's control block. Every field the scheduler touches is
// only ever touched with the scheduler's irq.Gate held; TCB does no
// locking of its own, matching the original's "every field access happens
// inside CRITICAL_IRQ" discipline.
type TCB struct {
	kobject.Base

	PriorityLevel int
	State         State
	DetachState   DetachState

	// ReadyNode links this TCB into at most one of: a ready list or the
	// zombie list. Sleep-list and wait-queue membership use separate
	// waitlist.Nodes local to the blocking call. Detach is idempotent so
	// callers don't need to know which list ReadyNode is on.
	ReadyNode waitlist.Node

	// BlockingObject is a slot for the kobject.Named this thread is parked
	// on. Nothing in this module assigns it, so it stays nil while the
	// thread is Sleeping or Waiting, and DumpThreads does not report it.
	BlockingObject kobject.Named

	PendingSignals SignalSet
	BlockedSignals SignalSet

	// StackSize is this thread's nominal stack-size budget, mirroring
	// m_StackSize. CheckStackQuota enforces it against stackUsed, a logical
	// high-water mark rather than a live stack-pointer reading.
	StackSize int
	stackUsed int

	ReturnValue any

	// resumeCh is the rendezvous channel the token-passing scheduler uses
	// to hand the single "CPU token" to this thread: a receive on it is
	// this thread's only blocking point, standing in for the original's
	// PendSV context switch.
	resumeCh chan struct{}

	entry func()
}

// New constructs a TCB ready to be registered with a kobject.Registry. The
// caller supplies entry, the function the thread body runs once scheduled;
// it must return when the thread should exit. stackSize is the thread's
// nominal stack budget; a value of 0 or less is normalized to
// DefaultStackSize, mirroring spawn_thread treating a zero stack size
// request as "use the default."
func New(name string, priority int, stackSize int, entry func()) *TCB {
	if stackSize <= 0 {
		stackSize = DefaultStackSize
	}
	return &TCB{
		Base:          kobject.NewBase(name, kobject.TypeThread),
		PriorityLevel: PriorityToLevel(priority),
		State:         Ready,
		StackSize:     stackSize,
		resumeCh:      make(chan struct{}),
		entry:         entry,
	}
}

// Priority returns the thread's signed application priority.
func (t *TCB) Priority() int { return LevelToPriority(t.PriorityLevel) }

// Entry returns the thread body to run, for the scheduler's thread
// goroutine launcher.
func (t *TCB) Entry() func() { return t.entry }

// SetEntry replaces the thread body. Only safe before the thread's
// goroutine has received its first resume signal.
func (t *TCB) SetEntry(fn func()) { t.entry = fn }

// ResumeChan is the channel the scheduler sends on to resume this thread
// and that this thread's goroutine receives on while parked.
func (t *TCB) ResumeChan() chan struct{} { return t.resumeCh }

// HasUnblockedPendingSignal reports whether any pending signal is not
// currently masked, per GetUnblockedPendingSignals/HasUnblockedPendingSignals.
func (t *TCB) HasUnblockedPendingSignal() bool {
	return t.PendingSignals&^t.BlockedSignals != 0
}

// SetPendingSignal marks sig pending.
func (t *TCB) SetPendingSignal(sig int) { t.PendingSignals |= SignalMask(sig) }

// ClearPendingSignal clears sig from the pending set.
func (t *TCB) ClearPendingSignal(sig int) { t.PendingSignals &^= SignalMask(sig) }

// IsSignalBlocked reports whether sig is currently masked.
func (t *TCB) IsSignalBlocked(sig int) bool { return t.BlockedSignals&SignalMask(sig) != 0 }

// NoteStackUsage records a logical stack-depth reading against this
// thread's quota. The high-water mark only ever grows, mirroring
// get_remaining_stack's running comparison of the live PSP against the
// stack buffer's bottom.
func (t *TCB) NoteStackUsage(used int) {
	if used > t.stackUsed {
		t.stackUsed = used
	}
}

// CheckStackQuota panics via kpanic.Panic if this thread's recorded
// high-water usage has exceeded its StackSize budget, re-expressing
// check_stack_overflow's panic("Stackoverflow!"): this kernel has no live
// stack pointer to sample, since Go threads run on runtime-managed
// goroutine stacks, so the check is against bookkeeping instead.
func (t *TCB) CheckStackQuota() {
	if t.stackUsed > t.StackSize {
		kpanic.Panic("kthread: stack quota exceeded on thread %d %q: used=%d budget=%d", t.Handle(), t.Name(), t.stackUsed, t.StackSize)
	}
}

// String renders a one-line diagnostic, in the spirit of the original's
// DumpThreads table rows.
func (t *TCB) String() string {
	return fmt.Sprintf("thread[%d] %q pri=%d state=%s", t.Handle(), t.Name(), t.Priority(), t.State)
}
