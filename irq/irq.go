// Package irq is the interrupt-mask gate: the single primitive every other
// kernel package uses to guard its shared, mutable state.
//
// On the real hardware this raises the CPU's minimum accepted interrupt
// priority, so that "normal-latency" kernel interrupts are deferred while a
// critical section runs, leaving a "low-latency" band untouched. Hosted in
// Go, there is no interrupt controller to program; this package instead
// provides the same mutual-exclusion and reentrancy guarantees via a
// goroutine-identity-aware lock, so that code already written against "the
// gate is raised" continues to mean exactly one logical execution context
// may be inside a kernel critical section at a time.
package irq

import (
	"sync"
	"sync/atomic"

	"github.com/kavionic/pados/goroutineid"
	"github.com/kavionic/pados/kpanic"
)

// Gate is a process-wide critical section primitive. The zero value is not
// usable; use New.
type Gate struct {
	mu    sync.Mutex
	owner atomic.Int64 // goroutine id of the current holder, 0 means unheld
	depth int32         // nesting depth; only touched by the owner
}

// New constructs a ready-to-use Gate.
func New() *Gate {
	return &Gate{}
}

// State is an opaque token returned by Disable and consumed by Restore.
// Copying a State is harmless but passing one to a different Gate than the
// one that produced it, or restoring it twice, is a bug.
type State struct {
	depthBefore int32
}

// Disable raises the gate, blocking until no other goroutine holds it. It is
// reentrant: a goroutine that already holds the gate may call Disable again
// without deadlocking, and must call Restore an equal number of times.
func (g *Gate) Disable() State {
	gid := goroutineid.Get()
	if g.owner.Load() == gid {
		s := State{depthBefore: g.depth}
		g.depth++
		return s
	}
	g.mu.Lock()
	g.owner.Store(gid)
	g.depth = 1
	return State{depthBefore: 0}
}

// Restore lowers the gate back towards the state captured by prior. Once the
// nesting depth returns to zero, the gate is released and another goroutine
// may acquire it.
func (g *Gate) Restore(prior State) {
	gid := goroutineid.Get()
	if g.owner.Load() != gid {
		kpanic.Panic("irq: Restore called by a goroutine that does not hold the gate")
	}
	g.depth = prior.depthBefore
	if g.depth == 0 {
		g.owner.Store(0)
		g.mu.Unlock()
	}
}

// CurrentState reports whether the calling goroutine currently holds the
// gate, and at what nesting depth (0 if it does not hold it).
func (g *Gate) CurrentState() (held bool, depth int32) {
	gid := goroutineid.Get()
	if g.owner.Load() != gid {
		return false, 0
	}
	return true, g.depth
}

// Guard is a scoped helper: acquire on construction, release exactly once,
// on every exit path, via Release. It is move-only in spirit (copying a
// Guard and releasing both copies double-releases the gate); Go has no way
// to forbid the copy at compile time, so this is enforced by convention and
// the embedded noCopy marker, which go vet's -copylocks flags if violated.
type Guard struct {
	noCopy noCopy //nolint:unused

	gate     *Gate
	state    State
	released bool
}

// Acquire raises the gate and returns a Guard that must be released exactly
// once, typically via `defer g.Release()`.
func (g *Gate) Acquire() *Guard {
	return &Guard{gate: g, state: g.Disable()}
}

// Release lowers the gate. Calling Release more than once is a bug and
// panics; calling it on a nil Guard is a no-op so `defer guard.Release()`
// composes safely with early-return patterns that never acquired it.
func (gd *Guard) Release() {
	if gd == nil {
		return
	}
	if gd.released {
		kpanic.Panic("irq: Guard released twice")
	}
	gd.released = true
	gd.gate.Restore(gd.state)
}

// noCopy triggers go vet's copylocks check when a Guard is copied by value.
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}
