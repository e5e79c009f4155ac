// Package ksync implements the blocking synchronization primitives built
// on top of package sched: counting/recursive semaphores, recursive and
// shared/exclusive mutexes, and condition variables. Every primitive is a
// kobject.Named so it can be registered and addressed by handle exactly
// like a thread.
//
// Grounded directly on KSemaphore.cpp and KMutex.cpp: the same
// critical-section-protected count-and-wait-queue algorithm, the same
// deadline/timeout split (a single AcquireDeadline that Acquire and
// AcquireTimeout both reduce to), and the same "no restart_syscalls" choice
// sched.WaitThread already makes — a spurious wakeup (explicit
// WakeupThread, or simply racing the deadline) surfaces once as
// kerrno.Interrupted rather than silently re-blocking.
package ksync

import (
	"time"

	"github.com/kavionic/pados/kerrno"
	"github.com/kavionic/pados/kobject"
	"github.com/kavionic/pados/kthread"
	"github.com/kavionic/pados/sched"
	"github.com/kavionic/pados/waitlist"
)

// InfiniteDeadline passed to AcquireDeadline/LockDeadline means block
// forever, mirroring INFINIT_TIMEOUT.
const InfiniteDeadline int64 = -1

// Semaphore is a counting, optionally-recursive semaphore.
type Semaphore struct {
	kobject.Base

	sched *sched.Scheduler

	count     int
	recursive bool
	holder    int
}

// NewSemaphore constructs a Semaphore with an initial count.
func NewSemaphore(s *sched.Scheduler, name string, count int, recursive bool) *Semaphore {
	return &Semaphore{
		Base:      kobject.NewBase(name, kobject.TypeSemaphore),
		sched:     s,
		count:     count,
		recursive: recursive,
		holder:    -1,
	}
}

// Count returns the current count.
func (sem *Semaphore) Count() int {
	g := sem.sched.Gate().Acquire()
	defer g.Release()
	return sem.count
}

// Acquire blocks until the semaphore can be taken. It blocks exactly once:
// a wakeup that does not satisfy the count condition returns
// kerrno.Interrupted rather than re-blocking.
func (sem *Semaphore) Acquire() error {
	return sem.AcquireDeadline(InfiniteDeadline)
}

// AcquireTimeout blocks for at most timeout, or forever if timeout < 0.
func (sem *Semaphore) AcquireTimeout(timeout time.Duration) error {
	if timeout < 0 {
		return sem.AcquireDeadline(InfiniteDeadline)
	}
	return sem.AcquireDeadline(sem.sched.Now() + timeout.Nanoseconds())
}

// AcquireDeadline blocks until the semaphore can be taken or the clock
// reaches deadline (InfiniteDeadline to block forever), mirroring
// KSemaphore::AcquireDeadline's single-retry structure.
func (sem *Semaphore) AcquireDeadline(deadline int64) error {
	self := sem.sched.Current()
	gate := sem.sched.Gate()

	for first := true; ; first = false {
		var waitNode, sleepNode waitlist.Node

		g := gate.Acquire()
		if sem.tryTakeLocked(self) {
			g.Release()
			return nil
		}
		if deadline == InfiniteDeadline || sem.sched.Now() < deadline {
			if !first {
				g.Release()
				return kerrno.Interrupted.Err()
			}
			waitNode.Value = self
			self.State = kthread.Waiting
			sem.WaitQueue().Append(&waitNode)
			if deadline != InfiniteDeadline {
				sleepNode.Value = self
				sleepNode.Deadline = deadline
				self.State = kthread.Sleeping
				sem.sched.AddToSleepList(&sleepNode)
			}
		} else {
			g.Release()
			return kerrno.Timeout.Err()
		}
		g.Release()

		sem.sched.Reschedule()

		g = gate.Acquire()
		waitNode.Detach()
		sleepNode.Detach()
		targetDeleted := waitNode.TargetDeleted
		g.Release()

		if targetDeleted {
			return kerrno.InvalidArgument.Err()
		}
	}
}

// tryTakeLocked attempts to take the semaphore without blocking. Must be
// called with the gate held.
func (sem *Semaphore) tryTakeLocked(self *kthread.TCB) bool {
	if sem.count > 0 || (sem.recursive && sem.holder == self.Handle()) {
		sem.count--
		sem.holder = self.Handle()
		return true
	}
	return false
}

// TryAcquire takes the semaphore only if it is immediately available.
func (sem *Semaphore) TryAcquire() error {
	self := sem.sched.Current()
	g := sem.sched.Gate().Acquire()
	defer g.Release()
	if sem.tryTakeLocked(self) {
		return nil
	}
	return kerrno.WouldBlock.Err()
}

// Release returns one unit to the semaphore, waking waiters as capacity
// allows.
func (sem *Semaphore) Release() error {
	gate := sem.sched.Gate()
	g := gate.Acquire()
	sem.count++
	needSchedule := false
	if sem.count > 0 {
		sem.holder = -1
		needSchedule = sem.sched.WakeWaitQueue(sem.WaitQueue(), sem.count)
	}
	g.Release()

	if needSchedule {
		sem.sched.Reschedule()
	}
	return nil
}

// Guard is an RAII-style scoped hold of a Semaphore, grounded on
// KSemaphoreGuardRaw: acquire on construction, release exactly once. Like
// irq.Guard it is move-only in spirit; Release is idempotent-safe against
// a nil guard but panics on double release.
type Guard struct {
	noCopy noCopy //nolint:unused

	sem      *Semaphore
	released bool
}

// AcquireGuard blocks until sem can be taken and returns a Guard that
// releases it exactly once.
func AcquireGuard(sem *Semaphore) (*Guard, error) {
	if err := sem.Acquire(); err != nil {
		return nil, err
	}
	return &Guard{sem: sem}, nil
}

// Release releases the held semaphore. Safe to call on a nil Guard.
func (g *Guard) Release() {
	if g == nil {
		return
	}
	if g.released {
		panic("ksync: Guard released twice")
	}
	g.released = true
	_ = g.sem.Release()
}

type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}
