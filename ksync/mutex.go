package ksync

import (
	"time"

	"github.com/kavionic/pados/kerrno"
	"github.com/kavionic/pados/kobject"
	"github.com/kavionic/pados/kthread"
	"github.com/kavionic/pados/sched"
	"github.com/kavionic/pados/waitlist"
)

// Mutex is a recursive-capable, shared/exclusive-capable lock, grounded on
// KMutex.cpp. Internally it keeps one signed counter: zero means unlocked,
// negative means exclusively locked (its magnitude the recursion depth),
// positive means held shared by that many readers — exactly the original's
// m_Count encoding.
type Mutex struct {
	kobject.Base

	sched *sched.Scheduler

	count     int
	recursive bool
	holder    int
}

// NewMutex constructs an unlocked Mutex.
func NewMutex(s *sched.Scheduler, name string, recursive bool) *Mutex {
	return &Mutex{
		Base:      kobject.NewBase(name, kobject.TypeMutex),
		sched:     s,
		recursive: recursive,
		holder:    -1,
	}
}

// IsLocked reports whether the calling thread currently holds the mutex
// exclusively.
func (m *Mutex) IsLocked() bool {
	self := m.sched.Current()
	g := m.sched.Gate().Acquire()
	defer g.Release()
	return m.count <= 0 && m.holder == self.Handle()
}

func (m *Mutex) tryLockLocked(self *kthread.TCB) bool {
	if m.count == 0 || (m.recursive && m.holder == self.Handle()) {
		m.count--
		m.holder = self.Handle()
		return true
	}
	return false
}

// Lock blocks until the mutex can be taken exclusively.
func (m *Mutex) Lock() error {
	return m.LockDeadline(InfiniteDeadline)
}

// LockTimeout blocks for at most timeout, or forever if timeout < 0.
func (m *Mutex) LockTimeout(timeout time.Duration) error {
	if timeout < 0 {
		return m.LockDeadline(InfiniteDeadline)
	}
	return m.LockDeadline(m.sched.Now() + timeout.Nanoseconds())
}

// LockDeadline blocks until the mutex can be taken exclusively or deadline
// passes, mirroring KMutex::LockDeadline.
func (m *Mutex) LockDeadline(deadline int64) error {
	self := m.sched.Current()
	gate := m.sched.Gate()

	for first := true; ; first = false {
		var waitNode, sleepNode waitlist.Node

		g := gate.Acquire()
		if m.tryLockLocked(self) {
			g.Release()
			return nil
		}
		if deadline == InfiniteDeadline || m.sched.Now() < deadline {
			if !first {
				g.Release()
				return kerrno.Interrupted.Err()
			}
			waitNode.Value = self
			self.State = kthread.Waiting
			m.WaitQueue().Append(&waitNode)
			if deadline != InfiniteDeadline {
				sleepNode.Value = self
				sleepNode.Deadline = deadline
				self.State = kthread.Sleeping
				m.sched.AddToSleepList(&sleepNode)
			}
		} else {
			g.Release()
			return kerrno.Timeout.Err()
		}
		g.Release()

		m.sched.Reschedule()

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

// TryLock takes the mutex only if immediately available.
func (m *Mutex) TryLock() error {
	self := m.sched.Current()
	g := m.sched.Gate().Acquire()
	defer g.Release()
	if m.tryLockLocked(self) {
		return nil
	}
	return kerrno.WouldBlock.Err()
}

// Unlock releases one level of exclusive hold.
func (m *Mutex) Unlock() error {
	gate := m.sched.Gate()
	g := gate.Acquire()
	m.count++
	needSchedule := false
	if m.count == 0 {
		m.holder = -1
		needSchedule = m.sched.WakeWaitQueue(m.WaitQueue(), 1)
	}
	g.Release()
	if needSchedule {
		m.sched.Reschedule()
	}
	return nil
}

// LockShared blocks until a shared (reader) hold can be taken; it never
// succeeds while the mutex is held exclusively.
func (m *Mutex) LockShared() error {
	return m.LockSharedDeadline(InfiniteDeadline)
}

// LockSharedTimeout blocks for at most timeout, or forever if timeout < 0.
func (m *Mutex) LockSharedTimeout(timeout time.Duration) error {
	if timeout < 0 {
		return m.LockSharedDeadline(InfiniteDeadline)
	}
	return m.LockSharedDeadline(m.sched.Now() + timeout.Nanoseconds())
}

// LockSharedDeadline mirrors KMutex::LockSharedDeadline, including its
// wake-cascade: every time this thread is resumed it re-wakes the rest of
// the shared-wait queue before re-checking its own condition, so a burst of
// Unlock()s that each allow one more reader in doesn't serialize them one
// reschedule at a time.
func (m *Mutex) LockSharedDeadline(deadline int64) error {
	self := m.sched.Current()
	gate := m.sched.Gate()

	for first := true; ; first = false {
		var waitNode, sleepNode waitlist.Node

		g := gate.Acquire()
		if m.count >= 0 {
			m.count++
			g.Release()
			return nil
		}
		if deadline == InfiniteDeadline || m.sched.Now() < deadline {
			if !first {
				g.Release()
				return kerrno.Interrupted.Err()
			}
			waitNode.Value = self
			self.State = kthread.Waiting
			m.WaitQueue().Append(&waitNode)
			if deadline != InfiniteDeadline {
				sleepNode.Value = self
				sleepNode.Deadline = deadline
				self.State = kthread.Sleeping
				m.sched.AddToSleepList(&sleepNode)
			}
		} else {
			g.Release()
			return kerrno.Timeout.Err()
		}
		g.Release()

		m.sched.Reschedule()

		g = gate.Acquire()
		waitNode.Detach()
		sleepNode.Detach()
		targetDeleted := waitNode.TargetDeleted
		needSchedule := false
		if !targetDeleted {
			needSchedule = m.sched.WakeWaitQueue(m.WaitQueue(), 0)
		}
		g.Release()

		if targetDeleted {
			return kerrno.InvalidArgument.Err()
		}
		if needSchedule {
			m.sched.Reschedule()
		}
	}
}

// TryLockShared takes a shared hold only if immediately available.
func (m *Mutex) TryLockShared() error {
	g := m.sched.Gate().Acquire()
	defer g.Release()
	if m.count >= 0 {
		m.count++
		return nil
	}
	return kerrno.WouldBlock.Err()
}

// UnlockShared releases one shared hold.
func (m *Mutex) UnlockShared() error {
	gate := m.sched.Gate()
	g := gate.Acquire()
	m.count--
	needSchedule := false
	if m.count == 0 {
		needSchedule = m.sched.WakeWaitQueue(m.WaitQueue(), 1)
	}
	g.Release()
	if needSchedule {
		m.sched.Reschedule()
	}
	return nil
}

// ExclusiveGuard is an RAII-style scoped hold of a Mutex's exclusive lock.
type ExclusiveGuard struct {
	noCopy noCopy //nolint:unused

	mu       *Mutex
	released bool
}

// LockGuard blocks until mu can be locked exclusively.
func LockGuard(mu *Mutex) (*ExclusiveGuard, error) {
	if err := mu.Lock(); err != nil {
		return nil, err
	}
	return &ExclusiveGuard{mu: mu}, nil
}

// Release unlocks mu. Safe to call on a nil guard.
func (g *ExclusiveGuard) Release() {
	if g == nil {
		return
	}
	if g.released {
		panic("ksync: ExclusiveGuard released twice")
	}
	g.released = true
	_ = g.mu.Unlock()
}

// SharedGuard is an RAII-style scoped hold of a Mutex's shared lock.
type SharedGuard struct {
	noCopy noCopy //nolint:unused

	mu       *Mutex
	released bool
}

// LockSharedGuard blocks until mu can be locked shared.
func LockSharedGuard(mu *Mutex) (*SharedGuard, error) {
	if err := mu.LockShared(); err != nil {
		return nil, err
	}
	return &SharedGuard{mu: mu}, nil
}

// Release unlocks mu. Safe to call on a nil guard.
func (g *SharedGuard) Release() {
	if g == nil {
		return
	}
	if g.released {
		panic("ksync: SharedGuard released twice")
	}
	g.released = true
	_ = g.mu.UnlockShared()
}
