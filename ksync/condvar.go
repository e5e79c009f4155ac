package ksync

import (
	"time"

	"github.com/kavionic/pados/kerrno"
	"github.com/kavionic/pados/kobject"
	"github.com/kavionic/pados/kthread"
	"github.com/kavionic/pados/sched"
	"github.com/kavionic/pados/waitlist"
)

// ConditionVariable is not present in the retrieved original sources (no
// KConditionVariable.cpp/.h survived the distillation this kernel is built
// from); it is a supplemented primitive built from the same
// critical-section-protected wait-queue idiom KSemaphore and KMutex both
// use, since every blocking primitive in this kernel is grounded on that
// one pattern.
type ConditionVariable struct {
	kobject.Base

	sched *sched.Scheduler
}

// NewConditionVariable constructs an unbound condition variable.
func NewConditionVariable(s *sched.Scheduler, name string) *ConditionVariable {
	return &ConditionVariable{
		Base:  kobject.NewBase(name, kobject.TypeConditionVariable),
		sched: s,
	}
}

// Wait atomically unlocks mu and blocks the calling thread until notified,
// then re-locks mu before returning — even on error, mirroring the
// standard condition-variable contract (and pthread_cond_wait's). mu must
// be held exclusively by the calling thread on entry.
func (cv *ConditionVariable) Wait(mu *Mutex) error {
	return cv.WaitDeadline(mu, InfiniteDeadline)
}

// WaitTimeout is Wait bounded by timeout, or unbounded if timeout < 0.
func (cv *ConditionVariable) WaitTimeout(mu *Mutex, timeout time.Duration) error {
	if timeout < 0 {
		return cv.WaitDeadline(mu, InfiniteDeadline)
	}
	return cv.WaitDeadline(mu, cv.sched.Now()+timeout.Nanoseconds())
}

// WaitDeadline is Wait bounded by an absolute deadline.
func (cv *ConditionVariable) WaitDeadline(mu *Mutex, deadline int64) error {
	self := cv.sched.Current()
	gate := cv.sched.Gate()

	var waitNode, sleepNode waitlist.Node

	g := gate.Acquire()
	waitNode.Value = self
	self.State = kthread.Waiting
	cv.WaitQueue().Append(&waitNode)
	if deadline != InfiniteDeadline {
		sleepNode.Value = self
		sleepNode.Deadline = deadline
		self.State = kthread.Sleeping
		cv.sched.AddToSleepList(&sleepNode)
	}
	g.Release()

	if err := mu.Unlock(); err != nil {
		g = gate.Acquire()
		waitNode.Detach()
		sleepNode.Detach()
		g.Release()
		return err
	}

	cv.sched.Reschedule()

	g = gate.Acquire()
	wasLinked := waitNode.Linked()
	targetDeleted := waitNode.TargetDeleted
	waitNode.Detach()
	sleepNode.Detach()
	g.Release()

	lockErr := mu.Lock()

	switch {
	case targetDeleted:
		return kerrno.InvalidArgument.Err()
	case lockErr != nil:
		return lockErr
	case !wasLinked:
		// NotifyOne/NotifyAll detached waitNode for us: a real wakeup.
		return nil
	case deadline != InfiniteDeadline && cv.sched.Now() >= deadline:
		return kerrno.Timeout.Err()
	default:
		// Still on the wait queue and the deadline hasn't passed: this was
		// a spurious wakeup (e.g. an explicit WakeupThread), not a notify.
		return kerrno.Interrupted.Err()
	}
}

// NotifyOne wakes at most one waiter.
func (cv *ConditionVariable) NotifyOne() {
	cv.notify(1)
}

// NotifyAll wakes every waiter.
func (cv *ConditionVariable) NotifyAll() {
	cv.notify(0)
}

func (cv *ConditionVariable) notify(maxCount int) {
	gate := cv.sched.Gate()
	g := gate.Acquire()
	needSchedule := cv.sched.WakeWaitQueue(cv.WaitQueue(), maxCount)
	g.Release()
	if needSchedule {
		cv.sched.Reschedule()
	}
}
