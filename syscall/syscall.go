// Package syscall is the kernel's public, C-style call surface: the thin
// layer user code actually calls. Every operation here is a
// direct forward onto package sched/ksync, taking and returning plain
// handles (ints) and primitive types rather than the Go types backing them,
// matching the original kernel's syscall ABI of opaque handle_id/bigtime_t
// values rather than pointers into kernel memory.
//
// Kernel is the bound, stateful entry point; there is deliberately no
// package-level global scheduler, so multiple simulated kernels can coexist
// in one process (e.g. side by side in tests).
package syscall

import (
	"time"

	"github.com/kavionic/pados/kerrno"
	"github.com/kavionic/pados/kobject"
	"github.com/kavionic/pados/ksync"
	"github.com/kavionic/pados/kthread"
	"github.com/kavionic/pados/sched"
)

// Kernel bundles a running scheduler and the object registry it shares with
// every primitive created through it, and exposes the syscall surface as
// methods. Construct one with New.
type Kernel struct {
	sched    *sched.Scheduler
	registry *kobject.Registry
}

// New wires a Kernel around an already-constructed scheduler and the
// registry it was built with. Objects can be created and threads spawned
// before go k.Run() (or equivalently sched.Start); spawned threads only
// begin executing once the scheduler is running, and every call that acts
// on the calling thread is valid only from inside a spawned thread body.
func New(s *sched.Scheduler, registry *kobject.Registry) *Kernel {
	return &Kernel{sched: s, registry: registry}
}

// Run starts the scheduler on the calling goroutine, which becomes the idle
// thread for the lifetime of the process. It never returns.
func (k *Kernel) Run() { k.sched.Start() }

// SpawnThread creates and schedules a new thread, returning its handle.
func (k *Kernel) SpawnThread(name string, priority int, joinable bool, entry func()) (int, error) {
	h, err := k.sched.SpawnThread(name, priority, joinable, entry)
	if err != nil {
		return 0, err
	}
	return h, nil
}

// ExitThread terminates the calling thread with returnValue, never
// returning to its caller.
func (k *Kernel) ExitThread(returnValue any) {
	k.sched.ExitThread(returnValue)
}

// WaitThread blocks until the joinable thread named by handle exits,
// returning the value it passed to ExitThread.
func (k *Kernel) WaitThread(handle int) (any, error) {
	return k.sched.WaitThread(handle)
}

// WakeupThread forces a wakeup of the thread named by handle. A Sleeping
// thread (blocked in snooze/snooze_until, or in a timed
// acquire_*/lock_*/wait_*) is always woken. A Waiting thread (blocked on an
// untimed acquire_*/lock_*/wait_*) is only woken if includeSuspended is
// set. Either way the wakeup surfaces as kerrno.Interrupted to that call.
func (k *Kernel) WakeupThread(handle int, includeSuspended bool) error {
	return k.sched.WakeupThread(handle, includeSuspended)
}

// GetThreadID returns the calling thread's own handle.
func (k *Kernel) GetThreadID() int {
	return k.sched.GetThreadID()
}

// Yield gives up the remainder of the calling thread's current scheduling
// slot without blocking.
func (k *Kernel) Yield() {
	k.sched.Yield()
}

// Snooze blocks the calling thread for at least d.
func (k *Kernel) Snooze(d time.Duration) error {
	return k.sched.Snooze(d)
}

// SnoozeUntil blocks the calling thread until the clock reaches deadline.
func (k *Kernel) SnoozeUntil(deadline int64) error {
	return k.sched.SnoozeUntil(deadline)
}

// KillThread delivers sig to the thread named by handle, marking it pending
// and, if the thread now has a pending signal that is not blocked, forcing a
// spurious wakeup if the thread is currently blocked, mirroring
// raise_signal's interaction with a waiting KThreadCB.
func (k *Kernel) KillThread(handle int, sig int) error {
	t := k.sched.GetThread(handle)
	if t == nil {
		return kerrno.InvalidArgument.Err()
	}
	t.SetPendingSignal(sig)
	if t.HasUnblockedPendingSignal() {
		_ = k.sched.WakeupThread(handle, true)
	}
	return nil
}

// ThreadSigMask sets the calling thread's blocked-signal set to mask and
// returns the previous value, mirroring sigprocmask(SIG_SETMASK, ...).
func (k *Kernel) ThreadSigMask(mask uint32) uint32 {
	self := k.sched.Current()
	prev := self.BlockedSignals
	self.BlockedSignals = kthread.SignalSet(mask)
	return uint32(prev)
}

// CreateSemaphore creates a counting (optionally recursive) semaphore and
// registers it, returning its handle.
func (k *Kernel) CreateSemaphore(name string, count int, recursive bool) (int, error) {
	sem := ksync.NewSemaphore(k.sched, name, count, recursive)
	h, ok := kobject.Register(k.registry, sem)
	if !ok {
		return 0, kerrno.OutOfMemory.Err()
	}
	return h, nil
}

// AcquireSemaphore blocks until the semaphore named by handle can be taken.
func (k *Kernel) AcquireSemaphore(handle int) error {
	return k.withSemaphore(handle, func(sem *ksync.Semaphore) error { return sem.Acquire() })
}

// AcquireSemaphoreTimeout is AcquireSemaphore bounded by timeout.
func (k *Kernel) AcquireSemaphoreTimeout(handle int, timeout time.Duration) error {
	return k.withSemaphore(handle, func(sem *ksync.Semaphore) error { return sem.AcquireTimeout(timeout) })
}

// AcquireSemaphoreDeadline is AcquireSemaphore bounded by an absolute
// deadline.
func (k *Kernel) AcquireSemaphoreDeadline(handle int, deadline int64) error {
	return k.withSemaphore(handle, func(sem *ksync.Semaphore) error { return sem.AcquireDeadline(deadline) })
}

// TryAcquireSemaphore takes the semaphore only if immediately available.
func (k *Kernel) TryAcquireSemaphore(handle int) error {
	return k.withSemaphore(handle, func(sem *ksync.Semaphore) error { return sem.TryAcquire() })
}

// ReleaseSemaphore returns one unit to the semaphore named by handle.
func (k *Kernel) ReleaseSemaphore(handle int) error {
	return k.withSemaphore(handle, func(sem *ksync.Semaphore) error { return sem.Release() })
}

func (k *Kernel) withSemaphore(handle int, fn func(*ksync.Semaphore) error) error {
	result, ok := kobject.ForwardToHandle(k.registry, handle, kobject.TypeSemaphore, fn)
	if !ok {
		return kerrno.InvalidArgument.Err()
	}
	return result
}

// DuplicateSemaphore registers a second handle bound to the same semaphore,
// mirroring duplicate_semaphore: the semaphore is not actually destroyed
// until every handle referencing it has been deleted.
func (k *Kernel) DuplicateSemaphore(handle int) (int, error) {
	return k.duplicate(handle, kobject.TypeSemaphore)
}

// CreateMutex creates a recursive-capable mutex and registers it, returning
// its handle.
func (k *Kernel) CreateMutex(name string, recursive bool) (int, error) {
	mu := ksync.NewMutex(k.sched, name, recursive)
	h, ok := kobject.Register(k.registry, mu)
	if !ok {
		return 0, kerrno.OutOfMemory.Err()
	}
	return h, nil
}

// LockMutex blocks until the mutex named by handle can be taken
// exclusively.
func (k *Kernel) LockMutex(handle int) error {
	return k.withMutex(handle, func(mu *ksync.Mutex) error { return mu.Lock() })
}

// LockMutexTimeout is LockMutex bounded by timeout.
func (k *Kernel) LockMutexTimeout(handle int, timeout time.Duration) error {
	return k.withMutex(handle, func(mu *ksync.Mutex) error { return mu.LockTimeout(timeout) })
}

// LockMutexDeadline is LockMutex bounded by an absolute deadline.
func (k *Kernel) LockMutexDeadline(handle int, deadline int64) error {
	return k.withMutex(handle, func(mu *ksync.Mutex) error { return mu.LockDeadline(deadline) })
}

// TryLockMutex takes the mutex only if immediately available.
func (k *Kernel) TryLockMutex(handle int) error {
	return k.withMutex(handle, func(mu *ksync.Mutex) error { return mu.TryLock() })
}

// UnlockMutex releases one level of exclusive hold on the mutex named by
// handle.
func (k *Kernel) UnlockMutex(handle int) error {
	return k.withMutex(handle, func(mu *ksync.Mutex) error { return mu.Unlock() })
}

// LockMutexShared blocks until a shared (reader) hold can be taken.
func (k *Kernel) LockMutexShared(handle int) error {
	return k.withMutex(handle, func(mu *ksync.Mutex) error { return mu.LockShared() })
}

// LockMutexSharedTimeout is LockMutexShared bounded by timeout.
func (k *Kernel) LockMutexSharedTimeout(handle int, timeout time.Duration) error {
	return k.withMutex(handle, func(mu *ksync.Mutex) error { return mu.LockSharedTimeout(timeout) })
}

// LockMutexSharedDeadline is LockMutexShared bounded by an absolute
// deadline.
func (k *Kernel) LockMutexSharedDeadline(handle int, deadline int64) error {
	return k.withMutex(handle, func(mu *ksync.Mutex) error { return mu.LockSharedDeadline(deadline) })
}

// TryLockMutexShared takes a shared hold only if immediately available.
func (k *Kernel) TryLockMutexShared(handle int) error {
	return k.withMutex(handle, func(mu *ksync.Mutex) error { return mu.TryLockShared() })
}

// UnlockMutexShared releases one shared hold on the mutex named by handle.
func (k *Kernel) UnlockMutexShared(handle int) error {
	return k.withMutex(handle, func(mu *ksync.Mutex) error { return mu.UnlockShared() })
}

func (k *Kernel) withMutex(handle int, fn func(*ksync.Mutex) error) error {
	result, ok := kobject.ForwardToHandle(k.registry, handle, kobject.TypeMutex, fn)
	if !ok {
		return kerrno.InvalidArgument.Err()
	}
	return result
}

// DuplicateMutex registers a second handle bound to the same mutex,
// mirroring duplicate_mutex: the mutex is not actually destroyed until
// every handle referencing it has been deleted.
func (k *Kernel) DuplicateMutex(handle int) (int, error) {
	return k.duplicate(handle, kobject.TypeMutex)
}

// CreateConditionVariable creates a condition variable and registers it,
// returning its handle.
func (k *Kernel) CreateConditionVariable(name string) (int, error) {
	cv := ksync.NewConditionVariable(k.sched, name)
	h, ok := kobject.Register(k.registry, cv)
	if !ok {
		return 0, kerrno.OutOfMemory.Err()
	}
	return h, nil
}

// ConditionVariableWait atomically unlocks mutexHandle and blocks the
// calling thread until notified, re-locking mutexHandle before returning.
func (k *Kernel) ConditionVariableWait(cvHandle, mutexHandle int) error {
	mu, ok := kobject.ForwardToHandle(k.registry, mutexHandle, kobject.TypeMutex, func(m *ksync.Mutex) *ksync.Mutex { return m })
	if !ok {
		return kerrno.InvalidArgument.Err()
	}
	return k.withCondVar(cvHandle, func(cv *ksync.ConditionVariable) error { return cv.Wait(mu) })
}

// ConditionVariableWaitTimeout is ConditionVariableWait bounded by timeout.
func (k *Kernel) ConditionVariableWaitTimeout(cvHandle, mutexHandle int, timeout time.Duration) error {
	mu, ok := kobject.ForwardToHandle(k.registry, mutexHandle, kobject.TypeMutex, func(m *ksync.Mutex) *ksync.Mutex { return m })
	if !ok {
		return kerrno.InvalidArgument.Err()
	}
	return k.withCondVar(cvHandle, func(cv *ksync.ConditionVariable) error { return cv.WaitTimeout(mu, timeout) })
}

// ConditionVariableNotifyOne wakes at most one waiter on the condition
// variable named by handle.
func (k *Kernel) ConditionVariableNotifyOne(handle int) error {
	return k.withCondVar(handle, func(cv *ksync.ConditionVariable) error { cv.NotifyOne(); return nil })
}

// ConditionVariableNotifyAll wakes every waiter on the condition variable
// named by handle.
func (k *Kernel) ConditionVariableNotifyAll(handle int) error {
	return k.withCondVar(handle, func(cv *ksync.ConditionVariable) error { cv.NotifyAll(); return nil })
}

func (k *Kernel) withCondVar(handle int, fn func(*ksync.ConditionVariable) error) error {
	result, ok := kobject.ForwardToHandle(k.registry, handle, kobject.TypeConditionVariable, fn)
	if !ok {
		return kerrno.InvalidArgument.Err()
	}
	return result
}

// DuplicateConditionVariable registers a second handle bound to the same
// condition variable; the object is not destroyed until every handle
// referencing it has been deleted.
func (k *Kernel) DuplicateConditionVariable(handle int) (int, error) {
	return k.duplicate(handle, kobject.TypeConditionVariable)
}

// duplicate is the common backing for every duplicate_*(handle) syscall:
// it allocates a second handle bound to the same underlying object and
// bumps its reference count, so the object outlives the first handle's
// deletion until the last reference is dropped.
func (k *Kernel) duplicate(handle int, typ kobject.Type) (int, error) {
	h, ok := kobject.Duplicate(k.registry, handle, typ)
	if !ok {
		return 0, kerrno.InvalidArgument.Err()
	}
	return h, nil
}

// DeleteObject destroys the kernel object named by handle, releasing every
// thread currently waiting on it with kerrno.InvalidArgument and putting
// each of them back on its ready list. It accepts any object type this
// package creates (semaphore, mutex, condition variable); deleting a thread
// handle is not supported, mirroring the original's split between
// delete_semaphore/delete_mutex-style calls and the separate
// exit/wait_thread lifecycle.
func (k *Kernel) DeleteObject(handle int) error {
	for _, typ := range []kobject.Type{kobject.TypeSemaphore, kobject.TypeMutex, kobject.TypeConditionVariable} {
		if k.sched.DestroyObject(handle, typ) {
			return nil
		}
	}
	return kerrno.InvalidArgument.Err()
}

// DumpThreads returns a one-line diagnostic string per live thread,
// supplementing the handle table's predicate-based iteration
// (KHandleArray::GetNext) with a concrete consumer, as original_source's
// DumpThreads used it for.
func (k *Kernel) DumpThreads() []string {
	var lines []string
	prev := -1
	for {
		v := k.registry.Next(prev, func(h int, obj any) bool {
			typed, ok := obj.(interface{ Type() kobject.Type })
			return ok && typed.Type() == kobject.TypeThread
		})
		if v == nil {
			break
		}
		t, ok := v.(*kthread.TCB)
		if !ok {
			break
		}
		lines = append(lines, t.String())
		prev = t.Handle()
	}
	return lines
}
