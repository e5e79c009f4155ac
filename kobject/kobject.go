// Package kobject implements the named-object registry: the single handle
// table shared by every kind of kernel object that syscalls address by
// handle — threads, semaphores, mutexes, condition variables.
//
// It is grounded directly on KNamedObject.cpp/.h: one process-wide
// handle.Table, a type tag checked on every lookup so a stale or
// wrong-kind handle never resolves to the wrong concrete type, and a
// destruction path that wakes every waiter on the object's wait queue with
// TargetDeleted set rather than letting them block forever on a vanished
// target.
package kobject

import (
	"github.com/kavionic/pados/handle"
	"github.com/kavionic/pados/irq"
	"github.com/kavionic/pados/klog"
	"github.com/kavionic/pados/waitlist"
)

// Type tags the concrete kind of a named object, checked on every handle
// resolution so FreeHandle/forward-to-handle can reject a handle that
// exists but names the wrong kind of object.
type Type int

const (
	TypeThread Type = iota
	TypeSemaphore
	TypeMutex
	TypeConditionVariable
)

func (t Type) String() string {
	switch t {
	case TypeThread:
		return "thread"
	case TypeSemaphore:
		return "semaphore"
	case TypeMutex:
		return "mutex"
	case TypeConditionVariable:
		return "condition_variable"
	default:
		return "unknown"
	}
}

// Base is embedded in every named kernel object. It carries the object's
// identity (handle, name, type) and its wait queue: the set of threads
// currently blocked on this object via a waitlist.Node.
type Base struct {
	handle int
	name   string
	typ    Type
	refs   int32

	waitQueue *waitlist.List
}

// NewBase initializes a Base in place. Callers embed Base by value in their
// concrete object type and call NewBase from their constructor before
// Register. refs starts at 1: the handle Register binds counts as the first
// reference, matching KNamedObject's Ptr<T> starting life with one owner.
func NewBase(name string, typ Type) Base {
	return Base{
		handle:    -1,
		name:      name,
		typ:       typ,
		refs:      1,
		waitQueue: waitlist.NewFIFO(),
	}
}

// Handle returns the object's handle, or -1 if it has not been registered.
func (b *Base) Handle() int { return b.handle }

// Name returns the object's debug name.
func (b *Base) Name() string { return b.name }

// Type returns the object's type tag.
func (b *Base) Type() Type { return b.typ }

// WaitQueue returns the object's wait queue, for the syncing packages to
// link and unlink waitlist.Nodes against while holding the registry's gate.
func (b *Base) WaitQueue() *waitlist.List { return b.waitQueue }

// Named is satisfied by any concrete kernel object embedding Base.
type Named interface {
	namedObjectBase() *Base
}

func (b *Base) namedObjectBase() *Base { return b }

// WakeFunc is called by Destroy for each thread a destroyed object's wait
// queue is releasing, so that kobject need not import kthread (which would
// cycle back through kobject for the thread's own handle). The scheduler
// supplies the real implementation at wiring time.
type WakeFunc func(threadRef any)

// Registry is the single process-wide named-object table.
type Registry struct {
	gate  *irq.Gate
	table *handle.Table
}

// NewRegistry constructs an empty Registry guarded by gate.
func NewRegistry(gate *irq.Gate) *Registry {
	return &Registry{gate: gate, table: handle.New(gate)}
}

// SetHandleSpareBlocks resizes the registry's underlying handle-table spare
// pool, trading the memory held in reserve against how often a handle
// allocation must top up outside the gate.
func (r *Registry) SetHandleSpareBlocks(n int) { r.table.SetSpareCapacity(n) }

// Register allocates a handle for obj and binds it, mutating obj's
// embedded Base in place. Returns false (kerrno.OutOfMemory territory) if
// the table is saturated.
func Register(r *Registry, obj Named) (int, bool) {
	h, ok := r.table.AllocHandle()
	if !ok {
		return 0, false
	}
	obj.namedObjectBase().handle = h
	r.table.Set(h, obj)
	return h, true
}

// Duplicate registers a second handle bound to the same object named by h,
// incrementing its reference count, mirroring duplicate_semaphore/
// duplicate_mutex: KNamedObject::RegisterObject called again on the same
// Ptr<T>. The object is not actually torn down by Destroy until every
// handle referencing it has been dropped. Returns (0, false) for an
// unknown or wrong-type handle, or if the table is saturated.
func Duplicate(r *Registry, h int, typ Type) (int, bool) {
	g := r.gate.Acquire()
	defer g.Release()

	v := r.table.Get(h)
	if v == nil {
		return 0, false
	}
	obj, ok := v.(Named)
	if !ok || obj.namedObjectBase().typ != typ {
		return 0, false
	}

	newHandle, ok := r.table.AllocHandle()
	if !ok {
		return 0, false
	}
	r.table.Set(newHandle, obj)
	obj.namedObjectBase().refs++
	return newHandle, true
}

// Lookup resolves handle to obj if it exists and has the expected type,
// else returns nil.
func (r *Registry) Lookup(h int, typ Type) Named {
	v := r.table.Get(h)
	if v == nil {
		return nil
	}
	obj, ok := v.(Named)
	if !ok || obj.namedObjectBase().typ != typ {
		return nil
	}
	return obj
}

// Destroy drops handle, mirroring delete_*(handle): the object lives until
// every handle referencing it has been dropped. Only when the last
// reference goes away does it actually release every waiter queued on the
// object with TargetDeleted set, mirroring ~KNamedObject: a destroyed
// object must never leave a thread blocked on it forever. wake is invoked,
// still under the gate, once per released node, passing along whatever
// Value the waitlist.Node carried (conventionally a *kthread.TCB).
//
// Returns false if handle does not currently name an object of typ.
func Destroy(r *Registry, h int, typ Type, wake WakeFunc) bool {
	g := r.gate.Acquire()
	defer g.Release()

	v := r.table.Get(h)
	if v == nil {
		return false
	}
	obj, ok := v.(Named)
	if !ok || obj.namedObjectBase().typ != typ {
		return false
	}
	base := obj.namedObjectBase()

	base.refs--
	if base.refs > 0 {
		r.table.FreeHandle(h)
		klog.L().Debugf("kobject: dropped %s handle=%d name=%q refs=%d", typ, h, base.name, base.refs)
		return true
	}

	for {
		n := base.waitQueue.Front()
		if n == nil {
			break
		}
		n.TargetDeleted = true
		n.Detach()
		if wake != nil {
			wake(n.Value)
		}
	}

	r.table.FreeHandle(h)
	klog.L().Debugf("kobject: destroyed %s handle=%d name=%q", typ, h, base.name)
	return true
}

// Next iterates allocated handles in ascending order starting after prev (-1
// to start from the beginning), returning the first object satisfying
// predicate, or nil once the table is exhausted. Mirrors
// KHandleArray::GetNext, used by diagnostics that walk every object of a
// given type (e.g. a thread-list dump) without the registry needing to know
// what "every thread" means to its caller.
func (r *Registry) Next(prev int, predicate func(h int, obj any) bool) any {
	return r.table.Next(prev, predicate)
}

// ForwardToHandle resolves handle to an object of the given type and, if
// found, invokes fn with it. It reports (zero, false) for an unknown or
// wrong-type handle, letting callers turn that into kerrno.InvalidArgument
// without duplicating the lookup-and-check dance at every syscall.
func ForwardToHandle[T Named, R any](r *Registry, h int, typ Type, fn func(obj T) R) (result R, ok bool) {
	v := r.Lookup(h, typ)
	if v == nil {
		return result, false
	}
	obj, ok2 := v.(T)
	if !ok2 {
		return result, false
	}
	return fn(obj), true
}
