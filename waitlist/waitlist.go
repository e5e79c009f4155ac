// Package waitlist implements the intrusive, zero-allocation doubly-linked
// list that threads every PadOS wait queue: ready lists, object wait
// queues, and the global sleep list.
//
// Nodes are plain values embedded in caller-owned storage (a field on a
// thread control block, or a stack-local in the Go sense: a value living on
// the calling goroutine's frame), never heap-allocated by this package.
// Every operation assumes the caller already holds the relevant irq.Gate;
// this package does no locking of its own.
package waitlist

// Node is one link in a List. The zero value is a valid, unlinked node.
// Value carries an opaque back-reference to whatever owns the node (a
// *kthread.TCB in every case this kernel uses); it is typed as any to avoid
// an import cycle between waitlist and kthread.
type Node struct {
	prev, next *Node
	list       *List

	// Deadline is the absolute wake time in nanoseconds, meaningful only
	// for nodes queued on a List constructed with NewSorted.
	Deadline int64

	// TargetDeleted is set by the destructor of the named object this node
	// was waiting on: the only way a blocked syscall terminates other than
	// satisfaction, timeout, or explicit wakeup.
	TargetDeleted bool

	Value any
}

// Linked reports whether the node currently belongs to a list.
func (n *Node) Linked() bool { return n.list != nil }

// List is an intrusive doubly-linked list of Nodes.
type List struct {
	first, last *Node
	sorted      bool
	count       int
}

// NewFIFO returns an empty list that maintains insertion order; Append adds
// to the tail, PopFront removes from the head. Used for ready lists and
// every object's wait queue.
func NewFIFO() *List { return &List{} }

// NewSorted returns an empty list that maintains ascending Node.Deadline
// order, ties broken by insertion order. Used for the scheduler's sleep
// list: sorted non-decreasing by resume deadline at every observation
// point outside the interrupt-mask gate.
func NewSorted() *List { return &List{sorted: true} }

// Len returns the number of linked nodes.
func (l *List) Len() int { return l.count }

// Empty reports whether the list has no linked nodes.
func (l *List) Empty() bool { return l.count == 0 }

// Front returns the head node, or nil if the list is empty.
func (l *List) Front() *Node { return l.first }

// Append adds n to the tail. n must not already be linked anywhere.
// Only valid on a FIFO list; panics on a sorted list (use Insert).
func (l *List) Append(n *Node) {
	if l.sorted {
		panic("waitlist: Append called on a sorted list; use Insert")
	}
	l.linkBefore(n, nil)
}

// Insert inserts n in its sorted position (ascending Deadline, ties broken
// by arrival order, i.e. inserted after all existing nodes with an equal
// Deadline). Only valid on a sorted list.
func (l *List) Insert(n *Node) {
	if !l.sorted {
		panic("waitlist: Insert called on a FIFO list; use Append")
	}
	var before *Node
	for cur := l.first; cur != nil; cur = cur.next {
		if cur.Deadline > n.Deadline {
			before = cur
			break
		}
	}
	l.linkBefore(n, before)
}

// linkBefore links n immediately before `before`, or at the tail if before
// is nil.
func (l *List) linkBefore(n *Node, before *Node) {
	if n.list != nil {
		panic("waitlist: node is already linked")
	}
	n.list = l
	if before == nil {
		n.prev = l.last
		n.next = nil
		if l.last != nil {
			l.last.next = n
		} else {
			l.first = n
		}
		l.last = n
	} else {
		n.next = before
		n.prev = before.prev
		before.prev = n
		if n.prev != nil {
			n.prev.next = n
		} else {
			l.first = n
		}
	}
	l.count++
}

// Detach removes n from whatever list it belongs to. It is idempotent: it
// is safe (and a no-op) to call on a node that is already unlinked, which
// matters because both the waiter and the waker may race to detach the
// same node — whichever runs first wins.
func (n *Node) Detach() {
	l := n.list
	if l == nil {
		return
	}
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		l.first = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else {
		l.last = n.prev
	}
	n.prev, n.next, n.list = nil, nil, nil
	l.count--
}

// PopFront detaches and returns the head node, or nil if the list is empty.
func (l *List) PopFront() *Node {
	n := l.first
	if n == nil {
		return nil
	}
	n.Detach()
	return n
}

// Each calls fn for every linked node, head to tail. fn must not mutate the
// list (detach nodes) while iterating; callers that need to drain and
// detach should collect nodes first, e.g. via repeated PopFront.
func (l *List) Each(fn func(*Node)) {
	for cur := l.first; cur != nil; {
		next := cur.next
		fn(cur)
		cur = next
	}
}
