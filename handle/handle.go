// Package handle implements the three-level sparse handle table that gives
// every named kernel object (thread, semaphore, mutex, condition variable)
// a stable, reference-counted integer identity.
//
// It is a direct port of the original KHandleArray<T> algorithm: a 24-bit
// handle splits into three 8-bit indices, each level is a 256-wide block,
// and alloc/free never call the allocator while the caller holds the
// irq.Gate — a small spare pool of pre-built blocks absorbs allocations
// instead, topped up outside the gate on demand.
//
// The one deliberate re-expression from the original C++: where it filled
// empty slots with a shared "empty block" instance, this implementation
// fills every unused slot, at all three levels, with the free sentinel
// value instead of a block. At the bottom level that sentinel must be told
// apart from nil, which marks a handle that is allocated but never Set.
package handle

import (
	"github.com/kavionic/pados/irq"
)

const (
	blockBits  = 8
	blockSize  = 1 << blockBits
	blockMask  = blockSize - 1
	MaxHandles = 1 << (3 * blockBits)

	// spareLowWaterMark is the threshold below which AllocHandle must top
	// up the spare pool before it can guarantee completing without calling
	// the allocator while the gate is held.
	spareLowWaterMark = 2

	// spareCapacity mirrors the original's 4 reserved blocks.
	spareCapacity = 4
)

// free is the sentinel stored in a slot that has never been allocated. It is
// distinct from untyped nil, which marks a bottom-level slot that has been
// allocated (AllocHandle returned it) but not yet given an object via Set.
var free = new(struct{ freeMarker byte })

// block is used uniformly for all three levels, exactly as the original
// reuses one block type for levels 2 and 3: a branch block's entries hold
// *block, a leaf block's entries hold the table's payload objects. Freshly
// constructed, every entry is the free sentinel.
type block struct {
	entries [blockSize]any
	used    int
}

func newBlock() *block {
	b := &block{}
	for i := range b.entries {
		b.entries[i] = free
	}
	return b
}

// Table is a handle table. The zero value is not usable; use New.
type Table struct {
	gate *irq.Gate

	top block // level-1 block always exists; never freed, never cached.

	spare    []*block
	spareLen int
	spareCap int

	nextHandle int32
}

// New constructs an empty Table guarded by gate, with the default spare
// pool capacity (spareCapacity, mirroring the original's 4 reserved
// blocks). Every Table operation internally raises and lowers gate itself;
// callers must not already hold it when calling into the table.
func New(gate *irq.Gate) *Table {
	return NewWithSpareCapacity(gate, spareCapacity)
}

// NewWithSpareCapacity is New with a caller-chosen spare-pool capacity,
// letting a deployment trade the memory held in reserve against how often
// AllocHandle must top up outside the gate. capacity below 1 is treated as
// spareCapacity.
func NewWithSpareCapacity(gate *irq.Gate, capacity int) *Table {
	if capacity < 1 {
		capacity = spareCapacity
	}
	t := &Table{gate: gate, spare: make([]*block, capacity), spareCap: capacity}
	for i := range t.top.entries {
		t.top.entries[i] = free
	}
	return t
}

// SetSpareCapacity resizes the spare-block pool's capacity. capacity below
// 1 is ignored. Shrinking below the currently-held spare count discards
// the excess (caching stops early on the next free until the pool drains
// back under the new capacity).
func (t *Table) SetSpareCapacity(capacity int) {
	if capacity < 1 {
		return
	}
	g := t.gate.Acquire()
	defer g.Release()

	if capacity == len(t.spare) {
		t.spareCap = capacity
		return
	}
	grown := make([]*block, capacity)
	copy(grown, t.spare)
	t.spare = grown
	if t.spareLen > capacity {
		t.spareLen = capacity
	}
	t.spareCap = capacity
}

// Count returns the number of currently allocated handles.
func (t *Table) Count() int {
	g := t.gate.Acquire()
	defer g.Release()
	return t.top.used
}

// AllocHandle reserves a new handle with no object yet attached (Get on it
// returns nil until Set is called). It never invokes the Go allocator while
// the gate is held: if the spare pool is low, it tops up first, outside any
// critical section, and retries.
func (t *Table) AllocHandle() (int, bool) {
	for attempt := 0; ; attempt++ {
		toppedUp := t.topUpSpareIfLow()

		g := t.gate.Acquire()
		h, ok, needMore := t.tryAlloc()
		g.Release()

		if ok {
			return h, true
		}
		if needMore && !toppedUp {
			// The pool was already at/above the low-water mark when we
			// checked, yet tryAlloc still ran dry (another goroutine raced
			// us) — force a refill next time round rather than spinning.
			continue
		}
		if needMore {
			// We just topped up and it still wasn't enough: out of memory.
			return 0, false
		}
		// Table fully saturated: tryAlloc scanned every slot without
		// finding a free one or a block it couldn't get to.
		return 0, false
	}
}

// topUpSpareIfLow allocates fresh blocks outside the gate until the spare
// pool reaches its low-water mark, returning whether it allocated anything.
func (t *Table) topUpSpareIfLow() bool {
	allocated := false
	for {
		g := t.gate.Acquire()
		lowWaterMark := spareLowWaterMark
		if t.spareCap < lowWaterMark {
			lowWaterMark = t.spareCap
		}
		low := t.spareLen < lowWaterMark
		g.Release()
		if !low {
			return allocated
		}

		b := newBlock() // outside the gate: the only place this package calls the allocator.
		allocated = true

		g = t.gate.Acquire()
		if t.spareLen < t.spareCap {
			t.spare[t.spareLen] = b
			t.spareLen++
		}
		full := t.spareLen >= lowWaterMark
		g.Release()
		if full {
			return allocated
		}
	}
}

// takeSpareBlock pops a pre-allocated block from the pool, or returns nil
// if it is empty. Must be called with the gate held.
func (t *Table) takeSpareBlock() *block {
	if t.spareLen == 0 {
		return nil
	}
	t.spareLen--
	b := t.spare[t.spareLen]
	t.spare[t.spareLen] = nil
	return b
}

// cacheBlock returns a freed block to the pool for reuse, if there is room.
// Must be called with the gate held.
func (t *Table) cacheBlock(b *block) {
	if t.spareLen < t.spareCap {
		t.spare[t.spareLen] = b
		t.spareLen++
	}
}

// tryAlloc attempts one allocation attempt under the gate. ok is true on
// success. needMore is true when it failed for lack of spare blocks (the
// caller should top up and retry, or fail OutOfMemory if it just did).
func (t *Table) tryAlloc() (h int, ok bool, needMore bool) {
	// Bounded to MaxHandles attempts: at saturation every slot is live and
	// the counter would otherwise wrap forever looking for a free one.
	for scanned := 0; scanned < MaxHandles; scanned++ {
		handle := int(t.nextHandle) & (MaxHandles - 1)
		t.nextHandle++

		i1 := (handle >> (2 * blockBits)) & blockMask
		i2 := (handle >> blockBits) & blockMask
		i3 := handle & blockMask

		b2, _ := t.top.entries[i1].(*block)
		if t.top.entries[i1] == free {
			nb := t.takeSpareBlock()
			if nb == nil {
				t.nextHandle--
				return 0, false, true
			}
			b2 = nb
			t.top.entries[i1] = b2
		}

		b3, _ := b2.entries[i2].(*block)
		if b2.entries[i2] == free {
			nb := t.takeSpareBlock()
			if nb == nil {
				if b2.used == 0 {
					t.top.entries[i1] = free
					t.cacheBlock(b2)
				}
				t.nextHandle--
				return 0, false, true
			}
			b3 = nb
			b2.entries[i2] = b3
			b2.used++
		}

		if b3.entries[i3] != free {
			// Counter wrapped into a still-live handle; skip it.
			continue
		}

		b3.entries[i3] = nil // allocated, unset
		b3.used++
		t.top.used++
		return handle, true, false
	}
	return 0, false, false
}

// split decomposes a handle into its three block indices.
func split(handle int) (i1, i2, i3 int) {
	return (handle >> (2 * blockBits)) & blockMask,
		(handle >> blockBits) & blockMask,
		handle & blockMask
}

// Set attaches obj to an already-allocated handle. It is silently ignored
// if handle was never allocated (or has since been freed).
func (t *Table) Set(handle int, obj any) {
	if handle < 0 || handle >= MaxHandles {
		return
	}
	g := t.gate.Acquire()
	defer g.Release()

	i1, i2, i3 := split(handle)
	b2, ok := t.top.entries[i1].(*block)
	if !ok {
		return
	}
	b3, ok := b2.entries[i2].(*block)
	if !ok {
		return
	}
	if b3.entries[i3] == free {
		return
	}
	b3.entries[i3] = obj
}

// Get resolves handle to its object, or nil if the handle is free, was
// never Set, or is out of range. Allocation-free, bounded-time, as the
// "resolution path requires no allocator calls" invariant demands.
func (t *Table) Get(handle int) any {
	if handle < 0 || handle >= MaxHandles {
		return nil
	}
	g := t.gate.Acquire()
	defer g.Release()

	i1, i2, i3 := split(handle)
	b2, ok := t.top.entries[i1].(*block)
	if !ok {
		return nil
	}
	b3, ok := b2.entries[i2].(*block)
	if !ok {
		return nil
	}
	v := b3.entries[i3]
	if v == free {
		return nil
	}
	return v
}

// FreeHandle releases handle, returning false if it was never allocated.
func (t *Table) FreeHandle(handle int) bool {
	if handle < 0 || handle >= MaxHandles {
		return false
	}
	g := t.gate.Acquire()
	defer g.Release()

	i1, i2, i3 := split(handle)
	b2, ok := t.top.entries[i1].(*block)
	if !ok {
		return false
	}
	b3, ok := b2.entries[i2].(*block)
	if !ok {
		return false
	}
	if b3.entries[i3] == free {
		return false
	}

	t.top.used--
	b3.entries[i3] = free
	b3.used--
	if b3.used > 0 {
		return true
	}

	t.cacheBlock(b3)
	b2.entries[i2] = free
	b2.used--
	if b2.used == 0 {
		t.cacheBlock(b2)
		t.top.entries[i1] = free
	}
	return true
}

// Next returns the first allocated-and-set object at a handle strictly
// greater than prev (pass -1 to start from the beginning) for which
// predicate returns true, or nil if none match. Used to build diagnostics
// like enumerating every live thread.
func (t *Table) Next(prev int, predicate func(handle int, obj any) bool) any {
	g := t.gate.Acquire()
	defer g.Release()

	start := prev + 1
	for h := start; h < MaxHandles; h++ {
		i1, i2, i3 := split(h)
		b2, ok := t.top.entries[i1].(*block)
		if !ok {
			h = (i1+1)<<(2*blockBits) - 1
			continue
		}
		b3, ok := b2.entries[i2].(*block)
		if !ok {
			h = i1<<(2*blockBits) + (i2+1)<<blockBits - 1
			continue
		}
		v := b3.entries[i3]
		if v == free || v == nil {
			continue
		}
		if predicate(h, v) {
			return v
		}
	}
	return nil
}
