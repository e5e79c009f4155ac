package kobject

import (
	"testing"

	"github.com/kavionic/pados/irq"
	"github.com/kavionic/pados/waitlist"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSemaphore struct {
	Base
	count int
}

func newFakeSemaphore(name string, count int) *fakeSemaphore {
	return &fakeSemaphore{Base: NewBase(name, TypeSemaphore), count: count}
}

func TestRegisterAndLookup(t *testing.T) {
	r := NewRegistry(irq.New())
	sem := newFakeSemaphore("test-sem", 1)

	h, ok := Register(r, sem)
	require.True(t, ok)
	assert.Equal(t, h, sem.Handle())

	found := r.Lookup(h, TypeSemaphore)
	require.NotNil(t, found)
	assert.Same(t, sem, found)
}

func TestLookupWrongTypeFails(t *testing.T) {
	r := NewRegistry(irq.New())
	sem := newFakeSemaphore("test-sem", 1)
	h, _ := Register(r, sem)

	assert.Nil(t, r.Lookup(h, TypeMutex))
}

func TestLookupUnknownHandleFails(t *testing.T) {
	r := NewRegistry(irq.New())
	assert.Nil(t, r.Lookup(999, TypeSemaphore))
}

func TestDestroyWakesWaitersWithTargetDeleted(t *testing.T) {
	r := NewRegistry(irq.New())
	sem := newFakeSemaphore("test-sem", 0)
	h, _ := Register(r, sem)

	var n1, n2 waitlist.Node
	n1.Value, n2.Value = "waiter-1", "waiter-2"
	sem.WaitQueue().Append(&n1)
	sem.WaitQueue().Append(&n2)

	var woken []any
	ok := Destroy(r, h, TypeSemaphore, func(v any) { woken = append(woken, v) })
	require.True(t, ok)

	assert.True(t, n1.TargetDeleted)
	assert.True(t, n2.TargetDeleted)
	assert.False(t, n1.Linked())
	assert.False(t, n2.Linked())
	assert.Equal(t, []any{"waiter-1", "waiter-2"}, woken)

	assert.Nil(t, r.Lookup(h, TypeSemaphore))
}

func TestDestroyWrongTypeFails(t *testing.T) {
	r := NewRegistry(irq.New())
	sem := newFakeSemaphore("test-sem", 0)
	h, _ := Register(r, sem)

	assert.False(t, Destroy(r, h, TypeMutex, nil))
	assert.NotNil(t, r.Lookup(h, TypeSemaphore))
}

func TestForwardToHandle(t *testing.T) {
	r := NewRegistry(irq.New())
	sem := newFakeSemaphore("test-sem", 5)
	h, _ := Register(r, sem)

	result, ok := ForwardToHandle(r, h, TypeSemaphore, func(s *fakeSemaphore) int {
		return s.count
	})
	require.True(t, ok)
	assert.Equal(t, 5, result)

	_, ok = ForwardToHandle(r, h, TypeMutex, func(s *fakeSemaphore) int { return s.count })
	assert.False(t, ok)
}
