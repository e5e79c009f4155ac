package irq

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReentrant(t *testing.T) {
	g := New()
	s1 := g.Disable()
	held, depth := g.CurrentState()
	require.True(t, held)
	require.EqualValues(t, 1, depth)

	s2 := g.Disable()
	held, depth = g.CurrentState()
	require.True(t, held)
	require.EqualValues(t, 2, depth)

	g.Restore(s2)
	held, depth = g.CurrentState()
	require.True(t, held)
	require.EqualValues(t, 1, depth)

	g.Restore(s1)
	held, _ = g.CurrentState()
	require.False(t, held)
}

func TestExcludesOtherGoroutines(t *testing.T) {
	g := New()
	var counter int64
	var wg sync.WaitGroup
	const n = 50
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			guard := g.Acquire()
			defer guard.Release()
			cur := atomic.AddInt64(&counter, 1)
			assert.Equal(t, int64(1), cur, "gate allowed concurrent entry")
			time.Sleep(time.Millisecond)
			atomic.AddInt64(&counter, -1)
		}()
	}
	wg.Wait()
}

func TestGuardReleaseIdempotentOnNil(t *testing.T) {
	var gd *Guard
	assert.NotPanics(t, func() { gd.Release() })
}

func TestRestoreByWrongGoroutinePanics(t *testing.T) {
	g := New()
	s := g.Disable()
	defer g.Restore(s)

	done := make(chan any, 1)
	go func() {
		defer func() { done <- recover() }()
		g.Restore(s)
	}()
	r := <-done
	assert.NotNil(t, r)
}
