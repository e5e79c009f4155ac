package syscall

import (
	"sync"
	"testing"
	"time"

	"github.com/kavionic/pados/irq"
	"github.com/kavionic/pados/kobject"
	"github.com/kavionic/pados/sched"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now int64
}

func (c *fakeClock) Now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func newTestKernel() *Kernel {
	gate := irq.New()
	registry := kobject.NewRegistry(gate)
	s, err := sched.New(gate, registry, sched.WithClock(&fakeClock{}))
	if err != nil {
		panic(err)
	}
	k := New(s, registry)

	started := make(chan struct{})
	s.SetStartedHook(func(*sched.Scheduler) { close(started) })
	go k.Run()
	<-started
	return k
}

func TestSpawnAndWaitThread(t *testing.T) {
	k := newTestKernel()
	h, err := k.SpawnThread("worker", 0, true, func() {
		k.ExitThread(42)
	})
	require.NoError(t, err)

	var result any
	var waitErr error
	done := make(chan struct{})
	_, err = k.SpawnThread("waiter", 0, false, func() {
		result, waitErr = k.WaitThread(h)
		close(done)
	})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("waiter never completed")
	}
	require.NoError(t, waitErr)
	assert.Equal(t, 42, result)
}

func TestSemaphoreSyscalls(t *testing.T) {
	k := newTestKernel()
	h, err := k.CreateSemaphore("sem", 1, false)
	require.NoError(t, err)

	done := make(chan struct{})
	_, err = k.SpawnThread("worker", 0, false, func() {
		require.NoError(t, k.AcquireSemaphore(h))
		require.NoError(t, k.ReleaseSemaphore(h))
		close(done)
	})
	require.NoError(t, err)
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("worker never completed")
	}
}

func TestSemaphoreUnknownHandleErrors(t *testing.T) {
	k := newTestKernel()
	done := make(chan struct{})
	var err error
	_, spawnErr := k.SpawnThread("worker", 0, false, func() {
		err = k.AcquireSemaphore(999)
		close(done)
	})
	require.NoError(t, spawnErr)
	<-done
	assert.Error(t, err)
}

func TestMutexSyscalls(t *testing.T) {
	k := newTestKernel()
	h, err := k.CreateMutex("mu", false)
	require.NoError(t, err)

	done := make(chan struct{})
	_, err = k.SpawnThread("worker", 0, false, func() {
		require.NoError(t, k.LockMutex(h))
		require.NoError(t, k.UnlockMutex(h))
		close(done)
	})
	require.NoError(t, err)
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("worker never completed")
	}
}

func TestConditionVariableSyscalls(t *testing.T) {
	k := newTestKernel()
	muH, err := k.CreateMutex("cv-mu", false)
	require.NoError(t, err)
	cvH, err := k.CreateConditionVariable("cv")
	require.NoError(t, err)

	ready := false
	woken := make(chan struct{})

	_, err = k.SpawnThread("waiter", 0, false, func() {
		require.NoError(t, k.LockMutex(muH))
		for !ready {
			require.NoError(t, k.ConditionVariableWait(cvH, muH))
		}
		require.NoError(t, k.UnlockMutex(muH))
		close(woken)
	})
	require.NoError(t, err)

	_, err = k.SpawnThread("notifier", 0, false, func() {
		k.Yield()
		require.NoError(t, k.LockMutex(muH))
		ready = true
		require.NoError(t, k.UnlockMutex(muH))
		require.NoError(t, k.ConditionVariableNotifyOne(cvH))
	})
	require.NoError(t, err)

	select {
	case <-woken:
	case <-time.After(3 * time.Second):
		t.Fatal("waiter never woke")
	}
}

func TestDeleteObjectWakesWaiters(t *testing.T) {
	k := newTestKernel()
	h, err := k.CreateSemaphore("sem", 0, false)
	require.NoError(t, err)

	var acquireErr error
	done := make(chan struct{})
	_, err = k.SpawnThread("waiter", 0, false, func() {
		acquireErr = k.AcquireSemaphore(h)
		close(done)
	})
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, k.DeleteObject(h))

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("waiter never woke")
	}
	assert.Error(t, acquireErr)
}

func TestDuplicateSemaphoreKeepsObjectAliveUntilLastHandleDeleted(t *testing.T) {
	k := newTestKernel()
	h, err := k.CreateSemaphore("sem", 0, false)
	require.NoError(t, err)

	dup, err := k.DuplicateSemaphore(h)
	require.NoError(t, err)
	assert.NotEqual(t, h, dup)

	var acquireErr error
	done := make(chan struct{})
	_, err = k.SpawnThread("waiter", 0, false, func() {
		acquireErr = k.AcquireSemaphore(dup)
		close(done)
	})
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)

	require.NoError(t, k.DeleteObject(h))
	select {
	case <-done:
		t.Fatal("waiter woke after only the original handle was deleted")
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, k.DeleteObject(dup))
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("waiter never woke once the last handle was deleted")
	}
	assert.Error(t, acquireErr)

	assert.Error(t, k.DeleteObject(h))
	assert.Error(t, k.DeleteObject(dup))
}

func TestDuplicateMutexUnknownHandleErrors(t *testing.T) {
	k := newTestKernel()
	_, err := k.DuplicateMutex(999)
	assert.Error(t, err)
}

func TestDuplicateConditionVariable(t *testing.T) {
	k := newTestKernel()
	h, err := k.CreateConditionVariable("cv")
	require.NoError(t, err)

	dup, err := k.DuplicateConditionVariable(h)
	require.NoError(t, err)
	assert.NotEqual(t, h, dup)

	require.NoError(t, k.DeleteObject(h))
	require.NoError(t, k.DeleteObject(dup))
	assert.Error(t, k.DeleteObject(dup))
}

func TestDumpThreadsListsSpawnedThreads(t *testing.T) {
	k := newTestKernel()
	done := make(chan struct{})
	_, err := k.SpawnThread("dump-target", 0, false, func() {
		<-done
	})
	require.NoError(t, err)

	lines := k.DumpThreads()
	close(done)

	found := false
	for _, l := range lines {
		if assert.ObjectsAreEqual(true, len(l) > 0) && containsSubstring(l, "dump-target") {
			found = true
		}
	}
	assert.True(t, found)
}

func containsSubstring(haystack, needle string) bool {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}
