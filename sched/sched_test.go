package sched

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kavionic/pados/irq"
	"github.com/kavionic/pados/kobject"
	"github.com/kavionic/pados/kthread"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a manually-advanced clock, avoiding any reliance on wall
// time for deterministic sleep/timeout tests.
type fakeClock struct {
	mu  sync.Mutex
	now int64
}

func (c *fakeClock) Now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now += d.Nanoseconds()
	c.mu.Unlock()
}

func newTestScheduler() *Scheduler {
	s, _ := newTestSchedulerWithClock()
	return s
}

func newTestSchedulerWithClock() (*Scheduler, *fakeClock) {
	gate := irq.New()
	registry := kobject.NewRegistry(gate)
	clock := &fakeClock{}
	s, err := New(gate, registry, WithClock(clock))
	if err != nil {
		panic(err)
	}

	started := make(chan struct{})
	s.testHooks = &testHooks{OnStarted: func(*Scheduler) { close(started) }}
	go s.Start()
	<-started
	return s, clock
}

func TestSpawnThreadRunsEntry(t *testing.T) {
	s := newTestScheduler()
	done := make(chan struct{})
	_, err := s.SpawnThread("worker", 0, false, func() { close(done) })
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker thread never ran")
	}
}

func TestExitThreadReturnValueViaWaitThread(t *testing.T) {
	s := newTestScheduler()
	h, err := s.SpawnThread("worker", 0, true, func() {
		s.ExitThread(42)
	})
	require.NoError(t, err)

	type outcome struct {
		value any
		err   error
	}
	results := make(chan outcome, 1)
	_, err = s.SpawnThread("waiter", 0, false, func() {
		v, e := s.WaitThread(h)
		results <- outcome{v, e}
	})
	require.NoError(t, err)

	select {
	case o := <-results:
		require.NoError(t, o.err)
		assert.Equal(t, 42, o.value)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter thread never completed")
	}
}

func TestWaitThreadUnknownHandleFails(t *testing.T) {
	s := newTestScheduler()
	errs := make(chan error, 1)
	_, err := s.SpawnThread("waiter", 0, false, func() {
		_, e := s.WaitThread(999999)
		errs <- e
	})
	require.NoError(t, err)

	select {
	case e := <-errs:
		assert.Error(t, e)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter thread never completed")
	}
}

func TestYieldLetsOtherThreadsRun(t *testing.T) {
	s := newTestScheduler()
	var order []int
	var mu sync.Mutex
	var wg sync.WaitGroup
	wg.Add(2)

	_, _ = s.SpawnThread("a", 0, false, func() {
		defer wg.Done()
		mu.Lock()
		order = append(order, 1)
		mu.Unlock()
		s.Yield()
	})
	_, _ = s.SpawnThread("b", 0, false, func() {
		defer wg.Done()
		mu.Lock()
		order = append(order, 2)
		mu.Unlock()
	})

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("threads never completed")
	}
	assert.ElementsMatch(t, []int{1, 2}, order)
}

func TestHigherPriorityThreadPreemptsOnNextCheckpoint(t *testing.T) {
	s := newTestScheduler()
	var ran int32
	lowDone := make(chan struct{})
	highDone := make(chan struct{})

	_, _ = s.SpawnThread("low", -5, false, func() {
		s.Yield() // checkpoint: lets the higher-priority thread in first
		atomic.AddInt32(&ran, 1)
		close(lowDone)
	})
	_, _ = s.SpawnThread("high", 10, false, func() {
		atomic.AddInt32(&ran, 1)
		close(highDone)
	})

	for _, ch := range []chan struct{}{lowDone, highDone} {
		select {
		case <-ch:
		case <-time.After(2 * time.Second):
			t.Fatal("thread never completed")
		}
	}
	assert.EqualValues(t, 2, ran)
}

func TestWakeupThreadUnknownHandleErrors(t *testing.T) {
	s := newTestScheduler()
	assert.Error(t, s.WakeupThread(123456, false))
}

// sleepListLen reports how many nodes the sleep list currently holds,
// letting a test observe that a thread has actually linked onto it rather
// than guessing how long that takes.
func sleepListLen(s *Scheduler) int {
	g := s.gate.Acquire()
	defer g.Release()
	return s.sleepList.Len()
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition never became true")
}

// TestSnoozeUntilResumesAtDeadline exercises S3: a thread snoozing until an
// absolute deadline resumes once the clock reaches it (here, once OnTick's
// wakeup_sleeping_threads sweep observes the deadline has passed), reading
// a clock value no earlier than the deadline it asked for.
func TestSnoozeUntilResumesAtDeadline(t *testing.T) {
	s, clock := newTestSchedulerWithClock()
	deadline := clock.Now() + int64(100*time.Millisecond)

	resumed := make(chan int64, 1)
	_, err := s.SpawnThread("sleeper", 0, false, func() {
		require.NoError(t, s.SnoozeUntil(deadline))
		resumed <- s.Now()
	})
	require.NoError(t, err)

	waitUntil(t, func() bool { return sleepListLen(s) == 1 })

	clock.Advance(99 * time.Millisecond)
	s.OnTick()
	select {
	case <-resumed:
		t.Fatal("sleeper resumed before its deadline")
	case <-time.After(20 * time.Millisecond):
	}

	clock.Advance(1 * time.Millisecond)
	s.OnTick()

	select {
	case now := <-resumed:
		assert.GreaterOrEqual(t, now, deadline)
	case <-time.After(2 * time.Second):
		t.Fatal("sleeper never resumed at its deadline")
	}
}

// TestThirtyTwoPrioritiesCompleteHighestFirst exercises S6: 32 threads at
// 32 distinct priorities each increment a shared counter and yield; they
// complete in highest-priority-first order on the first pass, and the
// counter ends at 32.
func TestThirtyTwoPrioritiesCompleteHighestFirst(t *testing.T) {
	s := newTestScheduler()

	var mu sync.Mutex
	var counter int
	var completionOrder []int

	var wg sync.WaitGroup
	wg.Add(kthread.PriorityLevels)
	for priority := kthread.PriorityMin; priority <= kthread.PriorityMax; priority++ {
		priority := priority
		_, err := s.SpawnThread("worker", priority, false, func() {
			defer wg.Done()
			s.Yield()
			mu.Lock()
			counter++
			completionOrder = append(completionOrder, priority)
			mu.Unlock()
		})
		require.NoError(t, err)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("not every priority level completed")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 32, counter)
	require.Len(t, completionOrder, kthread.PriorityLevels)
	for i := 1; i < len(completionOrder); i++ {
		assert.GreaterOrEqualf(t, completionOrder[i-1], completionOrder[i],
			"thread at priority %d completed before thread at priority %d", completionOrder[i-1], completionOrder[i])
	}
}
