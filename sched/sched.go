// Package sched is the scheduler core: ready lists, the sleep list, the
// zombie reaper, and the context-switch machinery, grounded directly on
// Scheduler.cpp/.h.
//
// The original dispatches via PendSV: select_thread picks the next TCB and
// the exception return mechanism restores its saved CPU registers. This
// kernel has no CPU registers to save, so it replaces PendSV with a
// token-passing rendezvous: every thread is a real goroutine parked on its
// own channel, and reschedule hands a single logical "CPU token" from one
// channel to another. Exactly one thread goroutine is ever unblocked at a
// time, which is what gives Scheduler.Current() its single-core meaning —
// the price is that a switch only happens at an explicit reschedule() call
// (a blocking syscall, yield, thread exit, or the idle loop), never at an
// arbitrary instruction or from a tick, a
// divergence spelled out in full where this package is introduced.
package sched

import (
	"errors"
	"time"

	"github.com/kavionic/pados/hal"
	"github.com/kavionic/pados/irq"
	"github.com/kavionic/pados/kerrno"
	"github.com/kavionic/pados/klog"
	"github.com/kavionic/pados/kobject"
	"github.com/kavionic/pados/kpanic"
	"github.com/kavionic/pados/kthread"
	"github.com/kavionic/pados/waitlist"
)

// Scheduler owns every piece of global scheduler state the original keeps
// in file-scope statics (gk_ReadyThreadLists, gk_SleepingThreads, ...).
type Scheduler struct {
	gate     *irq.Gate
	registry *kobject.Registry
	clock    hal.Clock
	irqc     hal.InterruptController
	tick     hal.TickSource

	tickInterval     time.Duration
	defaultStackSize int

	readyLists [kthread.PriorityLevels]*waitlist.List
	sleepList  *waitlist.List
	zombieList *waitlist.List

	current *kthread.TCB
	idle    *kthread.TCB
	init    *kthread.TCB

	testHooks *testHooks
}

// testHooks provides injection points for deterministic race/startup
// testing, set directly on a Scheduler's testHooks field only from
// _test.go files in this package (never from production code paths).
type testHooks struct {
	// OnStarted is called once Start has installed the idle and init
	// threads and is about to perform its first reschedule, letting a test
	// synchronize on scheduler bootstrap instead of sleeping an arbitrary
	// duration and hoping it was enough.
	OnStarted func(*Scheduler)
}

// SetStartedHook installs the same OnStarted hook testHooks exposes
// in-package, for test code in ksync/syscall that bootstraps a Scheduler
// from outside this package and cannot reach the unexported testHooks
// field directly. Like testHooks itself, callers must only ever invoke
// this from _test.go files.
func (s *Scheduler) SetStartedHook(fn func(*Scheduler)) {
	s.testHooks = &testHooks{OnStarted: fn}
}

// schedOptions holds configuration for a Scheduler under construction.
type schedOptions struct {
	clock            hal.Clock
	irqc             hal.InterruptController
	tick             hal.TickSource
	tickInterval     time.Duration
	priorityLevels   int
	defaultStackSize int
	handleSpareBlocks int
}

// Option configures a Scheduler instance. Options are applied during
// construction, in New.
type Option interface {
	applyOption(*schedOptions) error
}

// optionImpl implements Option via a closure.
type optionImpl struct {
	fn func(*schedOptions) error
}

func (o *optionImpl) applyOption(opts *schedOptions) error { return o.fn(opts) }

// WithClock configures the clock the scheduler reads for deadline
// arithmetic (snooze/timeout). This option is required; passing nil
// returns an error from New.
func WithClock(clock hal.Clock) Option {
	return &optionImpl{fn: func(opts *schedOptions) error {
		if clock == nil {
			return errors.New("sched: clock must not be nil")
		}
		opts.clock = clock
		return nil
	}}
}

// WithHAL configures the interrupt controller and tick source the
// scheduler drives. Either may be nil (the scheduler tests in this module
// omit WithHAL altogether), in which
// case the corresponding hardware interaction (context-switch dispatch
// logging, periodic tick) is simply not wired up.
func WithHAL(irqc hal.InterruptController, tick hal.TickSource) Option {
	return &optionImpl{fn: func(opts *schedOptions) error {
		opts.irqc = irqc
		opts.tick = tick
		return nil
	}}
}

// WithTickInterval overrides the default 1kHz (time.Millisecond) tick
// period passed to the configured hal.TickSource.
func WithTickInterval(d time.Duration) Option {
	return &optionImpl{fn: func(opts *schedOptions) error {
		if d <= 0 {
			return errors.New("sched: tick interval must be positive")
		}
		opts.tickInterval = d
		return nil
	}}
}

// WithPriorityLevels validates that the caller's expected priority-level
// count matches kthread.PriorityLevels. Unlike the other options this does
// not reconfigure anything: kthread.PriorityLevels fixes the ready-list
// array's size at compile time exactly as KTHREAD_PRIORITY_LEVELS does in
// the original, so a mismatched value is a caller error, not something to
// silently accept.
func WithPriorityLevels(n int) Option {
	return &optionImpl{fn: func(opts *schedOptions) error {
		if n != kthread.PriorityLevels {
			return errors.New("sched: priority levels is fixed at compile time by kthread.PriorityLevels")
		}
		opts.priorityLevels = n
		return nil
	}}
}

// WithDefaultStackSize overrides the nominal stack-size budget (mirroring
// THREAD_DEFAULT_STACK_SIZE) assigned to a thread spawned via SpawnThread,
// which does not specify one explicitly.
func WithDefaultStackSize(bytes int) Option {
	return &optionImpl{fn: func(opts *schedOptions) error {
		if bytes <= 0 {
			return errors.New("sched: default stack size must be positive")
		}
		opts.defaultStackSize = bytes
		return nil
	}}
}

// WithHandleSpareBlocks resizes the registry's handle-table spare pool
// (see handle.Table.SetSpareCapacity), trading memory held in reserve
// against how often a handle allocation must top up outside the gate.
func WithHandleSpareBlocks(n int) Option {
	return &optionImpl{fn: func(opts *schedOptions) error {
		if n <= 0 {
			return errors.New("sched: handle spare blocks must be positive")
		}
		opts.handleSpareBlocks = n
		return nil
	}}
}

// resolveOptions applies opts atop schedOptions' defaults and validates
// that WithClock was supplied.
func resolveOptions(opts []Option) (*schedOptions, error) {
	cfg := &schedOptions{
		tickInterval:      time.Millisecond,
		priorityLevels:    kthread.PriorityLevels,
		defaultStackSize:  kthread.DefaultStackSize,
		handleSpareBlocks: 4,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyOption(cfg); err != nil {
			return nil, err
		}
	}
	if cfg.clock == nil {
		return nil, errors.New("sched: clock is required (use WithClock)")
	}
	return cfg, nil
}

// New constructs a Scheduler from gate, registry, and the given options. It
// does not start running threads; call Start for that. WithClock is
// required; every other option defaults to the values the original
// kernel's own compile-time constants use.
func New(gate *irq.Gate, registry *kobject.Registry, opts ...Option) (*Scheduler, error) {
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}

	registry.SetHandleSpareBlocks(cfg.handleSpareBlocks)

	s := &Scheduler{
		gate:             gate,
		registry:         registry,
		clock:            cfg.clock,
		irqc:             cfg.irqc,
		tick:             cfg.tick,
		tickInterval:     cfg.tickInterval,
		defaultStackSize: cfg.defaultStackSize,
		sleepList:        waitlist.NewSorted(),
		zombieList:       waitlist.NewFIFO(),
	}
	for i := range s.readyLists {
		s.readyLists[i] = waitlist.NewFIFO()
	}
	if s.irqc != nil {
		// The interrupt controller models hardware that can only request a
		// switch, never perform one (Go has no way to forcibly suspend a
		// goroutine mid-instruction the way exception return restores a
		// saved register file). The actual handoff always happens on the
		// currently-running thread's own goroutine, at its next checkpoint
		// (reschedule calls below); this handler only logs that a
		// context-switch request was dispatched, exercising the same
		// eventfd-backed path the real PendSV trigger would use.
		s.irqc.SetHandler(func() {
			klog.L().Debugf("sched: context-switch interrupt dispatched")
		})
	}
	return s, nil
}

// Gate returns the scheduler's irq.Gate, the single critical-section
// primitive every synchronization object built atop this scheduler
// (package ksync) must use to guard its own state consistently with the
// scheduler's.
func (s *Scheduler) Gate() *irq.Gate { return s.gate }

// Now returns the scheduler's clock reading, for deadline arithmetic done
// outside this package.
func (s *Scheduler) Now() int64 { return s.clock.Now() }

// Reschedule is the exported context-switch boundary: synchronization
// primitives call it after parking the calling thread on some wait queue,
// exactly where the original issues KSWITCH_CONTEXT().
func (s *Scheduler) Reschedule() { s.reschedule() }

// AddToSleepList inserts n in deadline order into the scheduler's sleep
// list. Must be called with the gate held.
func (s *Scheduler) AddToSleepList(n *waitlist.Node) { s.addToSleepList(n) }

// AddToReadyList moves t to Ready and appends it to its priority level's
// ready list. Must be called with the gate held.
func (s *Scheduler) AddToReadyList(t *kthread.TCB) { s.addToReadyListLocked(t) }

// WakeWaitQueue moves up to maxCount Sleeping/Waiting threads queued on
// queue onto their ready lists, mirroring wakeup_wait_queue exactly
// (KSemaphore::Release, KMutex::Unlock, condition variable notify). A
// maxCount of 0 means unlimited. Must be called with the gate held. It
// returns whether any woken thread outranks the caller, in which case the
// caller must call Reschedule once it has released the gate.
func (s *Scheduler) WakeWaitQueue(queue *waitlist.List, maxCount int) bool {
	self := s.current
	needSchedule := false
	remaining := maxCount
	for {
		if maxCount > 0 && remaining == 0 {
			break
		}
		n := queue.Front()
		if n == nil {
			break
		}
		n.Detach()
		t, _ := n.Value.(*kthread.TCB)
		if t != nil && (t.State == kthread.Sleeping || t.State == kthread.Waiting) {
			if self != nil && t.PriorityLevel > self.PriorityLevel {
				needSchedule = true
			}
			s.addToReadyListLocked(t)
		}
		remaining--
	}
	return needSchedule
}

// DestroyObject destroys the named object of the given type, waking every
// thread queued on it with TargetDeleted set and moving any woken thread
// back onto its ready list — the scheduler-aware counterpart to
// kobject.Destroy, which by itself only drains the wait queue and has no
// way to reach the ready lists.
func (s *Scheduler) DestroyObject(handle int, typ kobject.Type) bool {
	g := s.gate.Acquire()
	self := s.current
	needSchedule := false
	destroyed := kobject.Destroy(s.registry, handle, typ, func(threadRef any) {
		t, _ := threadRef.(*kthread.TCB)
		if t == nil {
			return
		}
		if self != nil && t.PriorityLevel > self.PriorityLevel {
			needSchedule = true
		}
		s.addToReadyListLocked(t)
	})
	g.Release()
	if destroyed && needSchedule {
		s.reschedule()
	}
	return destroyed
}

// Current returns the thread the calling goroutine represents. Valid only
// when called from a goroutine the scheduler itself launched (a spawned
// thread body, or the idle/init threads).
func (s *Scheduler) Current() *kthread.TCB {
	g := s.gate.Acquire()
	defer g.Release()
	return s.current
}

func (s *Scheduler) addToReadyListLocked(t *kthread.TCB) {
	t.State = kthread.Ready
	t.ReadyNode.Value = t
	s.readyLists[t.PriorityLevel].Append(&t.ReadyNode)
}

// pickNext mirrors select_thread's inner loop exactly: scan ready levels
// top-down, and only take a candidate if prev isn't Running or the
// candidate's level is at least prev's — otherwise prev keeps the CPU.
func (s *Scheduler) pickNext(prev *kthread.TCB) *kthread.TCB {
	for level := kthread.PriorityLevels - 1; level >= 0; level-- {
		n := s.readyLists[level].Front()
		if n == nil {
			continue
		}
		if prev.State != kthread.Running || level >= prev.PriorityLevel {
			s.readyLists[level].PopFront()
			return n.Value.(*kthread.TCB)
		}
		return prev
	}
	return prev
}

// reschedule is the context-switch boundary: every syscall that can block
// or yield calls into it, exactly where the original issues
// KSWITCH_CONTEXT(). It always runs on the goroutine of the thread being
// switched away from; neither the interrupt controller's handler nor OnTick
// calls it.
func (s *Scheduler) reschedule() {
	g := s.gate.Acquire()
	prev := s.current
	prev.CheckStackQuota()
	next := s.pickNext(prev)
	switched := next != prev

	if switched {
		if prev.State == kthread.Running {
			s.addToReadyListLocked(prev)
		}
		next.State = kthread.Running
		s.current = next
	}

	if prev.State == kthread.Zombie {
		s.reapOrWakeJoiners(prev)
	}
	g.Release()

	if !switched {
		return
	}

	next.ResumeChan() <- struct{}{}
	// A zombie is never put back on a ready list, so nothing ever resumes
	// it again and its goroutine stays parked here for good.
	<-prev.ResumeChan()
}

// reapOrWakeJoiners handles a thread that just stopped running because it
// exited, mirroring select_thread's zombie branch: a detached thread goes
// on the zombie list for the reaper to free later; a joinable thread's
// waiters (parked in WaitThread) are woken immediately. Must be called
// with the gate held.
func (s *Scheduler) reapOrWakeJoiners(prev *kthread.TCB) {
	if prev.DetachState == kthread.Detached {
		prev.ReadyNode.Value = prev
		s.zombieList.Append(&prev.ReadyNode)
		if s.init != nil && s.init.State == kthread.Waiting {
			s.addToReadyListLocked(s.init)
		}
		return
	}
	for {
		n := prev.WaitQueue().Front()
		if n == nil {
			break
		}
		n.Detach()
		waiter, _ := n.Value.(*kthread.TCB)
		if waiter != nil && (waiter.State == kthread.Sleeping || waiter.State == kthread.Waiting) {
			s.addToReadyListLocked(waiter)
		}
	}
}

// runThread is the body every thread goroutine (other than the one that
// calls Start, which plays the idle thread in person) executes: park until
// first scheduled in, run the user entry point, then exit.
func (s *Scheduler) runThread(t *kthread.TCB) {
	<-t.ResumeChan()
	t.Entry()()
	s.ExitThread(nil)
}

// SpawnThread creates and schedules a new thread at the scheduler's
// configured default stack size (WithDefaultStackSize), mirroring
// spawn_thread called with a zero explicit stack-size request.
func (s *Scheduler) SpawnThread(name string, priority int, joinable bool, entry func()) (int, error) {
	return s.SpawnThreadWithStackSize(name, priority, joinable, s.defaultStackSize, entry)
}

// SpawnThreadWithStackSize is SpawnThread with an explicit nominal
// stack-size budget, mirroring spawn_thread's stackSize parameter:
// allocate a TCB, register it for a handle, append it to its priority
// level's ready list, and launch its goroutine (parked until scheduled).
func (s *Scheduler) SpawnThreadWithStackSize(name string, priority int, joinable bool, stackSize int, entry func()) (int, error) {
	t := kthread.New(name, priority, stackSize, entry)
	if joinable {
		t.DetachState = kthread.Joinable
	}
	if _, ok := kobject.Register(s.registry, t); !ok {
		return 0, kerrno.OutOfMemory.Err()
	}

	g := s.gate.Acquire()
	s.addToReadyListLocked(t)
	g.Release()

	go s.runThread(t)
	return t.Handle(), nil
}

// GetThread resolves handle to a live (non-Deleted) TCB, or nil.
func (s *Scheduler) GetThread(h int) *kthread.TCB {
	obj := s.registry.Lookup(h, kobject.TypeThread)
	if obj == nil {
		return nil
	}
	t := obj.(*kthread.TCB)
	if t.State == kthread.Deleted {
		return nil
	}
	return t
}

// GetThreadID returns the calling thread's own handle.
func (s *Scheduler) GetThreadID() int {
	return s.Current().Handle()
}

// ExitThread terminates the calling thread, mirroring exit_thread:
// transition to Zombie, record the return value, and switch away forever.
// It never returns — like the original, it panics if control somehow
// resumes on this goroutine afterwards.
func (s *Scheduler) ExitThread(returnValue any) {
	g := s.gate.Acquire()
	t := s.current
	t.State = kthread.Zombie
	t.ReturnValue = returnValue
	g.Release()

	s.reschedule()
	kpanic.Panic("sched: ExitThread survived a context switch")
}

// WaitThread blocks the calling thread until the thread named by handle
// becomes a zombie, then reaps it and returns its return value. Mirrors
// wait_thread, including its restart-on-spurious-wakeup loop; m_RestartSyscalls
// is never set here, so a spurious wakeup surfaces as kerrno.Interrupted
// exactly once rather than silently retrying forever.
func (s *Scheduler) WaitThread(handle int) (any, error) {
	self := s.Current()
	for {
		obj := s.registry.Lookup(handle, kobject.TypeThread)
		if obj == nil {
			return nil, kerrno.InvalidArgument.Err()
		}
		child := obj.(*kthread.TCB)

		var node waitlist.Node
		node.Value = self

		g := s.gate.Acquire()
		if child.State == kthread.Deleted {
			g.Release()
			return nil, kerrno.InvalidArgument.Err()
		}
		mustSwitch := child.State != kthread.Zombie
		if mustSwitch {
			self.State = kthread.Waiting
			child.WaitQueue().Append(&node)
		}
		g.Release()

		if mustSwitch {
			s.reschedule()
		}

		g = s.gate.Acquire()
		node.Detach()
		deleted := child.State == kthread.Deleted
		stillRunning := child.State != kthread.Zombie
		g.Release()

		if deleted {
			return nil, kerrno.InvalidArgument.Err()
		}
		if stillRunning {
			return nil, kerrno.Interrupted.Err()
		}

		returnValue := child.ReturnValue
		s.freeZombie(child)
		return returnValue, nil
	}
}

func (s *Scheduler) freeZombie(t *kthread.TCB) {
	kobject.Destroy(s.registry, t.Handle(), kobject.TypeThread, nil)
	g := s.gate.Acquire()
	t.State = kthread.Deleted
	g.Release()
}

// WakeupThread mirrors wakeup_thread(handle, wakeupSuspended): moves a
// Sleeping thread (snoozing, or in a timed acquire_*/lock_*/wait_*) straight
// to its ready list, pre-empting whatever timeout it was blocked on. A
// Waiting thread (blocked on a sync object's wait queue with no deadline)
// is only force-woken if includeSuspended is set — otherwise a thread parked
// on an untimed acquire_*/lock_*/wait_* is left alone,
// since forcing it off that queue without notifying the object it was
// queued on would desynchronize the object's own state. A no-op error for
// an unknown or already-zombie handle.
func (s *Scheduler) WakeupThread(handle int, includeSuspended bool) error {
	g := s.gate.Acquire()
	defer g.Release()

	obj := s.registry.Lookup(handle, kobject.TypeThread)
	if obj == nil {
		return kerrno.InvalidArgument.Err()
	}
	t := obj.(*kthread.TCB)
	if t.State == kthread.Zombie || t.State == kthread.Deleted {
		return kerrno.InvalidArgument.Err()
	}
	if t.State == kthread.Sleeping || (includeSuspended && t.State == kthread.Waiting) {
		t.ReadyNode.Detach()
		s.addToReadyListLocked(t)
	}
	return nil
}

// Yield gives up the remainder of the calling thread's time slice.
func (s *Scheduler) Yield() {
	s.reschedule()
}

// addToSleepList mirrors add_to_sleep_list: insert in deadline order.
func (s *Scheduler) addToSleepList(n *waitlist.Node) {
	s.sleepList.Insert(n)
}

// SnoozeUntil blocks the calling thread until deadline (nanoseconds on the
// scheduler's clock) or an explicit WakeupThread, mirroring snooze_until.
func (s *Scheduler) SnoozeUntil(deadline int64) error {
	self := s.Current()
	var node waitlist.Node
	node.Deadline = deadline
	node.Value = self

	g := s.gate.Acquire()
	s.addToSleepList(&node)
	self.State = kthread.Sleeping
	g.Release()

	s.reschedule()

	g = s.gate.Acquire()
	node.Detach()
	g.Release()

	if s.clock.Now() >= deadline {
		return nil
	}
	return kerrno.Interrupted.Err()
}

// Snooze blocks the calling thread for d.
func (s *Scheduler) Snooze(d time.Duration) error {
	return s.SnoozeUntil(s.clock.Now() + d.Nanoseconds())
}

// OnTick is the periodic tick handler, mirroring SysTick_Handler's
// wakeup_sleeping_threads step: wake every thread whose sleep deadline has
// passed. It deliberately does not itself perform a context switch — see
// the token-passing note atop this file — idle's own reschedule loop (or
// the next syscall on whatever thread is running) picks newly-ready
// threads up at the next checkpoint, within one tick in the worst case.
func (s *Scheduler) OnTick() {
	now := s.clock.Now()
	g := s.gate.Acquire()
	for {
		n := s.sleepList.Front()
		if n == nil || n.Deadline > now {
			break
		}
		n.Detach()
		t, _ := n.Value.(*kthread.TCB)
		if t != nil && t.State == kthread.Sleeping {
			s.addToReadyListLocked(t)
		}
	}
	g.Release()

	if s.irqc != nil {
		s.irqc.TriggerContextSwitch()
	}
}

func idleEntry() {}

// initEntry is the reaper loop, mirroring init_thread_entry: repeatedly
// free zombie-list threads' handles, then wait to be woken by the next
// detached thread exit.
func (s *Scheduler) initEntry() {
	for {
		g := s.gate.Acquire()
		var toFree []*kthread.TCB
		for {
			n := s.zombieList.Front()
			if n == nil {
				break
			}
			n.Detach()
			toFree = append(toFree, n.Value.(*kthread.TCB))
		}
		g.Release()

		for _, z := range toFree {
			s.freeZombie(z)
		}

		if len(toFree) == 0 {
			g = s.gate.Acquire()
			s.init.State = kthread.Waiting
			g.Release()
			s.reschedule()
		}
	}
}

// Start brings the scheduler to life on the calling goroutine, which plays
// the idle thread, mirroring start_scheduler: construct the idle TCB as
// the initial "current" thread, spawn the reaper (init) thread, switch
// away to it, and thereafter loop as the idle thread whenever nothing else
// is ready — the hosted analogue of the original's WFI spin.
func (s *Scheduler) Start() {
	s.idle = kthread.New("idle", kthread.PriorityMin, s.defaultStackSize, idleEntry)
	kobject.Register(s.registry, s.idle)
	s.idle.State = kthread.Running

	g := s.gate.Acquire()
	s.current = s.idle
	g.Release()

	initHandle, err := s.SpawnThread("init", kthread.PriorityMin, false, nil)
	if err != nil {
		kpanic.Panic("sched: failed to spawn reaper thread: %v", err)
	}
	s.init = s.GetThread(initHandle)
	s.init.ReturnValue = nil
	// initEntry replaces the placeholder nil entry set by SpawnThread above.
	s.setEntry(s.init, s.initEntry)

	if s.tick != nil {
		s.tick.Start(s.tickInterval, s.OnTick)
	}

	klog.L().Infof("sched: starting, idle=%d init=%d", s.idle.Handle(), s.init.Handle())
	if s.testHooks != nil && s.testHooks.OnStarted != nil {
		s.testHooks.OnStarted(s)
	}
	s.reschedule()
	s.idleLoop()
}

// setEntry exists only so Start can install the reaper body after
// SpawnThread has already launched init's goroutine parked on its resumeCh
// — the goroutine reads Entry() only once it is first resumed, so
// replacing it beforehand is race-free.
func (s *Scheduler) setEntry(t *kthread.TCB, fn func()) {
	t.SetEntry(fn)
}

func (s *Scheduler) idleLoop() {
	for {
		s.reschedule()
		if s.Current() == s.idle {
			time.Sleep(time.Millisecond)
		}
	}
}
