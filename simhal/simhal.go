// Package simhal is the one concrete hal implementation this repository
// ships: a simulated host environment standing in for the Cortex-M/NVIC
// the kernel was originally written against.
//
// The context-switch trampoline is driven through a Linux eventfd
// (golang.org/x/sys/unix.Eventfd), the same primitive the teacher's event
// loop uses to fold an external wakeup into a single waitable descriptor
// (wakeup_linux.go): a dedicated goroutine blocks in unix.Poll on the
// eventfd, reads it, and dispatches callbacks as they arrive, instead
// of letting every goroutine that wants to signal "something happened"
// race directly against the scheduler's internals.
package simhal

import (
	"sync"
	"time"

	"github.com/kavionic/pados/hal"
	"github.com/kavionic/pados/klog"
	"golang.org/x/sys/unix"
)

// Clock is a monotonic clock backed by time.Now(); Cortex-M's DWT cycle
// counter has no analogue worth simulating precisely.
type Clock struct {
	start time.Time
}

// NewClock constructs a Clock whose Now() is zero at the moment of
// construction.
func NewClock() *Clock {
	return &Clock{start: time.Now()}
}

func (c *Clock) Now() int64 { return time.Since(c.start).Nanoseconds() }

var _ hal.Clock = (*Clock)(nil)

// Interrupts is a simulated interrupt controller: triggering a context
// switch writes to an eventfd, and a dedicated dispatcher goroutine reads
// it and invokes the registered handler — the same decoupling PendSV gives
// the original between "something requested a reschedule" and "a
// reschedule actually happens at the next safe point".
type Interrupts struct {
	fd int

	mu      sync.Mutex
	handler func()
	closed  bool
	done    chan struct{}
}

// NewInterrupts constructs an Interrupts controller. SetHandler must be
// called before any TriggerContextSwitch takes effect.
func NewInterrupts() (*Interrupts, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, err
	}
	ic := &Interrupts{fd: fd, done: make(chan struct{})}
	go ic.dispatchLoop()
	return ic, nil
}

// SetHandler installs the callback invoked for every pending
// TriggerContextSwitch. Analogous to installing the PendSV_Handler vector.
func (ic *Interrupts) SetHandler(fn func()) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	ic.handler = fn
}

// TriggerContextSwitch is safe to call from any goroutine, including one
// holding the kernel's irq.Gate: it only performs a non-blocking write to
// the eventfd counter, exactly as setting SCB_ICSR_PENDSVSET_Msk only
// raises a pending-exception flag rather than servicing it inline.
func (ic *Interrupts) TriggerContextSwitch() {
	var one [8]byte
	one[7] = 1
	if _, err := unix.Write(ic.fd, one[:]); err != nil {
		klog.L().Warnf("simhal: context-switch eventfd write failed: %v", err)
	}
}

func (ic *Interrupts) dispatchLoop() {
	buf := make([]byte, 8)
	for {
		fds := []unix.PollFd{{Fd: int32(ic.fd), Events: unix.POLLIN}}
		_, err := unix.Poll(fds, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			select {
			case <-ic.done:
				return
			default:
			}
			klog.L().Warnf("simhal: poll on context-switch eventfd failed: %v", err)
			return
		}
		select {
		case <-ic.done:
			return
		default:
		}
		if _, err := unix.Read(ic.fd, buf); err != nil {
			continue
		}
		ic.mu.Lock()
		h := ic.handler
		ic.mu.Unlock()
		if h != nil {
			h()
		}
	}
}

// Close stops the dispatcher and releases the eventfd.
func (ic *Interrupts) Close() error {
	ic.mu.Lock()
	if ic.closed {
		ic.mu.Unlock()
		return nil
	}
	ic.closed = true
	ic.mu.Unlock()
	close(ic.done)
	return unix.Close(ic.fd)
}

var _ hal.InterruptController = (*Interrupts)(nil)

// Ticker is a TickSource backed by time.Ticker, standing in for the
// original's 1kHz SysTick. It does not use the eventfd: onTick is called
// directly from the ticker's own goroutine.
type Ticker struct {
	mu     sync.Mutex
	ticker *time.Ticker
	stop   chan struct{}
}

func NewTicker() *Ticker { return &Ticker{} }

func (t *Ticker) Start(period time.Duration, onTick func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ticker != nil {
		return
	}
	t.ticker = time.NewTicker(period)
	t.stop = make(chan struct{})
	ticker, stop := t.ticker, t.stop
	go func() {
		for {
			select {
			case <-ticker.C:
				onTick()
			case <-stop:
				return
			}
		}
	}()
}

func (t *Ticker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ticker == nil {
		return
	}
	t.ticker.Stop()
	close(t.stop)
	t.ticker = nil
}

var _ hal.TickSource = (*Ticker)(nil)
