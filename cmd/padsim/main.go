// Command padsim is a tiny runnable demonstration wiring simhal, sched and
// syscall together: a producer/consumer pair synchronized by a semaphore,
// running under the token-passing scheduler on a simulated HAL.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/kavionic/pados/irq"
	"github.com/kavionic/pados/klog"
	"github.com/kavionic/pados/kobject"
	"github.com/kavionic/pados/sched"
	"github.com/kavionic/pados/simhal"
	"github.com/kavionic/pados/syscall"
)

func main() {
	klog.SetLogger(klog.NewSlogLogger(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))

	clock := simhal.NewClock()
	interrupts, err := simhal.NewInterrupts()
	if err != nil {
		fmt.Fprintf(os.Stderr, "padsim: failed to create interrupt controller: %v\n", err)
		os.Exit(1)
	}
	defer interrupts.Close()
	ticker := simhal.NewTicker()

	gate := irq.New()
	registry := kobject.NewRegistry(gate)
	scheduler, err := sched.New(gate, registry, sched.WithClock(clock), sched.WithHAL(interrupts, ticker))
	if err != nil {
		fmt.Fprintf(os.Stderr, "padsim: failed to construct scheduler: %v\n", err)
		os.Exit(1)
	}
	kernel := syscall.New(scheduler, registry)

	semHandle, err := kernel.CreateSemaphore("padsim-buffer-slots", 0, false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "padsim: failed to create semaphore: %v\n", err)
		os.Exit(1)
	}

	const itemCount = 5
	done := make(chan struct{})

	_, err = kernel.SpawnThread("producer", 0, false, func() {
		for i := 0; i < itemCount; i++ {
			fmt.Printf("producer: item %d ready\n", i)
			if err := kernel.ReleaseSemaphore(semHandle); err != nil {
				fmt.Fprintf(os.Stderr, "padsim: release failed: %v\n", err)
			}
			_ = kernel.Snooze(5 * time.Millisecond)
		}
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "padsim: failed to spawn producer: %v\n", err)
		os.Exit(1)
	}

	_, err = kernel.SpawnThread("consumer", 0, false, func() {
		for i := 0; i < itemCount; i++ {
			if err := kernel.AcquireSemaphore(semHandle); err != nil {
				fmt.Fprintf(os.Stderr, "padsim: acquire failed: %v\n", err)
				return
			}
			fmt.Printf("consumer: consumed item %d\n", i)
		}
		close(done)
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "padsim: failed to spawn consumer: %v\n", err)
		os.Exit(1)
	}

	go kernel.Run()

	select {
	case <-done:
		fmt.Println("padsim: finished")
	case <-time.After(5 * time.Second):
		fmt.Fprintln(os.Stderr, "padsim: timed out waiting for consumer")
		os.Exit(1)
	}

	for _, line := range kernel.DumpThreads() {
		fmt.Println(line)
	}
}
