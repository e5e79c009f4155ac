// Package kpanic implements the kernel's fatal invariant-violation path.
//
// Any invariant violation detected by the kernel (stack overflow,
// double-free of a wait node, wait-queue holding dead threads on object
// destruction) is fatal and invokes panic(message); on real hardware this
// halts the system. Hosted, it is a genuine Go panic, which is never recovered by
// kernel code. Nothing in this module recovers panics at all: a thread
// body's own runtime panic also ends the process. Kernel-core panics carry
// a Fatal value, recognizable via IsFatal.
package kpanic

import "fmt"

// Fatal marks a panic value as originating from a kernel-core invariant
// violation, as opposed to an application thread's own runtime panic.
type Fatal struct {
	Message string
}

func (f Fatal) Error() string { return f.Message }

// Panic logs the formatted message via klog at error level (done through a
// function variable, not a direct import of klog, to avoid kpanic depending
// on klog's global state being initialized) and then panics with a Fatal
// value that is never recovered by kernel code.
func Panic(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	for _, hook := range hooks {
		hook(msg)
	}
	panic(Fatal{Message: msg})
}

var hooks []func(string)

// OnPanic registers a hook invoked with the formatted message immediately
// before Panic panics. klog's init wires one in so fatal kernel messages
// are always logged even though kpanic itself has no logger dependency.
func OnPanic(hook func(string)) {
	hooks = append(hooks, hook)
}

// IsFatal reports whether a recovered panic value originated from Panic.
func IsFatal(recovered any) (Fatal, bool) {
	f, ok := recovered.(Fatal)
	return f, ok
}
