// Package goroutineid extracts the identity of the calling goroutine.
//
// The kernel core has no notion of an OS thread ID to key its reentrant
// interrupt-mask gate on, since every PadOS "thread" is backed by a Go
// goroutine rather than a CPU register file. This package recovers a stable
// per-goroutine identifier from the runtime's own stack trace header, which
// is the only public surface that exposes it.
package goroutineid

import (
	"bytes"
	"runtime"
	"strconv"
)

// Get returns the identifier of the calling goroutine.
//
// It works by parsing the "goroutine N [...]" header that runtime.Stack
// prints at the start of every trace. This is slow relative to a register
// read on real hardware, which is expected: it is invoked twice per
// interrupt-mask disable/restore pair (once in each), not on any data-plane path, and the
// whole module is a hosted simulation of a microcontroller kernel rather
// than a CPU-register-level implementation.
func Get() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := buf[:n]

	const prefix = "goroutine "
	if !bytes.HasPrefix(b, []byte(prefix)) {
		return -1
	}
	b = b[len(prefix):]

	end := bytes.IndexByte(b, ' ')
	if end < 0 {
		return -1
	}

	id, err := strconv.ParseInt(string(b[:end]), 10, 64)
	if err != nil {
		return -1
	}
	return id
}
