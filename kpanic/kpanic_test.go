package kpanic

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPanicIsRecoverableAsFatal(t *testing.T) {
	defer func() {
		r := recover()
		f, ok := IsFatal(r)
		assert.True(t, ok)
		assert.Equal(t, "stack overflow on thread worker-3", f.Message)
	}()
	Panic("stack overflow on thread %s", "worker-3")
}

func TestOnPanicHookInvoked(t *testing.T) {
	var got string
	OnPanic(func(msg string) { got = msg })
	defer func() { recover() }()
	defer func() { assert.Equal(t, "boom", got) }()
	Panic("boom")
}
