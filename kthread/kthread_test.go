package kthread

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPriorityLevelRoundTrip(t *testing.T) {
	for p := PriorityMin; p <= PriorityMax; p++ {
		level := PriorityToLevel(p)
		assert.GreaterOrEqual(t, level, 0)
		assert.Less(t, level, PriorityLevels)
		assert.Equal(t, p, LevelToPriority(level))
	}
}

func TestPriorityClampsOutOfRange(t *testing.T) {
	assert.Equal(t, 0, PriorityToLevel(PriorityMin-100))
	assert.Equal(t, PriorityLevels-1, PriorityToLevel(PriorityMax+100))
}

func TestNewThreadStartsReady(t *testing.T) {
	tcb := New("worker", 0, 0, func() {})
	assert.Equal(t, Ready, tcb.State)
	assert.Equal(t, 0, tcb.Priority())
}

func TestPendingSignalTracking(t *testing.T) {
	tcb := New("worker", 0, 0, func() {})
	assert.False(t, tcb.HasUnblockedPendingSignal())

	tcb.SetPendingSignal(5)
	assert.True(t, tcb.HasUnblockedPendingSignal())

	tcb.BlockedSignals = SignalMask(5)
	assert.False(t, tcb.HasUnblockedPendingSignal())
	assert.True(t, tcb.IsSignalBlocked(5))

	tcb.ClearPendingSignal(5)
	tcb.BlockedSignals = 0
	assert.False(t, tcb.HasUnblockedPendingSignal())
}

func TestStringer(t *testing.T) {
	tcb := New("worker", 3, 0, func() {})
	assert.Contains(t, tcb.String(), "worker")
	assert.Contains(t, tcb.String(), "ready")
}
