package goroutineid

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGet_Stable(t *testing.T) {
	a := Get()
	b := Get()
	require.NotEqual(t, int64(-1), a)
	assert.Equal(t, a, b)
}

func TestGet_DistinctAcrossGoroutines(t *testing.T) {
	var wg sync.WaitGroup
	ids := make(chan int64, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids <- Get()
		}()
	}
	wg.Wait()
	close(ids)

	seen := map[int64]bool{}
	for id := range ids {
		assert.False(t, seen[id], "goroutine id reused: %d", id)
		seen[id] = true
	}
	assert.Len(t, seen, 2)
}
