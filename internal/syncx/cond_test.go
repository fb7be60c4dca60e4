package syncx

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWaitCondTimeout(t *testing.T) {
	var mu sync.Mutex
	c := sync.NewCond(&mu)
	mu.Lock()
	defer mu.Unlock()

	start := time.Now()
	assert.False(t, WaitCond(c, 30*time.Millisecond, func() bool { return false }))
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestWaitCondIgnoresUnrelatedWakeups(t *testing.T) {
	var mu sync.Mutex
	c := sync.NewCond(&mu)
	ready := false

	go func() {
		for i := 0; i < 5; i++ {
			time.Sleep(5 * time.Millisecond)
			mu.Lock()
			c.Broadcast()
			mu.Unlock()
		}
		mu.Lock()
		ready = true
		c.Broadcast()
		mu.Unlock()
	}()

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, WaitCond(c, 5*time.Second, func() bool { return ready }))
}
