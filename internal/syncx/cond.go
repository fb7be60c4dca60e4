package syncx

import (
	"sync"
	"time"
)

// WaitCond blocks on c until done returns true or timeout elapses, and returns done's final value.
// c.L must be held by the caller; it is released while waiting, as with c.Wait.
// Broadcasts meant for other waiters are absorbed by re-checking done.
func WaitCond(c *sync.Cond, timeout time.Duration, done func() bool) bool {
	if done() {
		return true
	}
	deadline := time.Now().Add(timeout)
	t := time.AfterFunc(timeout, func() {
		c.L.Lock()
		defer c.L.Unlock()
		c.Broadcast()
	})
	defer t.Stop()

	for !done() {
		if !time.Now().Before(deadline) {
			return false
		}
		c.Wait()
	}
	return true
}
