package syncx

import (
	"bytes"
	"runtime"
	"strconv"
)

// GoroutineID returns the id the runtime prints for the calling goroutine. Ids are never 0.
func GoroutineID() uint64 {
	var buf [64]byte
	b := buf[:runtime.Stack(buf[:], false)]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	if i := bytes.IndexByte(b, ' '); i >= 0 {
		b = b[:i]
	}
	id, _ := strconv.ParseUint(string(b), 10, 64)
	return id
}
