package driver

import (
	"bytes"
	"io"
	"net"
	"testing"
	"time"

	"github.com/guseggert/driverlink/internal/syncx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestConnectionDrainsWithoutOwner(t *testing.T) {
	local, remote := net.Pipe()
	c := newConnection(1, local)
	go c.read()
	defer c.close()

	// net.Pipe writes block until read, so this only finishes if the reader keeps draining
	payload := bytes.Repeat([]byte("0123456789abcdef"), 64*1024)
	written := make(chan error, 1)
	go func() {
		_, err := remote.Write(payload)
		written <- err
	}()
	select {
	case err := <-written:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("worker write stalled while nobody took from the connection")
	}

	require.NoError(t, remote.Close())
	var got []byte
	require.Eventually(t, func() bool {
		b, err := c.take()
		got = append(got, b...)
		return err == io.EOF
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, payload, got)
}

func TestGoOnlineFromOwnerPanics(t *testing.T) {
	d, err := New(DefaultConfig(), WithLogger(zap.NewNop()))
	require.NoError(t, err)
	d.owner.Store(syncx.GoroutineID())
	assert.PanicsWithValue(t, "driver: GoOnline called from the owner goroutine", func() { d.GoOnline() })
}
