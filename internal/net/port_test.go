package net

import (
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFreeLocalPort(t *testing.T) {
	port, err := FreeLocalPort()
	require.NoError(t, err)
	assert.Greater(t, port, 0)

	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	require.NoError(t, err)
	l.Close()
}
