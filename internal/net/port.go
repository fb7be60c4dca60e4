package net

import (
	"fmt"
	"net"
)

// FreeLocalPort returns a loopback TCP port that nothing was listening on when it returned.
func FreeLocalPort() (int, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("listening to acquire port: %w", err)
	}
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr).Port, nil
}
