package net

import (
	"fmt"
	"net"
)

// ListenTCP listens on addr and returns the port it bound, which is how callers learn the port
// when addr asks for an ephemeral one.
func ListenTCP(addr string) (net.Listener, uint16, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, 0, fmt.Errorf("resolving %s: %w", addr, err)
	}
	listener, err := net.ListenTCP("tcp", tcpAddr)
	if err != nil {
		return nil, 0, fmt.Errorf("listening on %s: %w", addr, err)
	}
	return listener, uint16(listener.Addr().(*net.TCPAddr).Port), nil
}

// GetEphemeralTCPPort returns a loopback port that was free at the time of the call.
func GetEphemeralTCPPort() (int, error) {
	listener, port, err := ListenTCP("127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("listening to acquire port: %w", err)
	}
	defer listener.Close()
	return int(port), nil
}
