package net

import (
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListenTCP(t *testing.T) {
	l, port, err := ListenTCP("127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	assert.NotZero(t, port)
	assert.Equal(t, fmt.Sprintf("127.0.0.1:%d", port), l.Addr().String())

	conn, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	conn.Close()
}

func TestListenTCPPortInUse(t *testing.T) {
	l, port, err := ListenTCP("127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	_, _, err = ListenTCP(fmt.Sprintf("127.0.0.1:%d", port))
	assert.Error(t, err)
}

func TestGetEphemeralTCPPort(t *testing.T) {
	port, err := GetEphemeralTCPPort()
	require.NoError(t, err)

	l, boundPort, err := ListenTCP(fmt.Sprintf("127.0.0.1:%d", port))
	require.NoError(t, err)
	defer l.Close()
	assert.Equal(t, port, int(boundPort))
}
