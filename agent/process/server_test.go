package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/guseggert/procmux/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// serve accepts a single conn for s and returns the client side of it, along with the result of ServeConn.
func serve(ctx context.Context, t *testing.T, s *Server) (net.Conn, <-chan error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	errCh := make(chan error, 1)
	go func() {
		conn, err := l.Accept()
		if err != nil {
			errCh <- err
			return
		}
		errCh <- s.ServeConn(ctx, conn)
	}()

	conn, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, conn.SetDeadline(time.Now().Add(20*time.Second)))
	return conn, errCh
}

func newTestServer() *Server {
	return &Server{Log: testLog.Named("process_server")}
}

func send(t *testing.T, conn net.Conn, docs ...string) {
	_, err := io.WriteString(conn, strings.Join(docs, "\n"))
	require.NoError(t, err)
}

// readUntilExit reads responses until id exits, returning all of the responses read.
func readUntilExit(t *testing.T, rr *protocol.ResponseReader, id uint32) []protocol.SpawnResponse {
	var resps []protocol.SpawnResponse
	for {
		resp, err := rr.ReadResponse()
		require.NoError(t, err)
		resps = append(resps, resp)
		if exit, ok := resp.(protocol.ChildExit); ok && exit.RequestID == id {
			return resps
		}
	}
}

func waitForServeConn(t *testing.T, errCh <-chan error) error {
	select {
	case err := <-errCh:
		return err
	case <-time.After(20 * time.Second):
		t.Fatal("timed out waiting for ServeConn to return")
		return nil
	}
}

func waitForProcessGone(t *testing.T, pid int) {
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if errors.Is(syscall.Kill(pid, 0), syscall.ESRCH) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("process %d is still running", pid)
}

// readPID reads the pid the process for id prints as its first line.
func readPID(t *testing.T, rr *protocol.ResponseReader, id uint32) int {
	resp, err := rr.ReadResponse()
	require.NoError(t, err)
	out, ok := resp.(protocol.ChildOutput)
	require.True(t, ok, "expected output, got %#v", resp)
	require.Equal(t, id, out.RequestID)
	pid, err := strconv.Atoi(strings.TrimSpace(string(out.Data)))
	require.NoError(t, err)
	return pid
}

func TestServeConnEcho(t *testing.T) {
	conn, errCh := serve(context.Background(), t, newTestServer())
	send(t, conn, `{"id": 7, "path": "echo", "args": ["hi"]}`)

	rr := protocol.NewResponseReader(conn)
	assert.Equal(t, []protocol.SpawnResponse{
		protocol.ChildOutput{RequestID: 7, Source: protocol.Stdout, Data: []byte("hi\n")},
		protocol.ChildExit{RequestID: 7, Status: 0},
	}, readUntilExit(t, rr, 7))

	require.NoError(t, conn.Close())
	assert.NoError(t, waitForServeConn(t, errCh))
}

func TestServeConnRequestsInOneWrite(t *testing.T) {
	conn, _ := serve(context.Background(), t, newTestServer())
	// several documents in one write, the last one split across two writes
	send(t, conn,
		`{"id": 1, "path": "sh", "args": ["-c", "exit 1"]}{"id": 2, "path": "sh", "args": ["-c", "exit 2"]}`,
		`{"id": 3, "path": "sh",`,
	)
	time.Sleep(50 * time.Millisecond)
	send(t, conn, ` "args": ["-c", "exit 3"]}`)

	rr := protocol.NewResponseReader(conn)
	codes := map[uint32]int32{}
	for len(codes) < 3 {
		resp, err := rr.ReadResponse()
		require.NoError(t, err)
		exit, ok := resp.(protocol.ChildExit)
		require.True(t, ok, "unexpected response %#v", resp)
		codes[exit.RequestID] = exit.Status
	}
	assert.Equal(t, map[uint32]int32{1: 1, 2: 2, 3: 3}, codes)
}

func TestServeConnLaunchFailure(t *testing.T) {
	conn, _ := serve(context.Background(), t, newTestServer())
	send(t, conn,
		`{"id": 1, "path": "/nonexistent/procmux-test-binary"}`,
		`{"id": 2, "path": "echo", "args": ["still serving"]}`,
	)

	rr := protocol.NewResponseReader(conn)
	var resps []protocol.SpawnResponse
	for exits := 0; exits < 2; {
		resp, err := rr.ReadResponse()
		require.NoError(t, err)
		if _, ok := resp.(protocol.ChildExit); ok {
			exits++
		}
		resps = append(resps, resp)
	}
	assert.Contains(t, resps, protocol.SpawnResponse(protocol.ChildExit{RequestID: 1, Status: protocol.ExitCodeLaunchFailed}))
	assert.Contains(t, resps, protocol.SpawnResponse(protocol.ChildOutput{RequestID: 2, Source: protocol.Stdout, Data: []byte("still serving\n")}))
	assert.Contains(t, resps, protocol.SpawnResponse(protocol.ChildExit{RequestID: 2, Status: 0}))
	for _, resp := range resps {
		if out, ok := resp.(protocol.ChildOutput); ok {
			assert.NotEqual(t, uint32(1), out.RequestID)
		}
	}
}

func TestServeConnInterleavesConcurrentRequests(t *testing.T) {
	conn, _ := serve(context.Background(), t, newTestServer())
	const n = 10
	var docs []string
	for i := 1; i <= n; i++ {
		docs = append(docs, fmt.Sprintf(`{"id": %d, "path": "sh", "args": ["-c", "for i in 1 2 3 4 5; do echo %d-$i; done"]}`, i, i))
	}
	send(t, conn, docs...)

	rr := protocol.NewResponseReader(conn)
	stdout := map[uint32]string{}
	exited := map[uint32]bool{}
	for len(exited) < n {
		resp, err := rr.ReadResponse()
		require.NoError(t, err)
		require.False(t, exited[resp.ResponseID()], "response after exit for id %d", resp.ResponseID())
		switch resp := resp.(type) {
		case protocol.ChildOutput:
			stdout[resp.RequestID] += string(resp.Data)
		case protocol.ChildExit:
			assert.Equal(t, int32(0), resp.Status)
			exited[resp.RequestID] = true
		}
	}
	for i := uint32(1); i <= n; i++ {
		assert.Equal(t, fmt.Sprintf("%d-1\n%d-2\n%d-3\n%d-4\n%d-5\n", i, i, i, i, i), stdout[i])
	}
}

func TestServeConnDuplicateRequestID(t *testing.T) {
	conn, _ := serve(context.Background(), t, newTestServer())
	send(t, conn,
		`{"id": 1, "path": "sh", "args": ["-c", "sleep 0.5; echo original"]}`,
		`{"id": 1, "path": "echo", "args": ["impostor"]}`,
	)

	rr := protocol.NewResponseReader(conn)
	assert.Equal(t, []protocol.SpawnResponse{
		protocol.ChildOutput{RequestID: 1, Source: protocol.Stdout, Data: []byte("original\n")},
		protocol.ChildExit{RequestID: 1, Status: 0},
	}, readUntilExit(t, rr, 1))
}

func TestServeConnClientCloseKillsProcesses(t *testing.T) {
	conn, errCh := serve(context.Background(), t, newTestServer())
	send(t, conn, `{"id": 1, "path": "sh", "args": ["-c", "echo $$; exec sleep 60"]}`)

	pid := readPID(t, protocol.NewResponseReader(conn), 1)
	require.NoError(t, conn.Close())

	waitForProcessGone(t, pid)
	assert.NoError(t, waitForServeConn(t, errCh))
}

func TestServeConnMalformedRequest(t *testing.T) {
	conn, errCh := serve(context.Background(), t, newTestServer())
	send(t, conn, `{"id": 1, "path": "sh", "args": ["-c", "echo $$; exec sleep 60"]}`)
	rr := protocol.NewResponseReader(conn)
	pid := readPID(t, rr, 1)

	send(t, conn, `{"id": "not a number", "path": "echo"}`)

	err := waitForServeConn(t, errCh)
	assert.ErrorIs(t, err, protocol.ErrMalformedRequest)
	waitForProcessGone(t, pid)

	// the conn is closed without an exit for the killed process
	_, err = rr.ReadResponse()
	assert.Error(t, err)
}

func TestServeConnContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	conn, errCh := serve(ctx, t, newTestServer())
	send(t, conn, `{"id": 1, "path": "sh", "args": ["-c", "echo $$; exec sleep 60"]}`)
	pid := readPID(t, protocol.NewResponseReader(conn), 1)

	cancel()

	assert.ErrorIs(t, waitForServeConn(t, errCh), context.Canceled)
	waitForProcessGone(t, pid)
}

func TestServeConnToken(t *testing.T) {
	cases := []struct {
		name       string
		token      string
		expErr     error
		expServing bool
	}{
		{
			name:       "valid token",
			token:      "secret",
			expServing: true,
		},
		{
			name:   "invalid token",
			token:  "guess",
			expErr: ErrUnauthorized,
		},
		{
			name:   "no token",
			expErr: ErrUnauthorized,
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			s := newTestServer()
			s.Token = "secret"
			conn, errCh := serve(context.Background(), t, s)

			send(t, conn, fmt.Sprintf(`{"token": %q}`, c.token), `{"id": 1, "path": "true"}`)

			rr := protocol.NewResponseReader(conn)
			if c.expServing {
				assert.Equal(t, []protocol.SpawnResponse{
					protocol.ChildExit{RequestID: 1, Status: 0},
				}, readUntilExit(t, rr, 1))
				return
			}

			assert.ErrorIs(t, waitForServeConn(t, errCh), c.expErr)
			_, err := rr.ReadResponse()
			assert.Error(t, err)
		})
	}
}
