package process

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/guseggert/procmux/protocol"
	"go.uber.org/zap"
)

var ErrClientClosed = errors.New("client closed")

// Client starts processes on an agent over a single conn. Any number of processes can run at once.
type Client struct {
	log  *zap.SugaredLogger
	conn net.Conn

	writeMut sync.Mutex

	mut    sync.Mutex
	procs  map[uint32]*Process
	nextID uint32
	err    error

	done      chan struct{}
	closeOnce sync.Once
}

type StartProcRequest struct {
	Command string
	Args    []string
	Env     map[string]string
	WD      string

	// Stdout and Stderr receive the process's output. Nil discards it.
	// They are written from the client's read loop, so a slow writer delays every process on the conn.
	Stdout io.Writer
	Stderr io.Writer
}

type ProcessResult struct {
	// ExitCode is the process's exit code, or a negative protocol sentinel.
	ExitCode int
}

// Process is a process started by a Client.
type Process struct {
	ID uint32

	stdout io.Writer
	stderr io.Writer

	done   chan struct{}
	result cmdResult
}

type cmdResult struct {
	code int
	err  error
}

// Wait blocks until the process has exited and all of its output has been written.
func (p *Process) Wait(ctx context.Context) (*ProcessResult, error) {
	select {
	case <-p.done:
		if p.result.err != nil {
			return nil, p.result.err
		}
		return &ProcessResult{ExitCode: p.result.code}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Process) finish(res cmdResult) {
	p.result = res
	close(p.done)
}

// NewClient starts reading responses from conn. If the agent requires a token,
// Authenticate must be called before starting any processes.
func NewClient(conn net.Conn, log *zap.SugaredLogger) *Client {
	c := &Client{
		log:   log,
		conn:  conn,
		procs: map[uint32]*Process{},
		done:  make(chan struct{}),
	}
	go c.readMessages()
	return c
}

func (c *Client) Authenticate(token string) error {
	return c.writeJSON(context.Background(), protocol.AuthRequest{Token: token})
}

func (c *Client) StartProc(ctx context.Context, req StartProcRequest) (*Process, error) {
	c.mut.Lock()
	if c.err != nil {
		err := c.err
		c.mut.Unlock()
		return nil, err
	}
	c.nextID++
	p := &Process{
		ID:     c.nextID,
		stdout: io.Discard,
		stderr: io.Discard,
		done:   make(chan struct{}),
	}
	if req.Stdout != nil {
		p.stdout = req.Stdout
	}
	if req.Stderr != nil {
		p.stderr = req.Stderr
	}
	c.procs[p.ID] = p
	c.mut.Unlock()

	err := c.writeJSON(ctx, protocol.SpawnRequest{
		ID:   p.ID,
		Path: req.Command,
		Args: req.Args,
		Cwd:  req.WD,
		Env:  req.Env,
	})
	if err != nil {
		c.remove(p.ID)
		return nil, fmt.Errorf("sending spawn request: %w", err)
	}
	c.log.Debugw("started process", "RequestID", p.ID, "Command", req.Command)
	return p, nil
}

// Send writes a raw request without tracking it. Any responses for req.ID are dropped unless the id
// belongs to a process started with StartProc.
func (c *Client) Send(ctx context.Context, req protocol.SpawnRequest) error {
	return c.writeJSON(ctx, req)
}

func (c *Client) writeJSON(ctx context.Context, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	b = append(b, '\n')

	c.writeMut.Lock()
	defer c.writeMut.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetWriteDeadline(deadline)
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	_, err = c.conn.Write(b)
	return err
}

func (c *Client) lookup(id uint32) *Process {
	c.mut.Lock()
	defer c.mut.Unlock()
	return c.procs[id]
}

func (c *Client) remove(id uint32) *Process {
	c.mut.Lock()
	defer c.mut.Unlock()
	p := c.procs[id]
	delete(c.procs, id)
	return p
}

func (c *Client) readMessages() {
	defer close(c.done)
	rr := protocol.NewResponseReader(c.conn)
	for {
		resp, err := rr.ReadResponse()
		if err != nil {
			c.fail(fmt.Errorf("conn closed: %w", err))
			return
		}
		switch resp := resp.(type) {
		case protocol.ChildOutput:
			p := c.lookup(resp.RequestID)
			if p == nil {
				c.log.Debugw("dropping output for unknown process", "RequestID", resp.RequestID)
				continue
			}
			w := p.stdout
			if resp.Source == protocol.Stderr {
				w = p.stderr
			}
			_, err := w.Write(resp.Data)
			if err != nil {
				c.log.Debugf("%s writer got error: %s", resp.Source, err)
			}
		case protocol.ChildExit:
			p := c.remove(resp.RequestID)
			if p == nil {
				c.log.Debugw("dropping exit for unknown process", "RequestID", resp.RequestID)
				continue
			}
			c.log.Debugw("process exited", "RequestID", resp.RequestID, "ExitCode", resp.Status)
			p.finish(cmdResult{code: int(resp.Status)})
		}
	}
}

// fail fails every pending process and any later StartProc with err.
func (c *Client) fail(err error) {
	c.mut.Lock()
	if c.err == nil {
		c.err = err
	}
	procs := c.procs
	c.procs = map[uint32]*Process{}
	c.mut.Unlock()

	for _, p := range procs {
		p.finish(cmdResult{code: -1, err: err})
	}
}

// Close closes the conn, which makes the agent kill every process still running for this client.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mut.Lock()
		if c.err == nil {
			c.err = ErrClientClosed
		}
		c.mut.Unlock()
		err = c.conn.Close()
		<-c.done
	})
	return err
}
